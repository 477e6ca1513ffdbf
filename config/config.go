// Package config loads vaultctl settings. Values come, in increasing
// priority, from built-in defaults, a YAML config file, VAULTCTL_*
// environment variables and command line flags bound by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/absfs/vaultfs"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// VAULTCTL_BACKEND_TYPE=s3
const EnvPrefix = "VAULTCTL"

// Backend types accepted in backend.type
const (
	BackendDisk   = "disk"
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendSQL    = "sql"
)

// Config is the fully resolved vaultctl configuration
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Lock    LockConfig    `mapstructure:"lock"`
	Vault   VaultConfig   `mapstructure:"vault"`
	Log     LogConfig     `mapstructure:"log"`
}

// BackendConfig selects where encrypted entries are stored
type BackendConfig struct {
	Type string    `mapstructure:"type"`
	Path string    `mapstructure:"path"`
	S3   S3Config  `mapstructure:"s3"`
	SQL  SQLConfig `mapstructure:"sql"`
}

// S3Config configures the s3 backend
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// SQLConfig configures the sql backend
type SQLConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// LockConfig selects the lock used for listing and chunk updates. An
// empty RedisURL keeps locks in-process.
type LockConfig struct {
	RedisURL string        `mapstructure:"redis_url"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// VaultConfig holds creation parameters and mount tuning
type VaultConfig struct {
	ID             string `mapstructure:"id"`
	ChunkSize      int    `mapstructure:"chunk_size"`
	Scheme         string `mapstructure:"scheme"`
	KDF            string `mapstructure:"kdf"`
	MaxDirtyChunks int    `mapstructure:"max_dirty_chunks"`
	CacheChunks    int    `mapstructure:"cache_chunks"`
	ListingRetries int    `mapstructure:"listing_retries"`
	Workers        int    `mapstructure:"workers"`
}

// LogConfig configures the CLI logger
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SetDefaults registers every key so that environment overrides are
// picked up by Unmarshal
func SetDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("backend.type", BackendDisk)
	v.SetDefault("backend.path", filepath.Join(home, ".vaultctl", "vault"))
	v.SetDefault("backend.s3.endpoint", "")
	v.SetDefault("backend.s3.region", "us-east-1")
	v.SetDefault("backend.s3.bucket", "")
	v.SetDefault("backend.s3.prefix", "")
	v.SetDefault("backend.s3.access_key_id", "")
	v.SetDefault("backend.s3.secret_access_key", "")
	v.SetDefault("backend.sql.driver", "sqlite")
	v.SetDefault("backend.sql.dsn", filepath.Join(home, ".vaultctl", "vault.db"))

	v.SetDefault("lock.redis_url", "")
	v.SetDefault("lock.prefix", "vaultfs:lock:")
	v.SetDefault("lock.ttl", 30*time.Second)

	v.SetDefault("vault.id", "default")
	v.SetDefault("vault.chunk_size", vaultfs.DefaultChunkSize)
	v.SetDefault("vault.scheme", vaultfs.SchemeSIVGCM.String())
	v.SetDefault("vault.kdf", string(vaultfs.KDFArgon2id))
	v.SetDefault("vault.max_dirty_chunks", vaultfs.DefaultMaxDirtyChunks)
	v.SetDefault("vault.cache_chunks", vaultfs.DefaultCacheChunks)
	v.SetDefault("vault.listing_retries", vaultfs.DefaultListingRetries)
	v.SetDefault("vault.workers", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// Load reads the configuration into v and decodes it. An explicit
// cfgFile must exist; otherwise config.yaml is looked up in the working
// directory and in ~/.vaultctl and may be absent.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".vaultctl"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that do not need a connection to verify
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case BackendDisk, BackendSQL:
		if c.Backend.Type == BackendDisk && c.Backend.Path == "" {
			return vaultfs.NewValidationError("backend.path", c.Backend.Path, "is required for the disk backend")
		}
	case BackendMemory:
	case BackendS3:
		if c.Backend.S3.Bucket == "" {
			return vaultfs.NewValidationError("backend.s3.bucket", "", "is required for the s3 backend")
		}
	default:
		return vaultfs.NewValidationError("backend.type", c.Backend.Type, "unsupported backend type")
	}

	if _, err := c.Scheme(); err != nil {
		return vaultfs.NewValidationError("vault.scheme", c.Vault.Scheme, err.Error())
	}
	switch vaultfs.KDFAlgorithm(c.Vault.KDF) {
	case vaultfs.KDFArgon2id, vaultfs.KDFPBKDF2:
	default:
		return vaultfs.NewValidationError("vault.kdf", c.Vault.KDF, "must be argon2id or pbkdf2")
	}
	if c.Vault.Workers < 0 {
		return vaultfs.NewValidationError("vault.workers", c.Vault.Workers, "cannot be negative")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return vaultfs.NewValidationError("log.level", c.Log.Level, err.Error())
	}
	return nil
}

// Scheme parses vault.scheme
func (c *Config) Scheme() (vaultfs.CipherScheme, error) {
	return vaultfs.ParseCipherScheme(c.Vault.Scheme)
}

// InitOptions returns the creation parameters for a new vault
func (c *Config) InitOptions(passphrase []byte) (vaultfs.InitOptions, error) {
	scheme, err := c.Scheme()
	if err != nil {
		return vaultfs.InitOptions{}, err
	}
	return vaultfs.InitOptions{
		Scheme:     scheme,
		ChunkSize:  c.Vault.ChunkSize,
		Passphrase: passphrase,
		KDF:        vaultfs.KDFAlgorithm(c.Vault.KDF),
	}, nil
}

// MountConfig returns the mount tuning. Locker is left nil so Mount
// falls back to an in-process lock; OpenLocker supplies a shared one.
func (c *Config) MountConfig(logger *zerolog.Logger) *vaultfs.Config {
	mc := vaultfs.DefaultConfig()
	mc.VaultID = c.Vault.ID
	mc.MaxDirtyChunks = c.Vault.MaxDirtyChunks
	mc.CacheChunks = c.Vault.CacheChunks
	mc.ListingRetries = c.Vault.ListingRetries
	if c.Vault.Workers > 0 {
		mc.Parallel.MaxWorkers = c.Vault.Workers
	}
	mc.Locker = nil
	if logger != nil {
		mc.Logger = logger
	}
	return mc
}
