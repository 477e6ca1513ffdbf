package vaultfs

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"github.com/rs/zerolog"
)

// CipherScheme identifies the cryptographic scheme a vault is created with.
// The scheme is fixed for the lifetime of the vault.
type CipherScheme uint8

const (
	// SchemeSIVGCM uses AES-SIV for node identifiers and key wrapping and
	// AES-256-GCM for listings, file headers and chunks.
	SchemeSIVGCM CipherScheme = iota + 1
	// SchemeSIVChaCha20Poly1305 uses AES-SIV for node identifiers and key
	// wrapping and ChaCha20-Poly1305 for content.
	SchemeSIVChaCha20Poly1305
)

// String returns the persisted name of the scheme
func (s CipherScheme) String() string {
	switch s {
	case SchemeSIVGCM:
		return "SIV_GCM"
	case SchemeSIVChaCha20Poly1305:
		return "SIV_CHACHA20POLY1305"
	default:
		return "unknown"
	}
}

// ParseCipherScheme maps a persisted scheme name back to a CipherScheme
func ParseCipherScheme(name string) (CipherScheme, error) {
	switch strings.ToUpper(name) {
	case "SIV_GCM":
		return SchemeSIVGCM, nil
	case "SIV_CHACHA20POLY1305":
		return SchemeSIVChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedScheme, name)
	}
}

func (s CipherScheme) valid() bool {
	return s == SchemeSIVGCM || s == SchemeSIVChaCha20Poly1305
}

// NodeKind distinguishes files from directories in listings
type NodeKind uint8

const (
	// KindFile is a regular file node
	KindFile NodeKind = iota + 1
	// KindDir is a directory node
	KindDir
)

func (k NodeKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return "unknown"
	}
}

// KDFAlgorithm names the passphrase key derivation function used to wrap
// the master key in the vault header
type KDFAlgorithm string

const (
	// KDFNone means the header carries no wrapped key; the master key is
	// supplied directly by the loader.
	KDFNone KDFAlgorithm = "none"
	// KDFArgon2id derives the wrapping key with Argon2id
	KDFArgon2id KDFAlgorithm = "argon2id"
	// KDFPBKDF2 derives the wrapping key with PBKDF2
	KDFPBKDF2 KDFAlgorithm = "pbkdf2"
)

// HashFunc represents hash function types for PBKDF2
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

// HashFuncToHash converts HashFunc to a hash constructor
func HashFuncToHash(hf HashFunc) (func() hash.Hash, error) {
	switch hf {
	case SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported hash function: %d", hf)
	}
}

// PBKDF2Params contains parameters for PBKDF2 key derivation
type PBKDF2Params struct {
	Iterations int      // Number of iterations (minimum 100,000 recommended)
	HashFunc   HashFunc // Hash function to use
	SaltSize   int      // Salt size in bytes (default 32)
	KeySize    int      // Derived key size in bytes (default 32)
}

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
	SaltSize    int    // Salt size in bytes (default 32)
	KeySize     int    // Derived key size in bytes (default 32)
}

const (
	// DefaultMaxDirtyChunks bounds the plaintext a write handle buffers
	DefaultMaxDirtyChunks = 16

	// DefaultListingRetries bounds compare-and-swap retries on listings
	DefaultListingRetries = 5

	// DefaultCacheChunks is the per-handle decrypted chunk cache size
	DefaultCacheChunks = 8
)

// Config contains the mount-time configuration of a vault. Format
// parameters (scheme, chunk size) live in the vault header instead.
type Config struct {
	// VaultID is passed to the master key loader
	VaultID string

	// MaxDirtyChunks is the number of modified chunks a write handle may
	// hold before it flushes.
	MaxDirtyChunks int

	// ListingRetries is how often a conflicting listing update is retried
	// before ErrConflict is returned.
	ListingRetries int

	// CacheChunks is the number of decrypted chunks a read handle keeps.
	CacheChunks int

	// Parallel controls concurrent chunk encryption and I/O. Nil selects
	// DefaultParallelConfig; a non-nil value is used as given, so
	// &ParallelConfig{} turns parallelism off.
	Parallel *ParallelConfig

	// Locker serializes listing and chunk read-modify-write cycles.
	// Defaults to an in-process KeyedLocker.
	Locker Locker

	// Logger receives debug and warning events. Defaults to zerolog.Nop().
	Logger *zerolog.Logger
}

// DefaultConfig returns a Config with every field set to its default
func DefaultConfig() *Config {
	nop := zerolog.Nop()
	parallel := DefaultParallelConfig()
	return &Config{
		MaxDirtyChunks: DefaultMaxDirtyChunks,
		ListingRetries: DefaultListingRetries,
		CacheChunks:    DefaultCacheChunks,
		Parallel:       &parallel,
		Locker:         NewKeyedLocker(),
		Logger:         &nop,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.MaxDirtyChunks < 1 {
		return NewValidationError("max_dirty_chunks", c.MaxDirtyChunks, "must be at least 1")
	}
	if c.ListingRetries < 1 {
		return NewValidationError("listing_retries", c.ListingRetries, "must be at least 1")
	}
	if c.CacheChunks < 0 {
		return NewValidationError("cache_chunks", c.CacheChunks, "cannot be negative")
	}
	if c.Parallel != nil {
		if err := c.Parallel.Validate(); err != nil {
			return &ValidationError{Field: "parallel", Message: err.Error(), Err: err}
		}
	}
	return nil
}

// withDefaults returns a copy of c with zero values replaced by defaults
func (c *Config) withDefaults() *Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	out.VaultID = c.VaultID
	if c.MaxDirtyChunks != 0 {
		out.MaxDirtyChunks = c.MaxDirtyChunks
	}
	if c.ListingRetries != 0 {
		out.ListingRetries = c.ListingRetries
	}
	if c.CacheChunks != 0 {
		out.CacheChunks = c.CacheChunks
	}
	if c.Parallel != nil {
		p := *c.Parallel
		out.Parallel = &p
	}
	if c.Locker != nil {
		out.Locker = c.Locker
	}
	if c.Logger != nil {
		out.Logger = c.Logger
	}
	return out
}
