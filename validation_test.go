package vaultfs

import (
	"errors"
	"strings"
	"testing"
)

// TestConfig_Validate tests the Config validation
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
		errMsg  string
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
			errMsg:  "config cannot be nil",
		},
		{
			name:    "defaults",
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name: "zero dirty chunks",
			config: func() *Config {
				c := DefaultConfig()
				c.MaxDirtyChunks = 0
				return c
			}(),
			wantErr: true,
			errMsg:  "validation error: max_dirty_chunks",
		},
		{
			name: "zero listing retries",
			config: func() *Config {
				c := DefaultConfig()
				c.ListingRetries = 0
				return c
			}(),
			wantErr: true,
			errMsg:  "validation error: listing_retries",
		},
		{
			name: "negative cache",
			config: func() *Config {
				c := DefaultConfig()
				c.CacheChunks = -1
				return c
			}(),
			wantErr: true,
			errMsg:  "validation error: cache_chunks",
		},
		{
			name: "bad parallel config",
			config: func() *Config {
				c := DefaultConfig()
				c.Parallel.MaxWorkers = -1
				return c
			}(),
			wantErr: true,
			errMsg:  "validation error: parallel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Config.Validate() expected error containing %q, got nil", tt.errMsg)
				} else if !strings.HasPrefix(err.Error(), tt.errMsg) {
					t.Errorf("Config.Validate() error = %q, want prefix %q", err.Error(), tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("Config.Validate() unexpected error = %v", err)
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := (&Config{MaxDirtyChunks: 3, VaultID: "v1"}).withDefaults()

	if cfg.MaxDirtyChunks != 3 {
		t.Errorf("MaxDirtyChunks = %d, want 3", cfg.MaxDirtyChunks)
	}
	if cfg.ListingRetries != DefaultListingRetries {
		t.Errorf("ListingRetries = %d, want %d", cfg.ListingRetries, DefaultListingRetries)
	}
	if cfg.Locker == nil || cfg.Logger == nil {
		t.Error("Locker and Logger should default to non-nil values")
	}
	if cfg.VaultID != "v1" {
		t.Errorf("VaultID = %q, want v1", cfg.VaultID)
	}
	if cfg.Parallel == nil || *cfg.Parallel != DefaultParallelConfig() {
		t.Errorf("Parallel = %+v, want defaults", cfg.Parallel)
	}
}

func TestConfig_WithDefaultsKeepsSequential(t *testing.T) {
	in := &Config{Parallel: &ParallelConfig{}}
	cfg := in.withDefaults()

	if cfg.Parallel.Enabled {
		t.Error("an explicit disabled ParallelConfig was replaced by the defaults")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if cfg.Parallel.limit(100) != 1 {
		t.Errorf("limit(100) = %d, want 1", cfg.Parallel.limit(100))
	}

	// the caller's value is copied
	in.Parallel.Enabled = true
	if cfg.Parallel.Enabled {
		t.Error("withDefaults aliased the caller's ParallelConfig")
	}
}

// TestParallelConfig_Validate tests ParallelConfig validation
func TestParallelConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  ParallelConfig
		wantErr bool
	}{
		{"disabled ignores values", ParallelConfig{Enabled: false, MaxWorkers: -5}, false},
		{"negative workers", ParallelConfig{Enabled: true, MaxWorkers: -1, MinChunksForParallel: 1}, true},
		{"too many workers", ParallelConfig{Enabled: true, MaxWorkers: 2000, MinChunksForParallel: 1}, true},
		{"zero threshold", ParallelConfig{Enabled: true, MaxWorkers: 4, MinChunksForParallel: 0}, true},
		{"threshold too high", ParallelConfig{Enabled: true, MaxWorkers: 4, MinChunksForParallel: 2000}, true},
		{"default", DefaultParallelConfig(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("ParallelConfig.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParallelConfig_Limit(t *testing.T) {
	cfg := ParallelConfig{Enabled: true, MaxWorkers: 4, MinChunksForParallel: 3}

	tests := []struct {
		n    int
		want int
	}{
		{1, 1},
		{2, 1},
		{3, 3},
		{10, 4},
	}
	for _, tt := range tests {
		if got := cfg.limit(tt.n); got != tt.want {
			t.Errorf("limit(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
	if got := (ParallelConfig{}).limit(100); got != 1 {
		t.Errorf("disabled limit = %d, want 1", got)
	}
}

// TestArgon2idParams_Validate tests Argon2id parameter validation
func TestArgon2idParams_Validate(t *testing.T) {
	valid := Argon2idParams{Memory: 64 * 1024, Iterations: 3, Parallelism: 4, SaltSize: 32, KeySize: 32}

	tests := []struct {
		name    string
		mutate  func(*Argon2idParams)
		wantErr string
	}{
		{"memory too low", func(p *Argon2idParams) { p.Memory = 4 * 1024 }, "argon2id memory must be at least 8 MiB"},
		{"memory too high", func(p *Argon2idParams) { p.Memory = 5 * 1024 * 1024 }, "argon2id memory must not exceed 4 GiB"},
		{"iterations too low", func(p *Argon2idParams) { p.Iterations = 0 }, "argon2id iterations must be at least 1"},
		{"iterations too high", func(p *Argon2idParams) { p.Iterations = 200 }, "argon2id iterations must not exceed 100"},
		{"parallelism too low", func(p *Argon2idParams) { p.Parallelism = 0 }, "argon2id parallelism must be at least 1"},
		{"salt size too small", func(p *Argon2idParams) { p.SaltSize = 8 }, "argon2id salt size must be at least 16 bytes"},
		{"key size too small", func(p *Argon2idParams) { p.KeySize = 8 }, "argon2id key size must be at least 16 bytes"},
		{"valid params", func(p *Argon2idParams) {}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Argon2idParams.Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("Argon2idParams.Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

// TestPBKDF2Params_Validate tests PBKDF2 parameter validation
func TestPBKDF2Params_Validate(t *testing.T) {
	tests := []struct {
		name    string
		params  PBKDF2Params
		wantErr bool
	}{
		{"iterations too low", PBKDF2Params{Iterations: 50000, HashFunc: SHA256, SaltSize: 32, KeySize: 32}, true},
		{"iterations too high", PBKDF2Params{Iterations: 20000000, HashFunc: SHA256, SaltSize: 32, KeySize: 32}, true},
		{"invalid hash function", PBKDF2Params{Iterations: 100000, HashFunc: HashFunc(99), SaltSize: 32, KeySize: 32}, true},
		{"salt size too small", PBKDF2Params{Iterations: 100000, HashFunc: SHA256, SaltSize: 8, KeySize: 32}, true},
		{"key size too small", PBKDF2Params{Iterations: 100000, HashFunc: SHA256, SaltSize: 32, KeySize: 8}, true},
		{"valid SHA256 params", PBKDF2Params{Iterations: 200000, HashFunc: SHA256, SaltSize: 32, KeySize: 32}, false},
		{"valid SHA512 params", PBKDF2Params{Iterations: 100000, HashFunc: SHA512, SaltSize: 32, KeySize: 32}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("PBKDF2Params.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChunkSize(t *testing.T) {
	tests := []struct {
		size    int
		wantErr bool
	}{
		{MinChunkSize - 1, true},
		{MinChunkSize, false},
		{4096, false},
		{DefaultChunkSize, false},
		{MaxChunkSize, false},
		{MaxChunkSize + 1, true},
	}
	for _, tt := range tests {
		err := ValidateChunkSize(tt.size)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateChunkSize(%d) error = %v, wantErr %v", tt.size, err, tt.wantErr)
		}
		if err != nil && !IsValidationError(err) {
			t.Errorf("ValidateChunkSize(%d) should return a ValidationError", tt.size)
		}
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path    string
		want    []string
		wantErr bool
	}{
		{"/", nil, false},
		{"", nil, false},
		{"/a", []string{"a"}, false},
		{"a/b", []string{"a", "b"}, false},
		{"/a/b/", []string{"a", "b"}, false},
		{"/a//b", nil, true},
		{"/a/./b", nil, true},
		{"/a/../b", nil, true},
		{"/a/b\x00c", nil, true},
		{"/" + strings.Repeat("x", MaxNameLength+1), nil, true},
		{"/" + strings.Repeat("x", MaxNameLength), []string{strings.Repeat("x", MaxNameLength)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := SplitPath(tt.path)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPath) {
					t.Errorf("SplitPath(%q) error = %v, want ErrInvalidPath", tt.path, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SplitPath(%q) unexpected error = %v", tt.path, err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("SplitPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestIsWithin(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"/a", "/a", true},
		{"/a", "/a/b", true},
		{"/a", "/ab", false},
		{"/a/b", "/a", false},
		{"/", "/x", true},
	}
	for _, tt := range tests {
		a, _ := SplitPath(tt.a)
		b, _ := SplitPath(tt.b)
		if got := isWithin(a, b); got != tt.want {
			t.Errorf("isWithin(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestValidateReadWrite(t *testing.T) {
	if err := ValidateReadWrite(nil, 0); !errors.Is(err, ErrNilBuffer) {
		t.Errorf("nil buffer: got %v", err)
	}
	if err := ValidateReadWrite([]byte{}, -1); !errors.Is(err, ErrNegativeOffset) {
		t.Errorf("negative offset: got %v", err)
	}
	if err := ValidateReadWrite([]byte{1}, 10); err != nil {
		t.Errorf("valid: got %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	if err := ValidateKey(nil, 32); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("nil key: got %v", err)
	}
	if err := ValidateKey(make([]byte, 16), 32); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("short key: got %v", err)
	}
	if err := ValidateKey(make([]byte, 32), 32); err != nil {
		t.Errorf("valid key: got %v", err)
	}
}
