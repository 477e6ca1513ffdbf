package vaultfs

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/absfs/vaultfs/backend"
)

// rewriteHeader decodes the stored header, applies fn and stores it
// again without recomputing the MAC
func rewriteHeader(t *testing.T, be backend.Backend, fn func(h *VaultHeader)) {
	t.Helper()
	ctx := context.Background()
	h, err := ReadHeader(ctx, be)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	fn(h)
	raw, err := em.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := be.WriteFile(ctx, HeaderEntryName, raw); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

// resealHeader is rewriteHeader with a fresh MAC under key
func resealHeader(t *testing.T, be backend.Backend, key *KeyMaterial, fn func(h *VaultHeader)) {
	t.Helper()
	rewriteHeader(t, be, func(h *VaultHeader) {
		fn(h)
		if _, err := sealHeader(h, key); err != nil {
			t.Fatalf("sealHeader() error = %v", err)
		}
	})
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)
	key := newTestKey(t)

	h, err := Initialize(ctx, be, key, InitOptions{})
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if h.FormatVersion != FormatVersion {
		t.Errorf("FormatVersion = %d, want %d", h.FormatVersion, FormatVersion)
	}
	if h.Scheme != SchemeSIVGCM.String() {
		t.Errorf("Scheme = %q, want %q", h.Scheme, SchemeSIVGCM)
	}
	if h.ChunkSize != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", h.ChunkSize, DefaultChunkSize)
	}
	if len(h.RootID) != 16 || len(h.MAC) == 0 || len(h.KeyCheck) != 16 {
		t.Errorf("header missing fields: %+v", h)
	}
	if h.KDF.Algorithm != KDFNone || len(h.WrappedKey) != 0 {
		t.Errorf("header without passphrase carries a wrapped key: %+v", h.KDF)
	}

	opened, err := OpenHeader(ctx, be, key)
	if err != nil {
		t.Fatalf("OpenHeader() error = %v", err)
	}
	if !bytes.Equal(opened.RootID, h.RootID) {
		t.Error("OpenHeader() root id differs from Initialize()")
	}
}

func TestInitialize_InvalidOptions(t *testing.T) {
	ctx := context.Background()
	key := newTestKey(t)

	tests := []struct {
		name string
		be   backend.Backend
		key  *KeyMaterial
		opts InitOptions
		want func(error) bool
	}{
		{"nil backend", nil, key, InitOptions{}, func(err error) bool { return errors.Is(err, ErrNilBackend) }},
		{"nil key", newTestBackend(t), nil, InitOptions{}, func(err error) bool { return errors.Is(err, ErrInvalidKey) }},
		{"bad scheme", newTestBackend(t), key, InitOptions{Scheme: 9}, func(err error) bool { return errors.Is(err, ErrUnsupportedScheme) }},
		{"small chunk", newTestBackend(t), key, InitOptions{ChunkSize: 8}, IsValidationError},
		{"bad kdf", newTestBackend(t), key, InitOptions{Passphrase: []byte("p"), KDF: "scrypt"}, IsValidationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Initialize(ctx, tt.be, tt.key, tt.opts)
			if !tt.want(err) {
				t.Errorf("Initialize() error = %v", err)
			}
		})
	}
}

func TestInitialize_Concurrent(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, _ := GenerateKeyMaterial()
			defer key.Dispose()
			_, results[i] = Initialize(ctx, be, key, InitOptions{ChunkSize: 64})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range results {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, ErrAlreadyInitialized):
			t.Errorf("Initialize() error = %v, want ErrAlreadyInitialized", err)
		}
	}
	if won != 1 {
		t.Errorf("%d initializations succeeded, want exactly 1", won)
	}
}

func TestInitializeIfAbsent(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)
	key := newTestKey(t)

	first, created, err := InitializeIfAbsent(ctx, be, key, InitOptions{ChunkSize: 64})
	if err != nil || !created {
		t.Fatalf("first InitializeIfAbsent() = %v, %v", created, err)
	}
	second, created, err := InitializeIfAbsent(ctx, be, key, InitOptions{ChunkSize: 128})
	if err != nil || created {
		t.Fatalf("second InitializeIfAbsent() = %v, %v", created, err)
	}
	if second.ChunkSize != 64 || !bytes.Equal(first.RootID, second.RootID) {
		t.Error("second InitializeIfAbsent() did not return the existing header")
	}

	other := newTestKey(t)
	if _, _, err := InitializeIfAbsent(ctx, be, other, InitOptions{}); !errors.Is(err, ErrWrongKey) {
		t.Errorf("InitializeIfAbsent() with other key error = %v, want ErrWrongKey", err)
	}
}

func TestOpenHeader_Errors(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (backend.Backend, *KeyMaterial) {
		be := newTestBackend(t)
		key := newTestKey(t)
		if _, err := Initialize(ctx, be, key, InitOptions{ChunkSize: 64}); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		return be, key
	}

	t.Run("not initialized", func(t *testing.T) {
		_, err := OpenHeader(ctx, newTestBackend(t), newTestKey(t))
		if !errors.Is(err, ErrNotInitialized) {
			t.Errorf("error = %v, want ErrNotInitialized", err)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		be, _ := setup(t)
		_, err := OpenHeader(ctx, be, newTestKey(t))
		if !errors.Is(err, ErrWrongKey) {
			t.Errorf("error = %v, want ErrWrongKey", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		be, key := setup(t)
		be.WriteFile(ctx, HeaderEntryName, []byte("not cbor at all"))
		_, err := OpenHeader(ctx, be, key)
		if !errors.Is(err, ErrVaultCorrupt) {
			t.Errorf("error = %v, want ErrVaultCorrupt", err)
		}
	})

	t.Run("field tampered", func(t *testing.T) {
		be, key := setup(t)
		rewriteHeader(t, be, func(h *VaultHeader) { h.ChunkSize = 128 })
		_, err := OpenHeader(ctx, be, key)
		if !errors.Is(err, ErrVaultCorrupt) || !IsCorruptionError(err) {
			t.Errorf("error = %v, want CorruptionError", err)
		}
	})

	t.Run("root id tampered", func(t *testing.T) {
		be, key := setup(t)
		rewriteHeader(t, be, func(h *VaultHeader) { h.RootID[0] ^= 1 })
		if _, err := OpenHeader(ctx, be, key); !errors.Is(err, ErrVaultCorrupt) {
			t.Errorf("error = %v, want ErrVaultCorrupt", err)
		}
	})

	t.Run("key check tampered", func(t *testing.T) {
		be, key := setup(t)
		rewriteHeader(t, be, func(h *VaultHeader) { h.KeyCheck[0] ^= 1 })
		_, err := OpenHeader(ctx, be, key)
		if !errors.Is(err, ErrVaultCorrupt) || errors.Is(err, ErrWrongKey) {
			t.Errorf("error = %v, want ErrVaultCorrupt", err)
		}
	})

	t.Run("key check tampered wrong key", func(t *testing.T) {
		be, _ := setup(t)
		rewriteHeader(t, be, func(h *VaultHeader) { h.KeyCheck[0] ^= 1 })
		if _, err := OpenHeader(ctx, be, newTestKey(t)); !errors.Is(err, ErrWrongKey) {
			t.Errorf("error = %v, want ErrWrongKey", err)
		}
	})

	t.Run("empty header", func(t *testing.T) {
		be := newTestBackend(t)
		be.WriteFile(ctx, HeaderEntryName, nil)
		if _, err := OpenHeader(ctx, be, newTestKey(t)); !errors.Is(err, ErrNotInitialized) {
			t.Errorf("error = %v, want ErrNotInitialized", err)
		}
	})

	t.Run("unsupported version", func(t *testing.T) {
		be, key := setup(t)
		resealHeader(t, be, key, func(h *VaultHeader) { h.FormatVersion = 99 })
		if _, err := OpenHeader(ctx, be, key); !errors.Is(err, ErrUnsupportedVersion) {
			t.Errorf("error = %v, want ErrUnsupportedVersion", err)
		}
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		be, key := setup(t)
		resealHeader(t, be, key, func(h *VaultHeader) { h.Scheme = "ROT13" })
		if _, err := OpenHeader(ctx, be, key); !errors.Is(err, ErrUnsupportedScheme) {
			t.Errorf("error = %v, want ErrUnsupportedScheme", err)
		}
	})
}

func TestUnwrapMasterKey(t *testing.T) {
	ctx := context.Background()

	kdfs := []struct {
		name string
		opts InitOptions
	}{
		{"argon2id", InitOptions{KDF: KDFArgon2id, Argon2: testArgon2}},
		{"pbkdf2", InitOptions{KDF: KDFPBKDF2, PBKDF2: PBKDF2Params{Iterations: 100000, HashFunc: SHA512}}},
	}

	for _, tt := range kdfs {
		t.Run(tt.name, func(t *testing.T) {
			be := newTestBackend(t)
			key := newTestKey(t)
			opts := tt.opts
			opts.ChunkSize = 64
			opts.Passphrase = []byte("open sesame")

			h, err := Initialize(ctx, be, key, opts)
			if err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}
			if h.KDF.Algorithm != tt.opts.KDF || len(h.KDF.Salt) == 0 {
				t.Errorf("KDF descriptor = %+v", h.KDF)
			}

			unwrapped, err := UnwrapMasterKey(h, []byte("open sesame"))
			if err != nil {
				t.Fatalf("UnwrapMasterKey() error = %v", err)
			}
			defer unwrapped.Dispose()
			want, _ := key.KeyCheckValue()
			got, _ := unwrapped.KeyCheckValue()
			if !bytes.Equal(got, want) {
				t.Error("unwrapped key differs from the original")
			}

			if _, err := UnwrapMasterKey(h, []byte("open sesamE")); !errors.Is(err, ErrWrongKey) {
				t.Errorf("UnwrapMasterKey() wrong passphrase error = %v, want ErrWrongKey", err)
			}
		})
	}

	t.Run("no wrapped key", func(t *testing.T) {
		be := newTestBackend(t)
		h, _ := Initialize(ctx, be, newTestKey(t), InitOptions{ChunkSize: 64})
		if _, err := UnwrapMasterKey(h, []byte("x")); !errors.Is(err, ErrKeyUnavailable) {
			t.Errorf("error = %v, want ErrKeyUnavailable", err)
		}
	})
}

func TestInitialize_OverEmptyHeader(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)
	key := newTestKey(t)

	// what an interrupted create leaves behind
	if err := be.WriteFile(ctx, HeaderEntryName, nil); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	h, created, err := InitializeIfAbsent(ctx, be, key, InitOptions{ChunkSize: 64})
	if err != nil {
		t.Fatalf("InitializeIfAbsent() error = %v", err)
	}
	if !created {
		t.Error("InitializeIfAbsent() reported an existing vault over an empty header")
	}
	got, err := OpenHeader(ctx, be, key)
	if err != nil {
		t.Fatalf("OpenHeader() error = %v", err)
	}
	if !bytes.Equal(got.RootID, h.RootID) {
		t.Error("OpenHeader() returned a different root")
	}
}
