package vaultfs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the size of a vault master key in bytes
const MasterKeySize = 32

// kdfPrefix versions every HKDF info string the vault uses
const kdfPrefix = "vaultfs/v1/"

// KeyMaterial owns a vault master key. The key lives in a memguard locked
// buffer and is only reachable through derivations. Derived keys are
// reference counted: Dispose blocks until every DerivedKey is released and
// then destroys the buffer.
type KeyMaterial struct {
	mu       sync.Mutex
	buf      *memguard.LockedBuffer
	refs     sync.WaitGroup
	disposed bool

	disposeOnce sync.Once
	done        chan struct{}
}

// NewKeyMaterial takes ownership of raw, which is wiped before returning
func NewKeyMaterial(raw []byte) (*KeyMaterial, error) {
	if len(raw) != MasterKeySize {
		memguard.WipeBytes(raw)
		return nil, &ValidationError{
			Field:   "master_key",
			Value:   len(raw),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(raw), MasterKeySize),
			Err:     ErrInvalidKey,
		}
	}
	return &KeyMaterial{
		buf:  memguard.NewBufferFromBytes(raw),
		done: make(chan struct{}),
	}, nil
}

// GenerateKeyMaterial creates a fresh random master key
func GenerateKeyMaterial() (*KeyMaterial, error) {
	return &KeyMaterial{
		buf:  memguard.NewBufferRandom(MasterKeySize),
		done: make(chan struct{}),
	}, nil
}

// Copy returns an independent owner of the same key. Disposing either
// does not affect the other.
func (k *KeyMaterial) Copy() (*KeyMaterial, error) {
	var dup []byte
	err := k.withSecret(func(secret []byte) error {
		dup = make([]byte, len(secret))
		copy(dup, secret)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewKeyMaterial(dup)
}

// withSecret runs fn with the raw key while holding a reference, so a
// concurrent Dispose waits for fn to return.
func (k *KeyMaterial) withSecret(fn func(secret []byte) error) error {
	if err := k.acquire(); err != nil {
		return err
	}
	defer k.refs.Done()
	return fn(k.buf.Bytes())
}

func (k *KeyMaterial) acquire() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.disposed {
		return ErrKeyUnavailable
	}
	k.refs.Add(1)
	return nil
}

// Derive returns a size-byte key derived from the master key with HKDF-SHA256
// and the versioned purpose string. The caller must Release it.
func (k *KeyMaterial) Derive(purpose string, size int) (*DerivedKey, error) {
	if err := k.acquire(); err != nil {
		return nil, err
	}

	out := make([]byte, size)
	r := hkdf.New(sha256.New, k.buf.Bytes(), nil, []byte(kdfPrefix+purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		k.refs.Done()
		memguard.WipeBytes(out)
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}

	return &DerivedKey{buf: memguard.NewBufferFromBytes(out), owner: k}, nil
}

// DeriveContentKey derives the key that protects listings, file headers and
// chunk keys. It is bound to the scheme, so a vault re-created with another
// scheme never shares content keys with the old one.
func (k *KeyMaterial) DeriveContentKey(scheme CipherScheme) (*DerivedKey, error) {
	return k.Derive(scheme.String()+"/content", 32)
}

// DeriveNameKey derives the 64-byte AES-SIV key used to map node IDs to
// backend locations.
func (k *KeyMaterial) DeriveNameKey(scheme CipherScheme) (*DerivedKey, error) {
	return k.Derive(scheme.String()+"/names", 64)
}

// DeriveHeaderMACKey derives the key authenticating the vault header
func (k *KeyMaterial) DeriveHeaderMACKey() (*DerivedKey, error) {
	return k.Derive("header-mac", 32)
}

// KeyCheckValue returns a 16-byte fingerprint of the master key stored in
// the vault header to tell a wrong key apart from a corrupt header.
func (k *KeyMaterial) KeyCheckValue() ([]byte, error) {
	var kcv []byte
	err := k.withSecret(func(secret []byte) error {
		mac := hmac.New(sha256.New, secret)
		mac.Write([]byte(kdfPrefix + "key-check"))
		kcv = mac.Sum(nil)[:16]
		return nil
	})
	return kcv, err
}

// Dispose destroys the key after all derived keys have been released.
// It is safe to call more than once.
func (k *KeyMaterial) Dispose() {
	_ = k.DisposeContext(context.Background())
}

// DisposeContext is Dispose with a bound on how long to wait for derived
// keys. If ctx expires first the key is still destroyed once the last
// reference is released, and ctx.Err() is returned.
func (k *KeyMaterial) DisposeContext(ctx context.Context) error {
	k.disposeOnce.Do(func() {
		k.mu.Lock()
		k.disposed = true
		k.mu.Unlock()

		go func() {
			k.refs.Wait()
			k.buf.Destroy()
			close(k.done)
		}()
	})

	select {
	case <-k.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disposed reports whether Dispose has been called
func (k *KeyMaterial) Disposed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.disposed
}

// DerivedKey is a key derived from KeyMaterial. It keeps its owner alive
// until Release.
type DerivedKey struct {
	buf   *memguard.LockedBuffer
	owner *KeyMaterial
	once  sync.Once
}

// Bytes returns the key. The slice is invalid after Release.
func (d *DerivedKey) Bytes() []byte {
	return d.buf.Bytes()
}

// Release wipes the derived key and drops the reference on its owner
func (d *DerivedKey) Release() {
	d.once.Do(func() {
		d.buf.Destroy()
		d.owner.refs.Done()
	})
}
