package vaultfs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/absfs/vaultfs/backend"
	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// HeaderEntryName is the backend entry holding the vault header
	HeaderEntryName = "vault.header"

	// FormatVersion is the vault format this package reads and writes
	FormatVersion = 1
)

var wrapAD = []byte(kdfPrefix + "master-key")

// VaultHeader is the immutable vault metadata written at initialization.
// It holds no plaintext secrets: the master key appears only wrapped.
type VaultHeader struct {
	FormatVersion uint16        `cbor:"1,keyasint"`
	Scheme        string        `cbor:"2,keyasint"`
	ChunkSize     uint32        `cbor:"3,keyasint"`
	KDF           KDFDescriptor `cbor:"4,keyasint"`
	WrappedKey    []byte        `cbor:"5,keyasint,omitempty"`
	RootID        []byte        `cbor:"6,keyasint"`
	KeyCheck      []byte        `cbor:"7,keyasint"`
	CreatedAt     int64         `cbor:"8,keyasint"`
	MAC           []byte        `cbor:"9,keyasint,omitempty"`
}

// InitOptions configures Initialize
type InitOptions struct {
	// Scheme defaults to SchemeSIVGCM
	Scheme CipherScheme

	// ChunkSize defaults to DefaultChunkSize
	ChunkSize int

	// Passphrase, when set, wraps the master key into the header so it
	// can later be recovered with PassphraseLoader.
	Passphrase []byte

	// KDF selects the passphrase KDF. Defaults to KDFArgon2id.
	KDF    KDFAlgorithm
	Argon2 Argon2idParams
	PBKDF2 PBKDF2Params
}

func (o InitOptions) withDefaults() InitOptions {
	if o.Scheme == 0 {
		o.Scheme = SchemeSIVGCM
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.KDF == "" || o.KDF == KDFNone {
		o.KDF = KDFArgon2id
	}
	return o
}

// Initialize creates a new vault on be. It fails with ErrAlreadyInitialized
// if the backend already holds a vault header, and leaves that vault
// untouched.
func Initialize(ctx context.Context, be backend.Backend, key *KeyMaterial, opts InitOptions) (*VaultHeader, error) {
	if be == nil {
		return nil, ErrNilBackend
	}
	if key == nil {
		return nil, ErrInvalidKey
	}
	opts = opts.withDefaults()
	if !opts.Scheme.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedScheme, opts.Scheme)
	}
	if err := ValidateChunkSize(opts.ChunkSize); err != nil {
		return nil, err
	}

	if raw, err := be.ReadFile(ctx, HeaderEntryName); err == nil {
		if len(raw) > 0 {
			return nil, &InitializationError{Message: "vault header already present", Err: ErrAlreadyInitialized}
		}
	} else if !errors.Is(err, backend.ErrNotExist) {
		return nil, &InitializationError{Message: "failed to probe backend", Err: NewIOError("read", HeaderEntryName, err)}
	}

	rootID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate root id: %w", err)
	}

	h := &VaultHeader{
		FormatVersion: FormatVersion,
		Scheme:        opts.Scheme.String(),
		ChunkSize:     uint32(opts.ChunkSize),
		KDF:           KDFDescriptor{Algorithm: KDFNone},
		RootID:        rootID[:],
		CreatedAt:     time.Now().Unix(),
	}

	if len(opts.Passphrase) > 0 {
		if err := wrapIntoHeader(h, key, opts); err != nil {
			return nil, err
		}
	}

	if h.KeyCheck, err = key.KeyCheckValue(); err != nil {
		return nil, err
	}
	raw, err := sealHeader(h, key)
	if err != nil {
		return nil, err
	}

	if err := be.CreateExclusive(ctx, HeaderEntryName, raw); err != nil {
		if errors.Is(err, backend.ErrExist) {
			return nil, &InitializationError{Message: "vault header already present", Err: ErrAlreadyInitialized}
		}
		return nil, &InitializationError{Message: "failed to write vault header", Err: NewIOError("create", HeaderEntryName, err)}
	}

	// The root reads as empty without a listing, so a crash here is benign
	v, err := newVault(be, key, h, DefaultConfig())
	if err != nil {
		return nil, err
	}
	defer v.release()
	if err := v.writeListing(ctx, v.rootID, &listing{}); err != nil {
		return nil, &InitializationError{Message: "failed to write root listing", Err: err}
	}

	return h, nil
}

// InitializeIfAbsent opens the vault on be, creating it first if the
// backend holds none. created reports which happened.
func InitializeIfAbsent(ctx context.Context, be backend.Backend, key *KeyMaterial, opts InitOptions) (h *VaultHeader, created bool, err error) {
	h, err = Initialize(ctx, be, key, opts)
	if err == nil {
		return h, true, nil
	}
	if !errors.Is(err, ErrAlreadyInitialized) {
		return nil, false, err
	}
	h, err = OpenHeader(ctx, be, key)
	return h, false, err
}

// ReadHeader decodes the vault header without authenticating it. It is
// meant for reading KDF parameters before the master key is known.
func ReadHeader(ctx context.Context, be backend.Backend) (*VaultHeader, error) {
	if be == nil {
		return nil, ErrNilBackend
	}
	raw, err := be.ReadFile(ctx, HeaderEntryName)
	if err != nil {
		if errors.Is(err, backend.ErrNotExist) {
			return nil, ErrNotInitialized
		}
		return nil, NewIOError("read", HeaderEntryName, err)
	}
	if len(raw) == 0 {
		// a create that never published its contents
		return nil, ErrNotInitialized
	}

	var h VaultHeader
	if err := dm.Unmarshal(raw, &h); err != nil {
		return nil, &CorruptionError{Name: HeaderEntryName, Message: "undecodable header", Err: err}
	}
	return &h, nil
}

// OpenHeader reads the vault header and checks it against key. The MAC
// does not cover the key check value, so the two checks together tell a
// wrong key (both fail) from a damaged header (only one fails).
func OpenHeader(ctx context.Context, be backend.Backend, key *KeyMaterial) (*VaultHeader, error) {
	h, err := ReadHeader(ctx, be)
	if err != nil {
		return nil, err
	}

	want, err := headerMAC(h, key)
	if err != nil {
		return nil, err
	}
	macOK := hmac.Equal(want, h.MAC)

	kcv, err := key.KeyCheckValue()
	if err != nil {
		return nil, err
	}
	kcvOK := subtle.ConstantTimeCompare(kcv, h.KeyCheck) == 1

	switch {
	case !macOK && !kcvOK:
		return nil, ErrWrongKey
	case !macOK:
		return nil, NewCorruptionError(HeaderEntryName, "header MAC mismatch")
	case !kcvOK:
		return nil, NewCorruptionError(HeaderEntryName, "key check value altered")
	}

	if h.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.FormatVersion)
	}
	if _, err := ParseCipherScheme(h.Scheme); err != nil {
		return nil, err
	}

	if err := ValidateChunkSize(int(h.ChunkSize)); err != nil {
		return nil, &CorruptionError{Name: HeaderEntryName, Message: err.Error()}
	}
	if _, err := nodeIDFromBytes(h.RootID); err != nil {
		return nil, &CorruptionError{Name: HeaderEntryName, Message: err.Error()}
	}
	return h, nil
}

// UnwrapMasterKey recovers the master key wrapped into h with passphrase.
// A wrong passphrase fails with ErrWrongKey.
func UnwrapMasterKey(h *VaultHeader, passphrase []byte) (*KeyMaterial, error) {
	if h.KDF.Algorithm == KDFNone || len(h.WrappedKey) == 0 {
		return nil, fmt.Errorf("%w: vault header carries no wrapped key", ErrKeyUnavailable)
	}

	provider, err := NewKeyProviderFromDescriptor(passphrase, h.KDF)
	if err != nil {
		return nil, err
	}
	kek, err := provider.DeriveKey(h.KDF.Salt)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(kek)

	siv, err := newWrapEngine(kek)
	if err != nil {
		return nil, err
	}
	raw, err := siv.Decrypt(h.WrappedKey, wrapAD)
	if err != nil {
		return nil, ErrWrongKey
	}
	return NewKeyMaterial(raw)
}

func wrapIntoHeader(h *VaultHeader, key *KeyMaterial, opts InitOptions) error {
	var provider *PasswordKeyProvider
	switch opts.KDF {
	case KDFArgon2id:
		provider = NewPasswordKeyProvider(opts.Passphrase, opts.Argon2)
	case KDFPBKDF2:
		provider = NewPasswordKeyProviderPBKDF2(opts.Passphrase, opts.PBKDF2)
	default:
		return NewValidationError("kdf", opts.KDF, "unknown key derivation function")
	}

	salt, err := provider.GenerateSalt()
	if err != nil {
		return err
	}
	kek, err := provider.DeriveKey(salt)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(kek)

	siv, err := newWrapEngine(kek)
	if err != nil {
		return err
	}
	err = key.withSecret(func(secret []byte) error {
		wrapped, err := siv.Encrypt(secret, wrapAD)
		h.WrappedKey = wrapped
		return err
	})
	if err != nil {
		return err
	}
	h.KDF = provider.Descriptor(salt)
	return nil
}

// newWrapEngine expands a key-encryption key into the SIV key that wraps
// the master key
func newWrapEngine(kek []byte) (*SIVEngine, error) {
	wk := make([]byte, 64)
	defer memguard.WipeBytes(wk)

	r := hkdf.New(sha256.New, kek, nil, []byte(kdfPrefix+"key-wrap"))
	if _, err := io.ReadFull(r, wk); err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	return NewSIVEngine(wk)
}

// headerMAC authenticates every header field except the MAC and the key
// check value
func headerMAC(h *VaultHeader, key *KeyMaterial) ([]byte, error) {
	unsigned := *h
	unsigned.MAC = nil
	unsigned.KeyCheck = nil
	data, err := em.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}

	macKey, err := key.DeriveHeaderMACKey()
	if err != nil {
		return nil, err
	}
	defer macKey.Release()

	mac := hmac.New(sha256.New, macKey.Bytes())
	mac.Write(data)
	return mac.Sum(nil), nil
}

func sealHeader(h *VaultHeader, key *KeyMaterial) ([]byte, error) {
	mac, err := headerMAC(h, key)
	if err != nil {
		return nil, err
	}
	h.MAC = mac
	raw, err := em.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	return raw, nil
}
