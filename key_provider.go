package vaultfs

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KeyProvider derives the key-encryption key that wraps the master key in
// the vault header.
type KeyProvider interface {
	// DeriveKey derives a key-encryption key from the given salt
	DeriveKey(salt []byte) ([]byte, error)

	// GenerateSalt generates a new random salt
	GenerateSalt() ([]byte, error)

	// Descriptor records the algorithm and parameters for the header
	Descriptor(salt []byte) KDFDescriptor
}

// KDFDescriptor is the persisted description of how the wrapping key was
// derived. It carries no secrets.
type KDFDescriptor struct {
	Algorithm   KDFAlgorithm `cbor:"1,keyasint"`
	Salt        []byte       `cbor:"2,keyasint,omitempty"`
	Memory      uint32       `cbor:"3,keyasint,omitempty"`
	Iterations  uint32       `cbor:"4,keyasint,omitempty"`
	Parallelism uint8        `cbor:"5,keyasint,omitempty"`
	Hash        HashFunc     `cbor:"6,keyasint,omitempty"`
}

// PasswordKeyProvider implements KeyProvider using password-based key derivation
type PasswordKeyProvider struct {
	password     []byte
	useArgon2id  bool
	pbkdf2Params PBKDF2Params
	argon2Params Argon2idParams
}

// NewPasswordKeyProviderPBKDF2 creates a new password-based key provider using PBKDF2
func NewPasswordKeyProviderPBKDF2(password []byte, params PBKDF2Params) *PasswordKeyProvider {
	if params.Iterations == 0 {
		params.Iterations = 100000
	}
	if params.SaltSize == 0 {
		params.SaltSize = 32
	}
	if params.KeySize == 0 {
		params.KeySize = 32
	}

	return &PasswordKeyProvider{
		password:     password,
		useArgon2id:  false,
		pbkdf2Params: params,
	}
}

// NewPasswordKeyProvider creates a new password-based key provider using Argon2id (recommended)
func NewPasswordKeyProvider(password []byte, params Argon2idParams) *PasswordKeyProvider {
	if params.Memory == 0 {
		params.Memory = 64 * 1024 // 64 MB
	}
	if params.Iterations == 0 {
		params.Iterations = 3
	}
	if params.Parallelism == 0 {
		params.Parallelism = 4
	}
	if params.SaltSize == 0 {
		params.SaltSize = 32
	}
	if params.KeySize == 0 {
		params.KeySize = 32
	}

	return &PasswordKeyProvider{
		password:     password,
		useArgon2id:  true,
		argon2Params: params,
	}
}

// NewKeyProviderFromDescriptor rebuilds the provider that produced a
// header's wrapped key.
func NewKeyProviderFromDescriptor(password []byte, d KDFDescriptor) (*PasswordKeyProvider, error) {
	switch d.Algorithm {
	case KDFArgon2id:
		return NewPasswordKeyProvider(password, Argon2idParams{
			Memory:      d.Memory,
			Iterations:  d.Iterations,
			Parallelism: d.Parallelism,
			SaltSize:    len(d.Salt),
		}), nil
	case KDFPBKDF2:
		return NewPasswordKeyProviderPBKDF2(password, PBKDF2Params{
			Iterations: int(d.Iterations),
			HashFunc:   d.Hash,
			SaltSize:   len(d.Salt),
		}), nil
	default:
		return nil, fmt.Errorf("%w: no key provider for kdf %q", ErrVaultCorrupt, d.Algorithm)
	}
}

// DeriveKey derives a key-encryption key from the password and salt
func (p *PasswordKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	if len(p.password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}

	if p.useArgon2id {
		key := argon2.IDKey(
			p.password,
			salt,
			p.argon2Params.Iterations,
			p.argon2Params.Memory,
			p.argon2Params.Parallelism,
			uint32(p.argon2Params.KeySize),
		)
		return key, nil
	}

	hashFunc, err := HashFuncToHash(p.pbkdf2Params.HashFunc)
	if err != nil {
		return nil, err
	}

	key := pbkdf2.Key(
		p.password,
		salt,
		p.pbkdf2Params.Iterations,
		p.pbkdf2Params.KeySize,
		hashFunc,
	)
	return key, nil
}

// GenerateSalt generates a new random salt
func (p *PasswordKeyProvider) GenerateSalt() ([]byte, error) {
	var saltSize int
	if p.useArgon2id {
		saltSize = p.argon2Params.SaltSize
	} else {
		saltSize = p.pbkdf2Params.SaltSize
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Descriptor returns the header description of this provider
func (p *PasswordKeyProvider) Descriptor(salt []byte) KDFDescriptor {
	if p.useArgon2id {
		return KDFDescriptor{
			Algorithm:   KDFArgon2id,
			Salt:        salt,
			Memory:      p.argon2Params.Memory,
			Iterations:  p.argon2Params.Iterations,
			Parallelism: p.argon2Params.Parallelism,
		}
	}
	return KDFDescriptor{
		Algorithm:  KDFPBKDF2,
		Salt:       salt,
		Iterations: uint32(p.pbkdf2Params.Iterations),
		Hash:       p.pbkdf2Params.HashFunc,
	}
}

// Wipe overwrites the password held by the provider
func (p *PasswordKeyProvider) Wipe() {
	memguard.WipeBytes(p.password)
}

// Validate checks Argon2id parameters against sane bounds
func (p Argon2idParams) Validate() error {
	switch {
	case p.Memory < 8*1024:
		return errors.New("argon2id memory must be at least 8 MiB")
	case p.Memory > 4*1024*1024:
		return errors.New("argon2id memory must not exceed 4 GiB")
	case p.Iterations < 1:
		return errors.New("argon2id iterations must be at least 1")
	case p.Iterations > 100:
		return errors.New("argon2id iterations must not exceed 100")
	case p.Parallelism < 1:
		return errors.New("argon2id parallelism must be at least 1")
	case p.SaltSize < 16:
		return errors.New("argon2id salt size must be at least 16 bytes")
	case p.KeySize < 16:
		return errors.New("argon2id key size must be at least 16 bytes")
	}
	return nil
}

// Validate checks PBKDF2 parameters against sane bounds
func (p PBKDF2Params) Validate() error {
	switch {
	case p.Iterations < 100000:
		return errors.New("pbkdf2 iterations must be at least 100,000")
	case p.Iterations > 10000000:
		return errors.New("pbkdf2 iterations must not exceed 10,000,000")
	case p.HashFunc != SHA256 && p.HashFunc != SHA512:
		return errors.New("pbkdf2 hash function must be SHA256 or SHA512")
	case p.SaltSize < 16:
		return errors.New("pbkdf2 salt size must be at least 16 bytes")
	case p.KeySize < 16:
		return errors.New("pbkdf2 key size must be at least 16 bytes")
	}
	return nil
}
