package vaultfs

import (
	"context"

	"github.com/absfs/vaultfs/backend"
)

// MasterKeyLoader supplies the master key when a vault is mounted. Mount
// calls it exactly once and takes ownership of the returned key.
type MasterKeyLoader interface {
	LoadMasterKey(ctx context.Context, vaultID string) (*KeyMaterial, error)
}

// LoaderFunc adapts a function to MasterKeyLoader
type LoaderFunc func(ctx context.Context, vaultID string) (*KeyMaterial, error)

// LoadMasterKey implements MasterKeyLoader
func (f LoaderFunc) LoadMasterKey(ctx context.Context, vaultID string) (*KeyMaterial, error) {
	return f(ctx, vaultID)
}

// StaticLoader hands out copies of key, so the caller keeps ownership of
// key and may mount several times.
func StaticLoader(key *KeyMaterial) MasterKeyLoader {
	return LoaderFunc(func(ctx context.Context, vaultID string) (*KeyMaterial, error) {
		return key.Copy()
	})
}

// PassphraseLoader unwraps the master key stored in the vault header
func PassphraseLoader(be backend.Backend, passphrase []byte) MasterKeyLoader {
	return LoaderFunc(func(ctx context.Context, vaultID string) (*KeyMaterial, error) {
		h, err := ReadHeader(ctx, be)
		if err != nil {
			return nil, err
		}
		return UnwrapMasterKey(h, passphrase)
	})
}
