package vaultfs

import (
	"github.com/absfs/vaultfs/backend"
	"github.com/rs/zerolog"
)

// vault holds the keys and format parameters of a mounted vault. It is
// shared by the path mapper, the chunk codec and open handles.
type vault struct {
	be        backend.Backend
	scheme    CipherScheme
	chunkSize int
	rootID    NodeID

	names      *SIVEngine   // node id to location mapping
	listings   CipherEngine // directory listings
	content    CipherEngine // file headers
	contentKey *DerivedKey  // chunk key derivation

	locker Locker
	cfg    *Config
	log    zerolog.Logger
}

// newVault derives the working keys for an opened header. Only the content
// key stays referenced; the others live on as expanded cipher state.
func newVault(be backend.Backend, key *KeyMaterial, h *VaultHeader, cfg *Config) (*vault, error) {
	scheme, err := ParseCipherScheme(h.Scheme)
	if err != nil {
		return nil, err
	}
	rootID, err := nodeIDFromBytes(h.RootID)
	if err != nil {
		return nil, &CorruptionError{Name: HeaderEntryName, Message: err.Error()}
	}

	nameKey, err := key.DeriveNameKey(scheme)
	if err != nil {
		return nil, err
	}
	names, err := NewSIVEngine(nameKey.Bytes())
	nameKey.Release()
	if err != nil {
		return nil, err
	}

	listingKey, err := key.Derive(scheme.String()+"/listing", 32)
	if err != nil {
		return nil, err
	}
	listings, err := NewCipherEngine(scheme, listingKey.Bytes())
	listingKey.Release()
	if err != nil {
		return nil, err
	}

	contentKey, err := key.DeriveContentKey(scheme)
	if err != nil {
		return nil, err
	}
	content, err := NewCipherEngine(scheme, contentKey.Bytes())
	if err != nil {
		contentKey.Release()
		return nil, err
	}

	return &vault{
		be:         be,
		scheme:     scheme,
		chunkSize:  int(h.ChunkSize),
		rootID:     rootID,
		names:      names,
		listings:   listings,
		content:    content,
		contentKey: contentKey,
		locker:     cfg.Locker,
		cfg:        cfg,
		log:        *cfg.Logger,
	}, nil
}

// release drops the content key reference held on the master key
func (v *vault) release() {
	v.contentKey.Release()
}
