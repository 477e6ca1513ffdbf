package vaultfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/absfs/vaultfs/backend"
)

// Entry is one child of a directory
type Entry struct {
	Name string
	Kind NodeKind
	ID   NodeID
}

// IsDir reports whether the entry is a directory
func (e Entry) IsDir() bool { return e.Kind == KindDir }

// listing is the persisted form of a directory. Entries stay sorted by
// name so listings enumerate in a stable order.
type listing struct {
	Revision uint64         `cbor:"1,keyasint"`
	Entries  []listingEntry `cbor:"2,keyasint"`
}

type listingEntry struct {
	Name string   `cbor:"1,keyasint"`
	Kind NodeKind `cbor:"2,keyasint"`
	ID   []byte   `cbor:"3,keyasint"`
}

var listingAADPrefix = []byte("listing")

var (
	// errListingChanged reports a failed compare-and-swap and is retried
	errListingChanged = errors.New("listing changed concurrently")

	errNoListing = errors.New("directory listing missing")
)

func (l *listing) index(name string) (int, bool) {
	i := sort.Search(len(l.Entries), func(i int) bool { return l.Entries[i].Name >= name })
	return i, i < len(l.Entries) && l.Entries[i].Name == name
}

func (l *listing) lookup(name string) (Entry, bool) {
	i, ok := l.index(name)
	if !ok {
		return Entry{}, false
	}
	return l.Entries[i].entry()
}

func (l *listing) insert(e Entry) error {
	i, ok := l.index(e.Name)
	if ok {
		return ErrAlreadyExists
	}
	id := e.ID
	le := listingEntry{Name: e.Name, Kind: e.Kind, ID: id[:]}
	l.Entries = append(l.Entries, listingEntry{})
	copy(l.Entries[i+1:], l.Entries[i:])
	l.Entries[i] = le
	return nil
}

func (l *listing) remove(name string) (Entry, bool) {
	i, ok := l.index(name)
	if !ok {
		return Entry{}, false
	}
	e, _ := l.Entries[i].entry()
	l.Entries = append(l.Entries[:i], l.Entries[i+1:]...)
	return e, true
}

func (l *listing) entries() []Entry {
	out := make([]Entry, 0, len(l.Entries))
	for _, le := range l.Entries {
		if e, ok := le.entry(); ok {
			out = append(out, e)
		}
	}
	return out
}

func (le listingEntry) entry() (Entry, bool) {
	id, err := nodeIDFromBytes(le.ID)
	if err != nil {
		return Entry{}, false
	}
	return Entry{Name: le.Name, Kind: le.Kind, ID: id}, true
}

func listingAAD(id NodeID) []byte {
	return append(append([]byte{}, listingAADPrefix...), id[:]...)
}

// sealListing encodes l as nonce ‖ AEAD(CBOR(l))
func (v *vault) sealListing(id NodeID, l *listing) ([]byte, error) {
	data, err := em.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to encode listing: %w", err)
	}
	nonce, err := GenerateNonce(v.listings.NonceSize())
	if err != nil {
		return nil, err
	}
	ciphertext, err := v.listings.Encrypt(nonce, data, listingAAD(id))
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

func (v *vault) openListing(id NodeID, raw []byte) (*listing, error) {
	ns := v.listings.NonceSize()
	if len(raw) < ns+v.listings.Overhead() {
		return nil, &CorruptionError{Name: v.listingName(id), Message: "listing too short"}
	}
	data, err := v.listings.Decrypt(raw[:ns], raw[ns:], listingAAD(id))
	if err != nil {
		return nil, &AuthenticationError{Path: v.listingName(id), Chunk: -1}
	}

	var l listing
	if err := dm.Unmarshal(data, &l); err != nil {
		return nil, &CorruptionError{Name: v.listingName(id), Message: err.Error(), Err: err}
	}
	if !sort.SliceIsSorted(l.Entries, func(i, j int) bool { return l.Entries[i].Name < l.Entries[j].Name }) {
		return nil, &CorruptionError{Name: v.listingName(id), Message: "listing entries out of order"}
	}
	return &l, nil
}

// readListingRaw returns the stored listing bytes or nil if there is none
func (v *vault) readListingRaw(ctx context.Context, id NodeID) ([]byte, error) {
	name := v.listingName(id)
	raw, err := v.be.ReadFile(ctx, name)
	if errors.Is(err, backend.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, NewIOError("read", name, err)
	}
	return raw, nil
}

// loadListing returns errNoListing for a directory without a listing,
// except for the root, which reads as empty until its first write.
func (v *vault) loadListing(ctx context.Context, id NodeID) (*listing, []byte, error) {
	raw, err := v.readListingRaw(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if raw == nil {
		if id == v.rootID {
			return &listing{}, nil, nil
		}
		return nil, nil, errNoListing
	}
	l, err := v.openListing(id, raw)
	if err != nil {
		return nil, nil, err
	}
	return l, raw, nil
}

// readListing loads a directory that some entry references. A missing
// listing there is corruption.
func (v *vault) readListing(ctx context.Context, id NodeID) (*listing, []byte, error) {
	l, raw, err := v.loadListing(ctx, id)
	if errors.Is(err, errNoListing) {
		return nil, nil, &CorruptionError{Name: v.listingName(id), Message: err.Error()}
	}
	return l, raw, err
}

// readListingForUpdate loads a directory about to change. Its listing is
// only missing if a concurrent Delete removed the directory after the
// caller resolved it.
func (v *vault) readListingForUpdate(ctx context.Context, id NodeID) (*listing, []byte, error) {
	l, raw, err := v.loadListing(ctx, id)
	if errors.Is(err, errNoListing) {
		return nil, nil, fmt.Errorf("%w: directory was removed", ErrParentNotFound)
	}
	return l, raw, err
}

func (v *vault) writeListing(ctx context.Context, id NodeID, l *listing) error {
	raw, err := v.sealListing(id, l)
	if err != nil {
		return NewEncryptionError("seal listing", id.String(), err)
	}
	name := v.listingName(id)
	if err := v.be.WriteFile(ctx, name, raw); err != nil {
		return NewIOError("write", name, err)
	}
	return nil
}

// modifyListing does one read-modify-write of a listing. The caller holds
// the listing lock. The stored bytes are compared again right before the
// write, and errListingChanged is returned if another writer got there
// first.
func (v *vault) modifyListing(ctx context.Context, id NodeID, fn func(*listing) error) error {
	l, raw, err := v.readListingForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(l); err != nil {
		return err
	}
	l.Revision++

	sealed, err := v.sealListing(id, l)
	if err != nil {
		return NewEncryptionError("seal listing", id.String(), err)
	}

	current, err := v.readListingRaw(ctx, id)
	if err != nil {
		return err
	}
	if !bytes.Equal(current, raw) {
		return errListingChanged
	}

	name := v.listingName(id)
	if err := v.be.WriteFile(ctx, name, sealed); err != nil {
		return NewIOError("write", name, err)
	}
	return nil
}

// retryListing runs op until it stops reporting errListingChanged, up to
// Config.ListingRetries attempts
func (v *vault) retryListing(ctx context.Context, op func() error) error {
	for attempt := 1; attempt <= v.cfg.ListingRetries; attempt++ {
		err := op()
		if !errors.Is(err, errListingChanged) {
			return err
		}
		v.log.Warn().Int("attempt", attempt).Msg("listing changed concurrently, retrying")
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("listing update gave up after %d attempts: %w", v.cfg.ListingRetries, ErrConflict)
}

// updateListing locks a listing and applies fn with compare-and-swap
func (v *vault) updateListing(ctx context.Context, id NodeID, fn func(*listing) error) error {
	return v.retryListing(ctx, func() error {
		unlock, err := v.locker.Lock(ctx, listingLockKey(id))
		if err != nil {
			return err
		}
		defer unlock()
		return v.modifyListing(ctx, id, fn)
	})
}

func listingLockKey(id NodeID) string {
	return "listing/" + id.String()
}
