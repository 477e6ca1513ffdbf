// Package backend defines the storage interface a vault persists into and
// the filesystem-backed implementations of it.
//
// Entry names are '/'-separated and relative to the vault root. Backends
// treat entries as opaque byte strings; every byte they hold is ciphertext
// or public metadata.
package backend

import (
	"context"
	"errors"
)

var (
	// ErrNotExist is returned when an entry does not exist
	ErrNotExist = errors.New("backend: entry does not exist")

	// ErrExist is returned by CreateExclusive when the entry already exists
	ErrExist = errors.New("backend: entry already exists")
)

// Backend is byte-addressable storage for opaque entries
type Backend interface {
	// ReadAt reads len(p) bytes of an entry starting at off. Like
	// io.ReaderAt it returns io.EOF when fewer bytes are available.
	ReadAt(ctx context.Context, name string, p []byte, off int64) (int, error)

	// ReadFile returns the whole entry
	ReadFile(ctx context.Context, name string) ([]byte, error)

	// WriteFile replaces the entry. Readers observe either the old or the
	// new contents, never a mix.
	WriteFile(ctx context.Context, name string, data []byte) error

	// CreateExclusive writes the entry only if it does not exist yet and
	// returns ErrExist otherwise. Exclusive entries are never empty, so a
	// zero-length entry left by an interrupted create counts as absent.
	CreateExclusive(ctx context.Context, name string, data []byte) error

	// Rename atomically moves an entry, replacing any entry at newName
	Rename(ctx context.Context, oldName, newName string) error

	// Remove deletes a single entry
	Remove(ctx context.Context, name string) error

	// RemoveAll deletes dir and every entry below it. Missing dirs are
	// not an error.
	RemoveAll(ctx context.Context, dir string) error

	// List returns the sorted names of the direct children of dir. A
	// missing dir lists as empty.
	List(ctx context.Context, dir string) ([]string, error)
}
