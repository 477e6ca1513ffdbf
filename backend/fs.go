package backend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

// tempMarker tags in-progress writes so List can skip them
const tempMarker = ".tmp-"

// file is the subset of absfs.File and *os.File the FS backend needs
type file interface {
	io.Reader
	io.Writer
	io.ReaderAt
	io.Closer
	Sync() error
	Readdirnames(n int) ([]string, error)
}

// fileOps abstracts the filesystem an FS backend stores entries in
type fileOps interface {
	OpenFile(name string, flag int, perm os.FileMode) (file, error)
	Stat(name string) (os.FileInfo, error)
	MkdirAll(name string, perm os.FileMode) error
	Rename(oldName, newName string) error
	Remove(name string) error
	RemoveAll(name string) error
}

// linker is implemented by filesystems with hard links. Link fails when
// newName exists, which publishes a complete entry in one step.
type linker interface {
	Link(oldName, newName string) error
}

// FS stores entries as files below a root directory. Writes go to a
// temporary file first and are renamed into place.
type FS struct {
	ops fileOps

	// createMu serializes CreateExclusive within the process so a
	// filesystem without O_EXCL support still rejects duplicates.
	createMu sync.Mutex
}

// NewFS creates a backend rooted at root inside an absfs filesystem
func NewFS(fsys absfs.FileSystem, root string) (*FS, error) {
	ops := &absfsOps{fs: fsys, root: path.Clean("/" + root)}
	if err := fsys.MkdirAll(ops.root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backend root: %w", err)
	}
	return &FS{ops: ops}, nil
}

// NewMemory creates a backend on a fresh in-memory filesystem
func NewMemory() (*FS, error) {
	fsys, err := memfs.NewFS()
	if err != nil {
		return nil, fmt.Errorf("failed to create memfs: %w", err)
	}
	return NewFS(fsys, "/vault")
}

// NewDisk creates a backend rooted at a directory on the local disk
func NewDisk(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backend root: %w", err)
	}
	return &FS{ops: &osOps{root: root}}, nil
}

func (b *FS) ReadAt(ctx context.Context, name string, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := b.ops.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return 0, mapErr(err)
	}
	defer f.Close()

	n, err := f.ReadAt(p, off)
	if n < len(p) && err == nil {
		err = io.EOF
	}
	return n, err
}

func (b *FS) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := b.ops.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, mapErr(err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (b *FS) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := b.writeTemp(name, data)
	if err != nil {
		return err
	}
	if err := b.replace(tmp, name); err != nil {
		b.ops.Remove(tmp)
		return err
	}
	return nil
}

func (b *FS) CreateExclusive(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.createMu.Lock()
	defer b.createMu.Unlock()

	if fi, err := b.ops.Stat(name); err == nil {
		if fi.Size() > 0 {
			return ErrExist
		}
		// an empty entry is a claim whose writer died before publishing
		if err := b.ops.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to clear stale claim on %s: %w", name, err)
		}
	}

	tmp, err := b.writeTemp(name, data)
	if err != nil {
		return err
	}
	defer b.ops.Remove(tmp)

	if l, ok := b.ops.(linker); ok {
		err := l.Link(tmp, name)
		if err == nil {
			return nil
		}
		if errors.Is(err, fs.ErrExist) {
			return ErrExist
		}
		// no hard links on this volume; fall through to claim and replace
	}

	// Claim the name first so another process racing on the same
	// filesystem loses, then move the complete contents over the claim.
	claim, err := b.ops.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExist
		}
		return fmt.Errorf("failed to claim %s: %w", name, err)
	}
	claim.Close()

	// A crash before the rename leaves an empty entry behind, which the
	// next CreateExclusive clears.
	return b.replace(tmp, name)
}

func (b *FS) Rename(ctx context.Context, oldName, newName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.ops.Stat(oldName); err != nil {
		return mapErr(err)
	}
	if err := b.ops.MkdirAll(path.Dir(newName), 0o700); err != nil {
		return err
	}
	return b.replace(oldName, newName)
}

func (b *FS) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(b.ops.Remove(name))
}

func (b *FS) RemoveAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.ops.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FS) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := b.ops.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil && err != io.EOF {
		return nil, err
	}

	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "." || n == ".." || strings.Contains(n, tempMarker) {
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// writeTemp writes data next to name and returns the temp entry name
func (b *FS) writeTemp(name string, data []byte) (string, error) {
	if err := b.ops.MkdirAll(path.Dir(name), 0o700); err != nil {
		return "", fmt.Errorf("failed to create parent of %s: %w", name, err)
	}

	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", err
	}
	tmp := name + tempMarker + hex.EncodeToString(suffix[:])

	f, err := b.ops.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		b.ops.Remove(tmp)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		b.ops.Remove(tmp)
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		b.ops.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// replace renames src over dst. Filesystems that refuse to rename onto an
// existing file get the destination removed first.
func (b *FS) replace(src, dst string) error {
	err := b.ops.Rename(src, dst)
	if err == nil {
		return nil
	}
	if _, statErr := b.ops.Stat(dst); statErr != nil {
		return err
	}
	if rmErr := b.ops.Remove(dst); rmErr != nil {
		return err
	}
	return b.ops.Rename(src, dst)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotExist, err)
	}
	return err
}

// absfsOps maps entry names into an absfs filesystem
type absfsOps struct {
	fs   absfs.FileSystem
	root string
}

func (o *absfsOps) path(name string) string {
	return path.Join(o.root, name)
}

func (o *absfsOps) OpenFile(name string, flag int, perm os.FileMode) (file, error) {
	return o.fs.OpenFile(o.path(name), flag, perm)
}

func (o *absfsOps) Stat(name string) (os.FileInfo, error) { return o.fs.Stat(o.path(name)) }

func (o *absfsOps) MkdirAll(name string, perm os.FileMode) error {
	return o.fs.MkdirAll(o.path(name), perm)
}

func (o *absfsOps) Rename(oldName, newName string) error {
	return o.fs.Rename(o.path(oldName), o.path(newName))
}

func (o *absfsOps) Remove(name string) error    { return o.fs.Remove(o.path(name)) }
func (o *absfsOps) RemoveAll(name string) error { return o.fs.RemoveAll(o.path(name)) }

// osOps maps entry names onto the local disk
type osOps struct {
	root string
}

func (o *osOps) path(name string) string {
	return filepath.Join(o.root, filepath.FromSlash(name))
}

func (o *osOps) OpenFile(name string, flag int, perm os.FileMode) (file, error) {
	return os.OpenFile(o.path(name), flag, perm)
}

func (o *osOps) Stat(name string) (os.FileInfo, error) { return os.Stat(o.path(name)) }

func (o *osOps) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(o.path(name), perm)
}

func (o *osOps) Rename(oldName, newName string) error {
	return os.Rename(o.path(oldName), o.path(newName))
}

func (o *osOps) Link(oldName, newName string) error {
	return os.Link(o.path(oldName), o.path(newName))
}

func (o *osOps) Remove(name string) error    { return os.Remove(o.path(name)) }
func (o *osOps) RemoveAll(name string) error { return os.RemoveAll(o.path(name)) }
