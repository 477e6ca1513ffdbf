package vaultfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/absfs/vaultfs/backend"
)

// VaultFS is a mounted vault. All methods are safe for concurrent use.
type VaultFS struct {
	v      *vault
	key    *KeyMaterial
	header *VaultHeader

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// FileInfo describes a vault path
type FileInfo struct {
	Path string
	Name string
	Kind NodeKind
	ID   NodeID
	Size int64 // plaintext length for files, entry count for directories
}

// IsDir reports whether the path is a directory
func (fi FileInfo) IsDir() bool { return fi.Kind == KindDir }

// ChunkInfo describes the stored state of one chunk
type ChunkInfo struct {
	Index   uint64
	Counter uint32
	Nonce   []byte
	Size    int // stored entry size in bytes
}

// Mount opens the vault stored on be. The loader is called once; the key
// it returns is owned by the VaultFS and disposed on Close.
func Mount(ctx context.Context, be backend.Backend, loader MasterKeyLoader, cfg *Config) (*VaultFS, error) {
	if be == nil {
		return nil, ErrNilBackend
	}
	if loader == nil {
		return nil, ErrNilLoader
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	key, err := loader.LoadMasterKey(ctx, cfg.VaultID)
	if err != nil {
		return nil, fmt.Errorf("failed to load master key: %w: %w", ErrKeyUnavailable, err)
	}
	if key == nil {
		return nil, fmt.Errorf("loader returned no key: %w", ErrKeyUnavailable)
	}

	h, err := OpenHeader(ctx, be, key)
	if err != nil {
		key.Dispose()
		return nil, err
	}

	v, err := newVault(be, key, h, cfg)
	if err != nil {
		key.Dispose()
		return nil, err
	}

	v.log.Debug().
		Str("vault", cfg.VaultID).
		Str("scheme", h.Scheme).
		Uint32("chunk_size", h.ChunkSize).
		Msg("vault mounted")

	return &VaultFS{v: v, key: key, header: h}, nil
}

// Close waits for in-flight operations, then releases derived keys and
// disposes the master key. Handles still open become unusable.
func (fs *VaultFS) Close() error {
	return fs.CloseContext(context.Background())
}

// CloseContext is Close with a bound on the wait. When ctx expires the
// key is still disposed once the last operation finishes.
func (fs *VaultFS) CloseContext(ctx context.Context) error {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil
	}
	fs.closed = true
	fs.mu.Unlock()

	done := make(chan struct{})
	go func() {
		fs.inflight.Wait()
		fs.v.release()
		fs.key.Dispose()
		close(done)
	}()

	select {
	case <-done:
		fs.v.log.Debug().Msg("vault closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enter registers an in-flight operation
func (fs *VaultFS) enter() (func(), error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		return nil, fmt.Errorf("vault closed: %w", ErrKeyUnavailable)
	}
	fs.inflight.Add(1)
	return fs.inflight.Done, nil
}

// Header returns a copy of the vault header
func (fs *VaultFS) Header() VaultHeader {
	return *fs.header
}

// ChunkSize returns the plaintext chunk size of the vault
func (fs *VaultFS) ChunkSize() int {
	return fs.v.chunkSize
}

// Create creates an empty file or directory
func (fs *VaultFS) Create(ctx context.Context, path string, kind NodeKind) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()

	if _, err := fs.create(ctx, path, kind); err != nil {
		return newPathError("create", path, err)
	}
	return nil
}

func (fs *VaultFS) create(ctx context.Context, path string, kind NodeKind) (NodeID, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return NodeID{}, err
	}
	if len(parts) == 0 {
		return NodeID{}, ErrAlreadyExists
	}
	parent, err := fs.v.resolveParent(ctx, parts)
	if err != nil {
		return NodeID{}, err
	}
	return fs.v.createChild(ctx, parent.ID, parts[len(parts)-1], kind)
}

// MkdirAll creates a directory and any missing parents
func (fs *VaultFS) MkdirAll(ctx context.Context, path string) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()

	parts, err := SplitPath(path)
	if err != nil {
		return newPathError("mkdir", path, err)
	}

	cur := fs.v.rootRef()
	for i, name := range parts {
		l, _, err := fs.v.readListing(ctx, cur.ID)
		if err != nil {
			return newPathError("mkdir", path, err)
		}
		e, ok := l.lookup(name)
		if !ok {
			id, err := fs.v.createChild(ctx, cur.ID, name, KindDir)
			if errors.Is(err, ErrAlreadyExists) {
				// lost a race; resolve what the winner created
				ref, rerr := fs.v.resolve(ctx, parts[:i+1])
				if rerr != nil {
					return newPathError("mkdir", path, rerr)
				}
				e = Entry{Name: name, Kind: ref.Kind, ID: ref.ID}
			} else if err != nil {
				return newPathError("mkdir", path, err)
			} else {
				e = Entry{Name: name, Kind: KindDir, ID: id}
			}
		}
		if e.Kind != KindDir {
			return newPathError("mkdir", JoinPath(parts[:i+1]...), ErrNotADirectory)
		}
		cur = nodeRef{ID: e.ID, Kind: KindDir, Parent: cur.ID, Name: name}
	}
	return nil
}

func (fs *VaultFS) resolveFile(ctx context.Context, op, path string) (nodeRef, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return nodeRef{}, newPathError(op, path, err)
	}
	ref, err := fs.v.resolve(ctx, parts)
	if err != nil {
		return nodeRef{}, newPathError(op, path, err)
	}
	if ref.Kind == KindDir {
		return nodeRef{}, newPathError(op, path, ErrIsADirectory)
	}
	return ref, nil
}

// OpenRead opens a file for reading
func (fs *VaultFS) OpenRead(ctx context.Context, path string) (*Handle, error) {
	return fs.open(ctx, path, ModeRead)
}

// OpenWrite opens an existing file for writing
func (fs *VaultFS) OpenWrite(ctx context.Context, path string) (*Handle, error) {
	return fs.open(ctx, path, ModeWrite)
}

func (fs *VaultFS) open(ctx context.Context, path string, mode HandleMode) (*Handle, error) {
	done, err := fs.enter()
	if err != nil {
		return nil, err
	}
	defer done()

	ref, err := fs.resolveFile(ctx, "open", path)
	if err != nil {
		return nil, err
	}
	h, err := newHandle(ctx, fs, JoinPath(mustSplit(path)...), ref.ID, mode)
	if err != nil {
		return nil, newPathError("open", path, err)
	}
	return h, nil
}

// Delete removes a file or directory. A non-empty directory needs
// recursive; its subtree is removed depth first and a failure part way
// leaves the remaining entries in place.
func (fs *VaultFS) Delete(ctx context.Context, path string, recursive bool) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()

	parts, err := SplitPath(path)
	if err != nil {
		return newPathError("delete", path, err)
	}
	if len(parts) == 0 {
		return newPathError("delete", path, fmt.Errorf("%w: cannot delete the root", ErrInvalidPath))
	}
	ref, err := fs.v.resolve(ctx, parts)
	if err != nil {
		return newPathError("delete", path, err)
	}

	if recursive && ref.Kind == KindDir {
		err = fs.deleteTree(ctx, ref)
	} else {
		_, err = fs.v.removeChild(ctx, ref.Parent, ref.Name)
	}
	if err != nil {
		return newPathError("delete", path, err)
	}
	return nil
}

func (fs *VaultFS) deleteTree(ctx context.Context, ref nodeRef) error {
	if ref.Kind == KindDir {
		children, err := fs.v.listChildren(ctx, ref.ID)
		if err != nil {
			return err
		}
		for _, c := range children {
			child := nodeRef{ID: c.ID, Kind: c.Kind, Parent: ref.ID, Name: c.Name}
			if err := fs.deleteTree(ctx, child); err != nil {
				return err
			}
		}
	}
	_, err := fs.v.removeChild(ctx, ref.Parent, ref.Name)
	return err
}

// List returns the entries of a directory sorted by name
func (fs *VaultFS) List(ctx context.Context, path string) ([]Entry, error) {
	done, err := fs.enter()
	if err != nil {
		return nil, err
	}
	defer done()

	parts, err := SplitPath(path)
	if err != nil {
		return nil, newPathError("list", path, err)
	}
	ref, err := fs.v.resolve(ctx, parts)
	if err != nil {
		return nil, newPathError("list", path, err)
	}
	if ref.Kind != KindDir {
		return nil, newPathError("list", path, ErrNotADirectory)
	}
	entries, err := fs.v.listChildren(ctx, ref.ID)
	if err != nil {
		return nil, newPathError("list", path, err)
	}
	return entries, nil
}

// Stat describes a path
func (fs *VaultFS) Stat(ctx context.Context, path string) (FileInfo, error) {
	done, err := fs.enter()
	if err != nil {
		return FileInfo{}, err
	}
	defer done()

	parts, err := SplitPath(path)
	if err != nil {
		return FileInfo{}, newPathError("stat", path, err)
	}
	ref, err := fs.v.resolve(ctx, parts)
	if err != nil {
		return FileInfo{}, newPathError("stat", path, err)
	}

	fi := FileInfo{Path: JoinPath(parts...), Name: ref.Name, Kind: ref.Kind, ID: ref.ID}
	if len(parts) == 0 {
		fi.Name = "/"
	}
	switch ref.Kind {
	case KindFile:
		h, err := fs.v.readFileHeader(ctx, ref.ID)
		if err != nil {
			return FileInfo{}, newPathError("stat", path, fs.authErr(path, -1, err))
		}
		fi.Size = int64(h.Length)
	case KindDir:
		entries, err := fs.v.listChildren(ctx, ref.ID)
		if err != nil {
			return FileInfo{}, newPathError("stat", path, err)
		}
		fi.Size = int64(len(entries))
	}
	return fi, nil
}

// Rename moves src to dst. dst must not exist, and a directory cannot be
// moved into its own subtree.
func (fs *VaultFS) Rename(ctx context.Context, src, dst string) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()

	srcParts, err := SplitPath(src)
	if err != nil {
		return newPathError("rename", src, err)
	}
	dstParts, err := SplitPath(dst)
	if err != nil {
		return newPathError("rename", dst, err)
	}
	if len(srcParts) == 0 || len(dstParts) == 0 {
		return newPathError("rename", src, fmt.Errorf("%w: cannot rename the root", ErrInvalidPath))
	}
	if len(dstParts) > len(srcParts) && isWithin(srcParts, dstParts) {
		return newPathError("rename", dst, fmt.Errorf("%w: destination inside source", ErrInvalidPath))
	}

	// resolved here only to attribute a missing parent to the right path
	if _, err := fs.v.resolveParent(ctx, srcParts); err != nil {
		return newPathError("rename", src, err)
	}
	if _, err := fs.v.resolveParent(ctx, dstParts); err != nil {
		return newPathError("rename", dst, err)
	}

	if err := fs.v.rename(ctx, srcParts, dstParts); err != nil {
		return newPathError("rename", src, err)
	}
	return nil
}

// ReadFile returns the whole plaintext of a file
func (fs *VaultFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	h, err := fs.OpenRead(ctx, path)
	if err != nil {
		return nil, err
	}
	defer h.Close(ctx)

	data, err := h.Read(ctx, 0, int(h.Size()))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return data, nil
}

// WriteFile creates path if needed and replaces its contents with data
func (fs *VaultFS) WriteFile(ctx context.Context, path string, data []byte) error {
	err := fs.Create(ctx, path, KindFile)
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		return err
	}

	h, err := fs.OpenWrite(ctx, path)
	if err != nil {
		return err
	}
	if err := h.Truncate(ctx, 0); err != nil {
		h.Close(ctx)
		return err
	}
	if len(data) > 0 {
		if _, err := h.WriteAt(ctx, data, 0); err != nil {
			h.Close(ctx)
			return err
		}
	}
	return h.Close(ctx)
}

// ChunkInfo reports the stored counter and nonce of one chunk
func (fs *VaultFS) ChunkInfo(ctx context.Context, path string, index uint64) (ChunkInfo, error) {
	done, err := fs.enter()
	if err != nil {
		return ChunkInfo{}, err
	}
	defer done()

	ref, err := fs.resolveFile(ctx, "chunkinfo", path)
	if err != nil {
		return ChunkInfo{}, err
	}

	name := fs.v.chunkName(ref.ID, index)
	raw, err := fs.v.be.ReadFile(ctx, name)
	if errors.Is(err, backend.ErrNotExist) {
		return ChunkInfo{}, newPathError("chunkinfo", path, ErrNotFound)
	}
	if err != nil {
		return ChunkInfo{}, newPathError("chunkinfo", path, NewIOError("read", name, err))
	}

	var hdr chunkEntryHeader
	if _, err := hdr.ReadFrom(bytes.NewReader(raw)); err != nil {
		return ChunkInfo{}, newPathError("chunkinfo", path, &CorruptionError{Name: name, Message: err.Error()})
	}
	return ChunkInfo{Index: index, Counter: hdr.Counter, Nonce: hdr.Nonce, Size: len(raw)}, nil
}

// authErr attaches path and chunk to a bare authentication failure
func (fs *VaultFS) authErr(path string, chunk int64, err error) error {
	if errors.Is(err, ErrAuthFailed) && !IsAuthenticationError(err) {
		return &AuthenticationError{Path: path, Chunk: chunk}
	}
	return err
}

func mustSplit(path string) []string {
	parts, _ := SplitPath(path)
	return parts
}
