package vaultfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/absfs/vaultfs/backend"
	"github.com/awnumar/memguard"
)

// HandleMode selects what a Handle may do
type HandleMode uint8

const (
	// ModeRead handles decrypt chunks on demand
	ModeRead HandleMode = iota + 1
	// ModeWrite handles buffer modified chunks and flush them
	ModeWrite
)

func (m HandleMode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Handle is an open file. Read handles see the file as of open time.
// Write handles buffer at most Config.MaxDirtyChunks modified chunks; a
// flush writes chunks first and the file header last, so the stored length
// never covers a chunk that was not written.
type Handle struct {
	fs   *VaultFS
	v    *vault
	path string
	id   NodeID
	mode HandleMode

	mu        sync.Mutex
	closed    atomic.Bool
	header    *FileHeader // last committed header
	cipher    *fileCipher
	size      int64 // logical length including dirty data
	dirty     map[uint64][]byte
	peakDirty int
	cache     *chunkCache
}

func newHandle(ctx context.Context, fs *VaultFS, path string, id NodeID, mode HandleMode) (*Handle, error) {
	v := fs.v
	hdr, err := v.readFileHeader(ctx, id)
	if err != nil {
		return nil, fs.authErr(path, -1, err)
	}
	fc, err := v.newFileCipher(id, hdr)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		fs:     fs,
		v:      v,
		path:   path,
		id:     id,
		mode:   mode,
		header: hdr,
		cipher: fc,
		size:   int64(hdr.Length),
		dirty:  make(map[uint64][]byte),
		cache:  newChunkCache(v.cfg.CacheChunks),
	}
	return h, nil
}

// Path returns the vault path the handle was opened with
func (h *Handle) Path() string { return h.path }

// Mode returns the handle mode
func (h *Handle) Mode() HandleMode { return h.mode }

// Size returns the plaintext length, including unflushed writes
func (h *Handle) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

func (h *Handle) begin(mode HandleMode) (func(), error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}
	if h.mode != mode {
		return nil, fmt.Errorf("%w: %s handle", ErrBadHandleMode, h.mode)
	}
	return h.fs.enter()
}

// ReadAt reads len(p) bytes at off. Like io.ReaderAt it returns io.EOF
// when fewer bytes are available. Only chunks overlapping the range are
// fetched and decrypted.
func (h *Handle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ValidateReadWrite(p, off); err != nil {
		return 0, err
	}
	done, err := h.begin(ModeRead)
	if err != nil {
		return 0, err
	}
	defer done()

	size := int64(h.header.Length)
	if off >= size {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	if end > size {
		end = size
	}

	cs := int64(h.v.chunkSize)
	n := 0
	for pos := off; pos < end; {
		idx := uint64(pos / cs)
		chunk, err := h.readVerified(ctx, idx, true)
		if err != nil {
			return n, err
		}
		c := copy(p[n:end-off], chunk[pos%cs:])
		n += c
		pos += int64(c)
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Read returns up to n bytes starting at off. io.EOF is returned only
// when off is at or past the end of the file.
func (h *Handle) Read(ctx context.Context, off int64, n int) ([]byte, error) {
	if n < 0 {
		return nil, NewValidationError("n", n, "cannot be negative")
	}
	buf := make([]byte, n)
	k, err := h.ReadAt(ctx, buf, off)
	if errors.Is(err, io.EOF) && (k > 0 || n == 0) {
		err = nil
	}
	return buf[:k], err
}

// readVerified decrypts chunk idx and returns exactly the bytes the
// committed length assigns to it. A missing or short chunk means the
// stored data was truncated and fails authentication.
func (h *Handle) readVerified(ctx context.Context, idx uint64, useCache bool) ([]byte, error) {
	if useCache {
		if data, ok := h.cache.Get(idx); ok {
			return data, nil
		}
	}

	span := chunkSpan(int64(h.header.Length), h.v.chunkSize, idx)
	if span == 0 {
		return nil, nil
	}

	pt, _, ok, err := h.v.readChunk(ctx, h.cipher, idx)
	if err != nil {
		return nil, h.fs.authErr(h.path, int64(idx), err)
	}
	if !ok || len(pt) < span {
		return nil, &AuthenticationError{Path: h.path, Chunk: int64(idx)}
	}
	pt = pt[:span]

	if useCache {
		h.cache.Put(idx, pt)
	}
	return pt, nil
}

// WriteAt writes p at off. Writing past the end zero-fills the gap.
func (h *Handle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ValidateReadWrite(p, off); err != nil {
		return 0, err
	}
	done, err := h.begin(ModeWrite)
	if err != nil {
		return 0, err
	}
	defer done()

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeAtLocked(ctx, p, off)
}

// Append writes p at the end of the file
func (h *Handle) Append(ctx context.Context, p []byte) (int, error) {
	if p == nil {
		return 0, ErrNilBuffer
	}
	done, err := h.begin(ModeWrite)
	if err != nil {
		return 0, err
	}
	defer done()

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeAtLocked(ctx, p, h.size)
}

func (h *Handle) writeAtLocked(ctx context.Context, p []byte, off int64) (int, error) {
	if off > h.size {
		if err := h.zeroFill(ctx, h.size, off); err != nil {
			return 0, err
		}
	}
	if err := h.writeRange(ctx, p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// zeroFill writes zeros over [from, to) one chunk at a time
func (h *Handle) zeroFill(ctx context.Context, from, to int64) error {
	cs := int64(h.v.chunkSize)
	zero := make([]byte, cs)
	for pos := from; pos < to; {
		c := cs - pos%cs
		if rest := to - pos; rest < c {
			c = rest
		}
		if err := h.writeRange(ctx, zero[:c], pos); err != nil {
			return err
		}
		pos += c
	}
	return nil
}

func (h *Handle) writeRange(ctx context.Context, p []byte, off int64) error {
	cs := h.v.chunkSize
	for n := 0; n < len(p); {
		pos := off + int64(n)
		idx := uint64(pos / int64(cs))
		intra := int(pos % int64(cs))

		buf, err := h.dirtyChunk(ctx, idx)
		if err != nil {
			return err
		}

		c := cs - intra
		if rest := len(p) - n; rest < c {
			c = rest
		}
		if need := intra + c; len(buf) < need {
			buf = buf[:need] // cap is always cs and new bytes are zero
		}
		copy(buf[intra:], p[n:n+c])
		h.dirty[idx] = buf

		n += c
		if end := pos + int64(c); end > h.size {
			h.size = end
		}
	}
	return nil
}

// dirtyChunk returns the writable buffer of chunk idx, loading committed
// bytes on first touch. Bytes past the committed length are never loaded,
// so stale data left by a shrinking truncate cannot reappear.
func (h *Handle) dirtyChunk(ctx context.Context, idx uint64) ([]byte, error) {
	if buf, ok := h.dirty[idx]; ok {
		return buf, nil
	}
	if len(h.dirty) >= h.v.cfg.MaxDirtyChunks {
		if err := h.flushLocked(ctx); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, 0, h.v.chunkSize)
	committed, err := h.readVerified(ctx, idx, false)
	if err != nil {
		return nil, err
	}
	buf = append(buf, committed...)
	memguard.WipeBytes(committed)

	h.dirty[idx] = buf
	if len(h.dirty) > h.peakDirty {
		h.peakDirty = len(h.dirty)
	}
	return buf, nil
}

// Flush writes buffered chunks and then the header
func (h *Handle) Flush(ctx context.Context) error {
	done, err := h.begin(ModeWrite)
	if err != nil {
		return err
	}
	defer done()

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked(ctx)
}

func (h *Handle) flushLocked(ctx context.Context) error {
	if len(h.dirty) == 0 && uint64(h.size) == h.header.Length {
		return nil
	}

	indices := make([]uint64, 0, len(h.dirty))
	for idx := range h.dirty {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	err := runChunkJobs(ctx, *h.v.cfg.Parallel, indices, func(ctx context.Context, idx uint64) error {
		return h.v.writeChunk(ctx, h.cipher, idx, h.dirty[idx])
	})
	if err != nil {
		return err
	}
	// A cancelled flush must not publish a length its chunks may not back
	if err := ctx.Err(); err != nil {
		return err
	}

	if uint64(h.size) != h.header.Length {
		next := *h.header
		next.Length = uint64(h.size)
		if err := h.v.writeFileHeader(ctx, h.id, &next); err != nil {
			return err
		}
		h.header = &next
	}

	for idx, buf := range h.dirty {
		memguard.WipeBytes(buf)
		delete(h.dirty, idx)
		h.cache.Invalidate(idx)
	}

	h.v.log.Debug().Int("chunks", len(indices)).Int64("size", h.size).Msg("handle flushed")
	return nil
}

// Truncate changes the file length. Growing zero-fills. Shrinking keeps
// stored chunk entries so their write counters survive; truncating to
// zero instead rotates the nonce seed and removes every chunk.
func (h *Handle) Truncate(ctx context.Context, size int64) error {
	if size < 0 {
		return ErrNegativeOffset
	}
	done, err := h.begin(ModeWrite)
	if err != nil {
		return err
	}
	defer done()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case size == h.size:
		return nil
	case size > h.size:
		return h.zeroFill(ctx, h.size, size)
	case size == 0:
		return h.truncateToZero(ctx)
	}

	cs := int64(h.v.chunkSize)
	for idx, buf := range h.dirty {
		start := int64(idx) * cs
		switch {
		case start >= size:
			memguard.WipeBytes(buf)
			delete(h.dirty, idx)
		case start+int64(len(buf)) > size:
			// writeRange relies on the bytes past len being zero
			clear(buf[size-start:])
			h.dirty[idx] = buf[:size-start]
		}
	}
	h.size = size
	h.cache.Reset()
	return h.flushLocked(ctx)
}

func (h *Handle) truncateToZero(ctx context.Context) error {
	for idx, buf := range h.dirty {
		memguard.WipeBytes(buf)
		delete(h.dirty, idx)
	}
	h.cache.Reset()

	next := *h.header
	if err := next.rotateSeed(); err != nil {
		return err
	}
	next.Length = 0
	fc, err := h.v.newFileCipher(h.id, &next)
	if err != nil {
		return err
	}
	if err := h.v.writeFileHeader(ctx, h.id, &next); err != nil {
		return err
	}
	h.header = &next
	h.cipher = fc
	h.size = 0

	return h.v.removeChunks(ctx, h.id)
}

// Close flushes a write handle. If the flush fails the handle stays open
// so the caller can retry.
func (h *Handle) Close(ctx context.Context) error {
	if h.closed.Load() {
		return ErrHandleClosed
	}

	if h.mode == ModeWrite {
		if err := h.Flush(ctx); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed.CompareAndSwap(false, true) {
		return ErrHandleClosed
	}
	h.cache.Reset()
	return nil
}

// removeChunks deletes every chunk entry of a file node
func (v *vault) removeChunks(ctx context.Context, id NodeID) error {
	loc := v.location(id)
	names, err := v.be.List(ctx, loc)
	if err != nil {
		return NewIOError("list", loc, err)
	}
	for _, name := range names {
		if !strings.HasSuffix(name, chunkEntrySuffix) {
			continue
		}
		full := loc + "/" + name
		if err := v.be.Remove(ctx, full); err != nil && !errors.Is(err, backend.ErrNotExist) {
			return NewIOError("remove", full, err)
		}
	}
	return nil
}
