package vaultfs

import (
	"context"
	"io"
)

// Stream binds a Handle to a context and a current position so it can be
// used with io.Copy and the other io helpers
type Stream struct {
	ctx context.Context
	h   *Handle
	off int64
}

var (
	_ io.ReadWriteSeeker = (*Stream)(nil)
	_ io.Closer          = (*Stream)(nil)
)

// NewStream returns a Stream positioned at offset 0 of h
func NewStream(ctx context.Context, h *Handle) *Stream {
	return &Stream{ctx: ctx, h: h}
}

// Handle returns the underlying handle
func (s *Stream) Handle() *Handle { return s.h }

// Read reads from the current position
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.h.ReadAt(s.ctx, p, s.off)
	s.off += int64(n)
	if err == io.EOF && n > 0 {
		// report EOF on the next call so callers see the data first
		err = nil
	}
	return n, err
}

// Write writes at the current position
func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.h.WriteAt(s.ctx, p, s.off)
	s.off += int64(n)
	return n, err
}

// WriteString writes the contents of str at the current position
func (s *Stream) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// Seek sets the offset for the next Read or Write. Seeking past the end is
// allowed; a later Write zero-fills the gap.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = s.off + offset
	case io.SeekEnd:
		next = s.h.Size() + offset
	default:
		return s.off, NewValidationError("whence", whence, "invalid whence")
	}
	if next < 0 {
		return s.off, NewValidationError("offset", next, "negative position")
	}
	s.off = next
	return next, nil
}

// Close closes the underlying handle, flushing pending writes
func (s *Stream) Close() error {
	return s.h.Close(s.ctx)
}
