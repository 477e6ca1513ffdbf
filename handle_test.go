package vaultfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func openTestWriter(t *testing.T, vfs *VaultFS, path string) *Handle {
	t.Helper()
	ctx := context.Background()
	if err := vfs.Create(ctx, path, KindFile); err != nil && !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Create(%s) error = %v", path, err)
	}
	h, err := vfs.OpenWrite(ctx, path)
	if err != nil {
		t.Fatalf("OpenWrite(%s) error = %v", path, err)
	}
	return h
}

func TestHandle_ReadAt(t *testing.T) {
	ctx := context.Background()
	vfs := setupTestVault(t, 64)

	data := randomBytes(t, 300)
	if err := vfs.WriteFile(ctx, "/f", data); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	h, err := vfs.OpenRead(ctx, "/f")
	if err != nil {
		t.Fatalf("OpenRead() error = %v", err)
	}
	defer h.Close(ctx)

	tests := []struct {
		name    string
		off     int64
		n       int
		wantN   int
		wantEOF bool
	}{
		{"within chunk", 10, 20, 20, false},
		{"spanning chunks", 60, 10, 10, false},
		{"spanning many", 1, 250, 250, false},
		{"to end", 290, 10, 10, false},
		{"past end", 290, 20, 10, true},
		{"at end", 300, 5, 0, true},
		{"beyond end", 1000, 5, 0, true},
		{"empty", 5, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, tt.n)
			n, err := h.ReadAt(ctx, buf, tt.off)
			if n != tt.wantN {
				t.Errorf("ReadAt() n = %d, want %d", n, tt.wantN)
			}
			if tt.wantEOF != errors.Is(err, io.EOF) {
				t.Errorf("ReadAt() error = %v, wantEOF %v", err, tt.wantEOF)
			}
			if err != nil && !errors.Is(err, io.EOF) {
				t.Fatalf("ReadAt() unexpected error = %v", err)
			}
			if n > 0 && !bytes.Equal(buf[:n], data[tt.off:tt.off+int64(n)]) {
				t.Error("ReadAt() returned wrong bytes")
			}
		})
	}

	if _, err := h.ReadAt(ctx, nil, 0); !errors.Is(err, ErrNilBuffer) {
		t.Errorf("ReadAt(nil) error = %v, want ErrNilBuffer", err)
	}
	if _, err := h.ReadAt(ctx, make([]byte, 1), -1); !errors.Is(err, ErrNegativeOffset) {
		t.Errorf("ReadAt(-1) error = %v, want ErrNegativeOffset", err)
	}
}

func TestHandle_Read(t *testing.T) {
	ctx := context.Background()
	vfs := setupTestVault(t, 64)
	vfs.WriteFile(ctx, "/f", []byte("hello world"))

	h, err := vfs.OpenRead(ctx, "/f")
	if err != nil {
		t.Fatalf("OpenRead() error = %v", err)
	}
	defer h.Close(ctx)

	got, err := h.Read(ctx, 6, 100)
	if err != nil {
		t.Fatalf("Read() short error = %v", err)
	}
	if string(got) != "world" {
		t.Errorf("Read() = %q, want %q", got, "world")
	}
	if _, err := h.Read(ctx, 11, 1); !errors.Is(err, io.EOF) {
		t.Errorf("Read() at end error = %v, want io.EOF", err)
	}
}

func TestHandle_ModesAndClose(t *testing.T) {
	ctx := context.Background()
	vfs := setupTestVault(t, 64)
	vfs.WriteFile(ctx, "/f", []byte("abc"))

	r, _ := vfs.OpenRead(ctx, "/f")
	if _, err := r.WriteAt(ctx, []byte("x"), 0); !errors.Is(err, ErrBadHandleMode) {
		t.Errorf("WriteAt() on read handle error = %v, want ErrBadHandleMode", err)
	}
	if r.Mode() != ModeRead || r.Path() != "/f" {
		t.Errorf("Mode(), Path() = %v, %q", r.Mode(), r.Path())
	}

	w, _ := vfs.OpenWrite(ctx, "/f")
	if _, err := w.ReadAt(ctx, make([]byte, 1), 0); !errors.Is(err, ErrBadHandleMode) {
		t.Errorf("ReadAt() on write handle error = %v, want ErrBadHandleMode", err)
	}

	for _, h := range []*Handle{r, w} {
		if err := h.Close(ctx); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if err := h.Close(ctx); !errors.Is(err, ErrHandleClosed) {
			t.Errorf("second Close() error = %v, want ErrHandleClosed", err)
		}
	}
	if _, err := r.Read(ctx, 0, 1); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("Read() after Close error = %v, want ErrHandleClosed", err)
	}
	if _, err := w.Append(ctx, []byte("x")); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("Append() after Close error = %v, want ErrHandleClosed", err)
	}
	if err := w.Flush(ctx); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("Flush() after Close error = %v, want ErrHandleClosed", err)
	}
}

func TestHandle_AppendAndSparseWrite(t *testing.T) {
	ctx := context.Background()
	vfs := setupTestVault(t, 64)

	h := openTestWriter(t, vfs, "/f")
	h.Append(ctx, []byte("head"))
	h.Append(ctx, []byte("-tail"))
	if _, err := h.WriteAt(ctx, []byte("far"), 200); err != nil {
		t.Fatalf("WriteAt() past end error = %v", err)
	}
	if h.Size() != 203 {
		t.Errorf("Size() = %d, want 203", h.Size())
	}
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := vfs.ReadFile(ctx, "/f")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	want := make([]byte, 203)
	copy(want, "head-tail")
	copy(want[200:], "far")
	if !bytes.Equal(got, want) {
		t.Errorf("ReadFile() = %q, want %q", got, want)
	}
}

func TestHandle_Truncate(t *testing.T) {
	ctx := context.Background()
	vfs := setupTestVault(t, 64)
	data := randomBytes(t, 300)

	t.Run("shrink then grow reads zeros", func(t *testing.T) {
		vfs.WriteFile(ctx, "/shrink", data)
		h := openTestWriter(t, vfs, "/shrink")
		if err := h.Truncate(ctx, 100); err != nil {
			t.Fatalf("Truncate(100) error = %v", err)
		}
		if err := h.Truncate(ctx, 200); err != nil {
			t.Fatalf("Truncate(200) error = %v", err)
		}
		if err := h.Close(ctx); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		got, _ := vfs.ReadFile(ctx, "/shrink")
		want := make([]byte, 200)
		copy(want, data[:100])
		if !bytes.Equal(got, want) {
			t.Error("stale bytes reappeared after shrink and grow")
		}
	})

	t.Run("shrink dirty buffer", func(t *testing.T) {
		h := openTestWriter(t, vfs, "/dirty")
		h.WriteAt(ctx, data, 0)
		if err := h.Truncate(ctx, 70); err != nil {
			t.Fatalf("Truncate(70) error = %v", err)
		}
		h.WriteAt(ctx, []byte{1}, 90)
		if err := h.Close(ctx); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		got, _ := vfs.ReadFile(ctx, "/dirty")
		want := make([]byte, 91)
		copy(want, data[:70])
		want[90] = 1
		if !bytes.Equal(got, want) {
			t.Error("truncated dirty chunk kept stale bytes")
		}
	})

	t.Run("zero rotates seed", func(t *testing.T) {
		vfs.WriteFile(ctx, "/zero", data)
		fi, _ := vfs.Stat(ctx, "/zero")
		before, err := vfs.v.readFileHeader(ctx, fi.ID)
		if err != nil {
			t.Fatalf("readFileHeader() error = %v", err)
		}

		h := openTestWriter(t, vfs, "/zero")
		if err := h.Truncate(ctx, 0); err != nil {
			t.Fatalf("Truncate(0) error = %v", err)
		}
		h.Close(ctx)

		after, _ := vfs.v.readFileHeader(ctx, fi.ID)
		if after.Seed == before.Seed {
			t.Error("Truncate(0) kept the nonce seed")
		}
		if after.Length != 0 {
			t.Errorf("Length = %d, want 0", after.Length)
		}
		names, _ := vfs.v.be.List(ctx, vfs.v.location(fi.ID))
		if len(names) != 1 {
			t.Errorf("entries after Truncate(0) = %v, want only the header", names)
		}
	})

	t.Run("negative", func(t *testing.T) {
		h := openTestWriter(t, vfs, "/neg")
		defer h.Close(ctx)
		if err := h.Truncate(ctx, -1); !errors.Is(err, ErrNegativeOffset) {
			t.Errorf("Truncate(-1) error = %v, want ErrNegativeOffset", err)
		}
	})
}

func TestHandle_BoundedDirtyChunks(t *testing.T) {
	ctx := context.Background()
	const maxDirty = 4
	vfs := setupVault(t, newTestBackend(t), InitOptions{ChunkSize: 64}, &Config{MaxDirtyChunks: maxDirty})

	h := openTestWriter(t, vfs, "/big")
	data := randomBytes(t, 64*100)

	// one large write plus many small appends
	if _, err := h.WriteAt(ctx, data[:64*50], 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	for off := 64 * 50; off < len(data); off += 37 {
		end := off + 37
		if end > len(data) {
			end = len(data)
		}
		if _, err := h.Append(ctx, data[off:end]); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if len(h.dirty) > maxDirty {
			t.Fatalf("dirty chunks = %d, exceeds %d", len(h.dirty), maxDirty)
		}
	}
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if h.peakDirty > maxDirty {
		t.Errorf("peak dirty chunks = %d, want <= %d", h.peakDirty, maxDirty)
	}
	got, err := vfs.ReadFile(ctx, "/big")
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("ReadFile() mismatch, err = %v", err)
	}
}

func TestHandle_CancelledFlushKeepsHeader(t *testing.T) {
	ctx := context.Background()
	vfs := setupTestVault(t, 64)

	vfs.WriteFile(ctx, "/f", []byte("committed"))
	h := openTestWriter(t, vfs, "/f")
	if _, err := h.Append(ctx, randomBytes(t, 500)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := h.Flush(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("Flush() error = %v, want context.Canceled", err)
	}

	fi, err := vfs.Stat(ctx, "/f")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if fi.Size != int64(len("committed")) {
		t.Errorf("Size after cancelled flush = %d, want %d", fi.Size, len("committed"))
	}
	got, err := vfs.ReadFile(ctx, "/f")
	if err != nil || string(got) != "committed" {
		t.Errorf("ReadFile() = %q, %v", got, err)
	}

	// the handle stays usable and a later flush commits everything
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	fi, _ = vfs.Stat(ctx, "/f")
	if fi.Size != int64(len("committed")+500) {
		t.Errorf("Size after Close = %d, want %d", fi.Size, len("committed")+500)
	}
}

func TestHandle_ReadSnapshot(t *testing.T) {
	ctx := context.Background()
	vfs := setupTestVault(t, 64)
	vfs.WriteFile(ctx, "/f", []byte("v1"))

	r, _ := vfs.OpenRead(ctx, "/f")
	defer r.Close(ctx)

	w := openTestWriter(t, vfs, "/f")
	w.Append(ctx, []byte("-more"))
	w.Close(ctx)

	if r.Size() != 2 {
		t.Errorf("read handle Size() = %d, want 2", r.Size())
	}
}
