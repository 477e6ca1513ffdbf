package vaultfs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absfs/vaultfs/backend"
)

// racingBackend re-seals a watched listing every time it is read, as if
// another process wrote it in between
type racingBackend struct {
	backend.Backend

	mu      sync.Mutex
	v       *vault
	watch   NodeID
	enabled atomic.Bool
	rewrote atomic.Int32
}

func (b *racingBackend) ReadFile(ctx context.Context, name string) ([]byte, error) {
	data, err := b.Backend.ReadFile(ctx, name)
	if err != nil || !b.enabled.Load() {
		return data, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if name != b.v.listingName(b.watch) {
		return data, err
	}
	l, lerr := b.v.openListing(b.watch, data)
	if lerr != nil {
		return data, err
	}
	sealed, serr := b.v.sealListing(b.watch, l)
	if serr != nil {
		return data, err
	}
	b.Backend.WriteFile(ctx, name, sealed)
	b.rewrote.Add(1)
	return data, err
}

func TestListing_InsertRemove(t *testing.T) {
	l := &listing{}
	for _, name := range []string{"m", "a", "z", "b"} {
		if err := l.insert(Entry{Name: name, Kind: KindFile, ID: NodeID{name[0]}}); err != nil {
			t.Fatalf("insert(%s) error = %v", name, err)
		}
	}
	if err := l.insert(Entry{Name: "a", Kind: KindDir}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("insert duplicate error = %v, want ErrAlreadyExists", err)
	}

	var names []string
	for _, e := range l.entries() {
		names = append(names, e.Name)
	}
	if want := []string{"a", "b", "m", "z"}; !equalStrings(names, want) {
		t.Errorf("entries() = %v, want %v", names, want)
	}

	e, ok := l.remove("m")
	if !ok || e.ID != (NodeID{'m'}) {
		t.Errorf("remove(m) = %+v, %v", e, ok)
	}
	if _, ok := l.lookup("m"); ok {
		t.Error("lookup(m) found a removed entry")
	}
	if _, ok := l.remove("m"); ok {
		t.Error("second remove(m) reported success")
	}
}

func TestListing_SealOpen(t *testing.T) {
	vfs := setupTestVault(t, 64)
	v := vfs.v

	l := &listing{Revision: 3}
	l.insert(Entry{Name: "doc", Kind: KindFile, ID: NodeID{7}})
	sealed, err := v.sealListing(NodeID{1}, l)
	if err != nil {
		t.Fatalf("sealListing() error = %v", err)
	}

	got, err := v.openListing(NodeID{1}, sealed)
	if err != nil {
		t.Fatalf("openListing() error = %v", err)
	}
	if got.Revision != 3 || len(got.Entries) != 1 {
		t.Errorf("openListing() = %+v", got)
	}

	// a listing moved to another directory does not open
	if _, err := v.openListing(NodeID{2}, sealed); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("openListing() other id error = %v, want ErrAuthFailed", err)
	}
	if _, err := v.openListing(NodeID{1}, sealed[:5]); !errors.Is(err, ErrVaultCorrupt) {
		t.Errorf("openListing() short error = %v, want ErrVaultCorrupt", err)
	}
}

func TestListing_MissingNonRoot(t *testing.T) {
	vfs := setupTestVault(t, 64)
	if _, _, err := vfs.v.readListing(context.Background(), NodeID{5}); !errors.Is(err, ErrVaultCorrupt) {
		t.Errorf("readListing() error = %v, want ErrVaultCorrupt", err)
	}
}

func TestPathMapper_Conflict(t *testing.T) {
	ctx := context.Background()
	mem := newTestBackend(t)
	be := &racingBackend{Backend: mem}
	vfs := setupVault(t, be, InitOptions{ChunkSize: 64}, &Config{ListingRetries: 3})

	be.v = vfs.v
	be.watch = vfs.v.rootID
	be.enabled.Store(true)

	err := vfs.Create(ctx, "/contended", KindFile)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Create() error = %v, want ErrConflict", err)
	}
	if be.rewrote.Load() < 3 {
		t.Errorf("listing rewritten %d times, want at least one per retry", be.rewrote.Load())
	}

	be.enabled.Store(false)
	entries, err := vfs.List(ctx, "/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("List() = %v, want the failed create to leave no entry", entries)
	}

	if err := vfs.Create(ctx, "/contended", KindFile); err != nil {
		t.Errorf("Create() without contention error = %v", err)
	}
}

func TestPathMapper_RemoveChild(t *testing.T) {
	ctx := context.Background()
	vfs := setupTestVault(t, 64)
	v := vfs.v

	dirID, err := v.createChild(ctx, v.rootID, "dir", KindDir)
	if err != nil {
		t.Fatalf("createChild(dir) error = %v", err)
	}
	fileID, err := v.createChild(ctx, dirID, "file", KindFile)
	if err != nil {
		t.Fatalf("createChild(file) error = %v", err)
	}

	if _, err := v.removeChild(ctx, v.rootID, "dir"); !errors.Is(err, ErrNotEmpty) {
		t.Errorf("removeChild(dir) error = %v, want ErrNotEmpty", err)
	}
	removed, err := v.removeChild(ctx, dirID, "file")
	if err != nil {
		t.Fatalf("removeChild(file) error = %v", err)
	}
	if removed.ID != fileID {
		t.Errorf("removed id = %s, want %s", removed.ID, fileID)
	}
	if _, err := v.removeChild(ctx, dirID, "file"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second removeChild(file) error = %v, want ErrNotFound", err)
	}
	if _, err := v.removeChild(ctx, v.rootID, "dir"); err != nil {
		t.Errorf("removeChild(empty dir) error = %v", err)
	}
}

func TestPathMapper_ConcurrentRenames(t *testing.T) {
	ctx := context.Background()
	vfs := setupTestVault(t, 64)

	vfs.MkdirAll(ctx, "/left")
	vfs.MkdirAll(ctx, "/right")
	for _, name := range []string{"a", "b", "c", "d"} {
		vfs.Create(ctx, "/left/"+name, KindFile)
		vfs.Create(ctx, "/right/"+name+"2", KindFile)
	}

	// moves in both directions at once must not deadlock or lose entries
	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d"} {
		wg.Add(2)
		go func(name string) {
			defer wg.Done()
			if err := vfs.Rename(ctx, "/left/"+name, "/right/"+name); err != nil {
				t.Errorf("Rename(left/%s) error = %v", name, err)
			}
		}(name)
		go func(name string) {
			defer wg.Done()
			if err := vfs.Rename(ctx, "/right/"+name+"2", "/left/"+name+"2"); err != nil {
				t.Errorf("Rename(right/%s2) error = %v", name, err)
			}
		}(name)
	}
	wg.Wait()

	left, _ := vfs.List(ctx, "/left")
	right, _ := vfs.List(ctx, "/right")
	if len(left) != 4 || len(right) != 4 {
		t.Errorf("after renames left = %d, right = %d entries, want 4 and 4", len(left), len(right))
	}
	for _, e := range left {
		if len(e.Name) != 2 {
			t.Errorf("unexpected entry %q in /left", e.Name)
		}
	}
}

// hookLocker calls before ahead of every Lock so tests can order
// concurrent operations
type hookLocker struct {
	Locker
	before func(key string)
}

func (l *hookLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l.before != nil {
		l.before(key)
	}
	return l.Locker.Lock(ctx, key)
}

// newBarrier returns a func that holds its first n callers until all of
// them have arrived, or until timeout if fewer ever do
func newBarrier(n int, timeout time.Duration) func() {
	var (
		mu    sync.Mutex
		count int
	)
	release := make(chan struct{})
	return func() {
		mu.Lock()
		count++
		c := count
		if c == n {
			close(release)
		}
		mu.Unlock()
		if c > n {
			return
		}
		select {
		case <-release:
		case <-time.After(timeout):
		}
	}
}

func TestPathMapper_CrossedMovesKeepTree(t *testing.T) {
	ctx := context.Background()
	barrier := newBarrier(2, 2*time.Second)
	locker := &hookLocker{Locker: NewKeyedLocker(), before: func(key string) {
		if key == moveLockKey {
			barrier()
		}
	}}
	vfs := setupVault(t, newTestBackend(t), InitOptions{ChunkSize: 64}, &Config{Locker: locker})

	if err := vfs.MkdirAll(ctx, "/a"); err != nil {
		t.Fatal(err)
	}
	if err := vfs.MkdirAll(ctx, "/b"); err != nil {
		t.Fatal(err)
	}

	// each move alone is valid; together they would put a and b inside
	// each other
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = vfs.Rename(ctx, "/a", "/b/x")
	}()
	go func() {
		defer wg.Done()
		errs[1] = vfs.Rename(ctx, "/b", "/a/y")
	}()
	wg.Wait()

	if (errs[0] == nil) == (errs[1] == nil) {
		t.Fatalf("Rename() errors = %v, %v, want exactly one to succeed", errs[0], errs[1])
	}
	for _, err := range errs {
		if err != nil && !errors.Is(err, ErrParentNotFound) {
			t.Errorf("losing Rename() error = %v, want ErrParentNotFound", err)
		}
	}

	top, err := vfs.List(ctx, "/")
	if err != nil {
		t.Fatalf("List(/) error = %v", err)
	}
	if len(top) != 1 || !top[0].IsDir() {
		t.Fatalf("List(/) = %v, want one directory", top)
	}
	inner, err := vfs.List(ctx, "/"+top[0].Name)
	if err != nil {
		t.Fatalf("List(/%s) error = %v", top[0].Name, err)
	}
	if len(inner) != 1 || !inner[0].IsDir() {
		t.Errorf("List(/%s) = %v, want the other directory", top[0].Name, inner)
	}
}

func TestPathMapper_MoveIntoOwnSubtree(t *testing.T) {
	ctx := context.Background()
	vfs := setupTestVault(t, 64)
	if err := vfs.MkdirAll(ctx, "/a/b"); err != nil {
		t.Fatal(err)
	}

	// below the path check in Rename: the ancestor walk alone must refuse
	err := vfs.v.rename(ctx, []string{"a"}, []string{"a", "b", "x"})
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("rename() error = %v, want ErrInvalidPath", err)
	}
	if _, err := vfs.Stat(ctx, "/a/b"); err != nil {
		t.Errorf("Stat(/a/b) after refused move error = %v", err)
	}
}

func TestPathMapper_CreateInDeletedDir(t *testing.T) {
	ctx := context.Background()
	vfs := setupTestVault(t, 64)
	v := vfs.v

	dirID, err := v.createChild(ctx, v.rootID, "d", KindDir)
	if err != nil {
		t.Fatalf("createChild(d) error = %v", err)
	}
	if err := vfs.Delete(ctx, "/d", false); err != nil {
		t.Fatalf("Delete(/d) error = %v", err)
	}

	// the caller resolved d before it was deleted
	_, err = v.createChild(ctx, dirID, "f", KindFile)
	if !errors.Is(err, ErrParentNotFound) || errors.Is(err, ErrVaultCorrupt) {
		t.Errorf("createChild() in deleted dir error = %v, want ErrParentNotFound", err)
	}
}

func TestPathMapper_CreateRacingDelete(t *testing.T) {
	for i := 0; i < 20; i++ {
		ctx := context.Background()
		var (
			mu      sync.Mutex
			watch   string
			calls   int
			arrived = make(chan struct{})
			release = make(chan struct{})
		)
		locker := &hookLocker{Locker: NewKeyedLocker(), before: func(key string) {
			mu.Lock()
			if key != watch {
				mu.Unlock()
				return
			}
			calls++
			n := calls
			mu.Unlock()
			switch n {
			case 1: // the create, about to link f into d
				close(arrived)
				select {
				case <-release:
				case <-time.After(5 * time.Second):
				}
			case 2: // the delete, about to check that d is empty
				close(release)
			}
		}}
		vfs := setupVault(t, newTestBackend(t), InitOptions{ChunkSize: 64}, &Config{Locker: locker})
		if err := vfs.MkdirAll(ctx, "/d"); err != nil {
			t.Fatal(err)
		}
		d, err := vfs.Stat(ctx, "/d")
		if err != nil {
			t.Fatal(err)
		}
		mu.Lock()
		watch = listingLockKey(d.ID)
		mu.Unlock()

		createErr := make(chan error, 1)
		go func() { createErr <- vfs.Create(ctx, "/d/f", KindFile) }()
		<-arrived
		delErr := vfs.Delete(ctx, "/d", false)
		cerr := <-createErr

		switch {
		case cerr == nil:
			if !errors.Is(delErr, ErrNotEmpty) {
				t.Fatalf("create won but Delete() error = %v, want ErrNotEmpty", delErr)
			}
			if _, err := vfs.Stat(ctx, "/d/f"); err != nil {
				t.Fatalf("Stat(/d/f) error = %v", err)
			}
		case delErr == nil:
			if !errors.Is(cerr, ErrParentNotFound) || errors.Is(cerr, ErrVaultCorrupt) {
				t.Fatalf("delete won but Create() error = %v, want ErrParentNotFound", cerr)
			}
			if _, err := vfs.Stat(ctx, "/d"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Stat(/d) after delete error = %v, want ErrNotFound", err)
			}
		default:
			t.Fatalf("Create() = %v and Delete() = %v, want one to succeed", cerr, delErr)
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
