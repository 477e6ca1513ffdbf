package vaultfs

import (
	"context"
	"sync"
)

// Locker provides mutual exclusion per key. Listing updates lock
// "listing/<id>" and chunk rewrites lock "chunk/<id>/<index>".
// Moves between directories take "move" before any listing lock.
//
// redislock.Locker satisfies this interface for vaults shared between
// processes.
type Locker interface {
	// Lock blocks until key is held or ctx is done. The returned func
	// releases the lock.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedLocker is an in-process Locker. Lock entries are created on demand
// and dropped when nobody holds or waits for them.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocker creates an empty KeyedLocker
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

// Lock implements Locker
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.drop(key, kl)
		})
	}, nil
}

func (l *KeyedLocker) drop(key string, kl *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// lockPair locks two keys in a fixed order so concurrent cross-directory
// renames cannot deadlock. Equal keys are locked once.
func lockPair(ctx context.Context, l Locker, a, b string) (func(), error) {
	if a == b {
		return l.Lock(ctx, a)
	}
	if b < a {
		a, b = b, a
	}
	unlockA, err := l.Lock(ctx, a)
	if err != nil {
		return nil, err
	}
	unlockB, err := l.Lock(ctx, b)
	if err != nil {
		unlockA()
		return nil, err
	}
	return func() {
		unlockB()
		unlockA()
	}, nil
}
