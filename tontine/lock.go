/*
lock.go - Per-group exclusive lock for the completion critical section

PURPOSE:
  Cycle completion re-reads the group, counts paid contributions and
  advances the cycle. Two settlements for the last two members of a cycle
  can run at the same time; this lock serialises their completion checks
  for one group without blocking any other group.

DESIGN:
  One buffered channel of size 1 per key acts as a mutex that can be
  acquired with a deadline. Entries are reference counted and removed when
  the last holder or waiter leaves, so the map does not grow with the
  number of groups ever seen.

  Lock(ctx, key) blocks until the key is free or ctx is done. Giving up
  returns a ConcurrencyError; the caller may retry the whole request.

SCOPE:
  Process-local. Running more than one engine process against one database
  relies on the store's guarded cycle update alone.
*/
package tontine

import (
	"context"
	"sync"
	"time"

	"github.com/sunusav/tontine-engine/metrics"
)

// Locker provides exclusive access per key.
type Locker interface {
	// Lock returns an unlock func, or a ConcurrencyError if ctx ends first.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// KeyedLocker is the in-process Locker.
type KeyedLocker struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{entries: make(map[string]*keyedEntry)}
}

func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	e := l.acquireRef(key)

	select {
	case e.sem <- struct{}{}:
		metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
	case <-ctx.Done():
		l.releaseRef(key, e)
		return nil, &ConcurrencyError{Resource: "group " + key, Reason: "lock wait: " + ctx.Err().Error()}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.releaseRef(key, e)
		})
	}, nil
}

func (l *KeyedLocker) acquireRef(key string) *keyedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *KeyedLocker) releaseRef(key string, e *keyedEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// size reports the number of live keys (tests).
func (l *KeyedLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
