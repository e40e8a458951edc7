// Package entrylock provides per-entry mutual exclusion shared by the
// pipeline stages that mutate an entry's revisions.
package entrylock

import (
	"context"
	"sync"
)

type lock struct {
	ch   chan struct{}
	refs int
}

// Locker hands out one lock per key. Unused keys are forgotten.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lock
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*lock)}
}

// Lock blocks until key is held or ctx is done. The returned func releases it.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &lock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, lk)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.release(key, lk)
		})
	}, nil
}

func (l *Locker) release(key string, lk *lock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}

// Len reports how many keys are held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
