// Package syncutil provides locking helpers shared by the in-memory stores.
package syncutil

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyedMutex serializes work per key. Distinct keys never contend, and a
// waiter can give up when its context is cancelled. Entries are dropped
// once no goroutine holds or waits on them, so memory tracks the number of
// keys in use, not the number ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is a weight-1 semaphore plus the count of holders and waiters.
type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for key. On success the caller must call the
// returned unlock exactly once. On cancellation it returns ctx.Err().
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)

	if err := l.sem.Acquire(ctx, 1); err != nil {
		m.releaseRef(key, l)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			m.releaseRef(key, l)
		})
	}, nil
}

// Len reports how many keys currently have holders or waiters.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquireRef(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{sem: semaphore.NewWeighted(1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
