// Package locking provides the lock primitives guarding resource store
// operations: an exclusive keyed ResourceLocker, a readers-writer lock built on
// top of it, and a deadline enforcing wrapper.
package locking

import (
	"context"
	"sync"

	"pkt.systems/podstore/resource"
)

// ResourceLocker is an exclusive mutex keyed by an opaque string. A key may
// be released by a different goroutine than the one that acquired it.
type ResourceLocker interface {
	// Acquire blocks until key is held or ctx is done.
	Acquire(ctx context.Context, key string) error
	// Release frees key. Releasing a key that is not held is an error.
	Release(ctx context.Context, key string) error
}

// MemoryLocker is an in-process ResourceLocker.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*memoryLock
}

type memoryLock struct {
	held chan struct{}
	refs int
}

var _ ResourceLocker = (*MemoryLocker)(nil)

// NewMemoryLocker returns an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*memoryLock)}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &memoryLock{held: make(chan struct{}, 1)}
		m.locks[key] = lock
	}
	lock.refs++
	m.mu.Unlock()

	select {
	case lock.held <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		m.unref(key, lock)
		m.mu.Unlock()
		return ctx.Err()
	}
}

func (m *MemoryLocker) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		return resource.InternalServerError("trying to unlock resource that is not locked: %s", key)
	}
	select {
	case <-lock.held:
	default:
		return resource.InternalServerError("trying to unlock resource that is not locked: %s", key)
	}
	m.unref(key, lock)
	return nil
}

// Held reports the number of keys with a holder or waiter.
func (m *MemoryLocker) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// unref must be called with m.mu held.
func (m *MemoryLocker) unref(key string, lock *memoryLock) {
	lock.refs--
	if lock.refs <= 0 {
		delete(m.locks, key)
	}
}
