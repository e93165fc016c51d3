// Package keyvalue defines the small key/value contract used for lock
// bookkeeping, with an in-process implementation.
package keyvalue

import (
	"context"
	"sync"
)

// Storage is a minimal key/value store. Implementations must be safe for
// concurrent use.
type Storage[K comparable, V any] interface {
	// Get returns the stored value and whether it exists.
	Get(ctx context.Context, key K) (V, bool, error)
	Has(ctx context.Context, key K) (bool, error)
	Set(ctx context.Context, key K, value V) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key K) (bool, error)
}

// Memory is a map backed Storage.
type Memory[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

var _ Storage[string, int64] = (*Memory[string, int64])(nil)

// NewMemory returns an empty in-memory storage.
func NewMemory[K comparable, V any]() *Memory[K, V] {
	return &Memory[K, V]{entries: make(map[K]V)}
}

func (m *Memory[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *Memory[K, V]) Has(ctx context.Context, key K) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[key]
	return ok, nil
}

func (m *Memory[K, V]) Set(ctx context.Context, key K, value V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *Memory[K, V]) Delete(ctx context.Context, key K) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

// Len returns the number of entries.
func (m *Memory[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
