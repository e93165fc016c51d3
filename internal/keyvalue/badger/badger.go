// Package badger persists keyvalue entries in an embedded Badger database so
// lock bookkeeping survives across processes sharing the directory
// sequentially.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	bdb "github.com/dgraph-io/badger/v4"

	"pkt.systems/podstore/internal/keyvalue"
)

// Config tunes the Badger store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps all data in RAM.
	InMemory bool
	// Prefix namespaces every key.
	Prefix string
}

// Store implements keyvalue.Storage[string, V] on Badger. Values are encoded
// as JSON.
type Store[V any] struct {
	db     *bdb.DB
	prefix string
	owned  bool
}

var _ keyvalue.Storage[string, int64] = (*Store[int64])(nil)

// Open opens (or creates) the database described by cfg.
func Open[V any](cfg Config) (*Store[V], error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("badger: path required")
	}
	opts := bdb.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = bdb.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := bdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return &Store[V]{db: db, prefix: cfg.Prefix, owned: true}, nil
}

// New wraps an already opened database. Close leaves db open.
func New[V any](db *bdb.DB, prefix string) *Store[V] {
	return &Store[V]{db: db, prefix: prefix}
}

func (s *Store[V]) key(k string) []byte {
	return []byte(s.prefix + k)
}

func (s *Store[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var out V
	found := false
	err := s.db.View(func(txn *bdb.Txn) error {
		item, err := txn.Get(s.key(key))
		if errors.Is(err, bdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		return out, false, fmt.Errorf("badger: get %q: %w", key, err)
	}
	return out, found, nil
}

func (s *Store[V]) Has(ctx context.Context, key string) (bool, error) {
	_, found, err := s.Get(ctx, key)
	return found, err
}

func (s *Store[V]) Set(ctx context.Context, key string, value V) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("badger: encode %q: %w", key, err)
	}
	if err := s.db.Update(func(txn *bdb.Txn) error {
		return txn.Set(s.key(key), payload)
	}); err != nil {
		return fmt.Errorf("badger: set %q: %w", key, err)
	}
	return nil
}

func (s *Store[V]) Delete(ctx context.Context, key string) (bool, error) {
	existed := false
	err := s.db.Update(func(txn *bdb.Txn) error {
		_, err := txn.Get(s.key(key))
		if errors.Is(err, bdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete(s.key(key))
	})
	if err != nil {
		return false, fmt.Errorf("badger: delete %q: %w", key, err)
	}
	return existed, nil
}

// Keys lists every key below the store prefix.
func (s *Store[V]) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *bdb.Txn) error {
		opts := bdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(s.prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(s.prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: list keys: %w", err)
	}
	return keys, nil
}

// Clear removes every entry below the prefix. Stale lock counters from a
// crashed process are dropped this way at startup.
func (s *Store[V]) Clear(ctx context.Context) error {
	if s.prefix == "" {
		if err := s.db.DropAll(); err != nil {
			return fmt.Errorf("badger: drop all: %w", err)
		}
		return nil
	}
	if err := s.db.DropPrefix([]byte(s.prefix)); err != nil {
		return fmt.Errorf("badger: drop prefix: %w", err)
	}
	return nil
}

// Close closes the database when it was opened by Open.
func (s *Store[V]) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
