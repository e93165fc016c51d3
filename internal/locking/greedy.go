package locking

import (
	"context"
	"errors"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/podstore/internal/keyvalue"
	"pkt.systems/podstore/internal/logutil"
	"pkt.systems/podstore/resource"
)

// ReadWriteLocker runs a callback while holding a shared or exclusive lock on
// an identifier.
type ReadWriteLocker interface {
	WithReadLock(ctx context.Context, id resource.Identifier, fn func(context.Context) error) error
	WithWriteLock(ctx context.Context, id resource.Identifier, fn func(context.Context) error) error
}

// Suffixes name the keys GreedyReadWriteLocker derives from an identifier.
type Suffixes struct {
	Count string
	Read  string
	Write string
}

// DefaultSuffixes are used when GreedyConfig leaves Suffixes empty.
var DefaultSuffixes = Suffixes{Count: "count", Read: "read", Write: "write"}

// GreedyConfig configures a GreedyReadWriteLocker.
type GreedyConfig struct {
	Locker   ResourceLocker
	Counters keyvalue.Storage[string, int64]
	Suffixes Suffixes
	Logger   pslog.Logger
	Metrics  *Metrics
}

// GreedyReadWriteLocker builds a readers-writer lock from one exclusive
// locker and a persisted reader count. Readers are admitted while any reader
// holds the lock, so a waiting writer can starve.
type GreedyReadWriteLocker struct {
	locker   ResourceLocker
	counters keyvalue.Storage[string, int64]
	suffixes Suffixes
	logger   pslog.Logger
	metrics  *Metrics
}

var _ ReadWriteLocker = (*GreedyReadWriteLocker)(nil)

// NewGreedyReadWriteLocker validates cfg and returns the locker.
func NewGreedyReadWriteLocker(cfg GreedyConfig) (*GreedyReadWriteLocker, error) {
	if cfg.Locker == nil {
		return nil, errors.New("locking: resource locker required")
	}
	if cfg.Counters == nil {
		return nil, errors.New("locking: counter storage required")
	}
	suffixes := cfg.Suffixes
	if suffixes.Count == "" {
		suffixes.Count = DefaultSuffixes.Count
	}
	if suffixes.Read == "" {
		suffixes.Read = DefaultSuffixes.Read
	}
	if suffixes.Write == "" {
		suffixes.Write = DefaultSuffixes.Write
	}
	return &GreedyReadWriteLocker{
		locker:   cfg.Locker,
		counters: cfg.Counters,
		suffixes: suffixes,
		logger:   logutil.WithSubsystem(cfg.Logger, "lock.greedy"),
		metrics:  cfg.Metrics,
	}, nil
}

func (g *GreedyReadWriteLocker) key(id resource.Identifier, suffix string) string {
	return id.Path + "." + suffix
}

// WithReadLock runs fn while the identifier is read locked.
func (g *GreedyReadWriteLocker) WithReadLock(ctx context.Context, id resource.Identifier, fn func(context.Context) error) error {
	start := time.Now()
	err := g.acquireReadLock(ctx, id)
	g.metrics.recordAcquire(ctx, "read", time.Since(start), err)
	if err != nil {
		return err
	}
	g.metrics.addHolder("read", 1)
	defer g.metrics.addHolder("read", -1)

	defer func() {
		if relErr := g.releaseReadLock(context.WithoutCancel(ctx), id); relErr != nil {
			g.logger.Error("lock.read.release_failed", "path", id.Path, "error", relErr)
		}
	}()
	return fn(ctx)
}

// WithWriteLock runs fn while the identifier is write locked. Identifiers
// ending in the count suffix are reserved for bookkeeping.
func (g *GreedyReadWriteLocker) WithWriteLock(ctx context.Context, id resource.Identifier, fn func(context.Context) error) error {
	if strings.HasSuffix(id.Path, "."+g.suffixes.Count) {
		return resource.Forbidden("This resource is used for internal purposes.")
	}
	start := time.Now()
	key := g.key(id, g.suffixes.Write)
	err := g.locker.Acquire(ctx, key)
	g.metrics.recordAcquire(ctx, "write", time.Since(start), err)
	if err != nil {
		return err
	}
	g.metrics.addHolder("write", 1)
	defer g.metrics.addHolder("write", -1)

	defer func() {
		if relErr := g.locker.Release(context.WithoutCancel(ctx), key); relErr != nil {
			g.logger.Error("lock.write.release_failed", "path", id.Path, "error", relErr)
		}
	}()
	return fn(ctx)
}

// acquireReadLock increments the reader count and takes the write key for
// the first reader.
func (g *GreedyReadWriteLocker) acquireReadLock(ctx context.Context, id resource.Identifier) error {
	return g.withInternalReadLock(ctx, id, func() error {
		count, err := g.incrementCount(ctx, id, 1)
		if err != nil {
			return err
		}
		if count != 1 {
			return nil
		}
		if err := g.locker.Acquire(ctx, g.key(id, g.suffixes.Write)); err != nil {
			if _, rollbackErr := g.incrementCount(context.WithoutCancel(ctx), id, -1); rollbackErr != nil {
				g.logger.Error("lock.read.rollback_failed", "path", id.Path, "error", rollbackErr)
			}
			return err
		}
		return nil
	})
}

// releaseReadLock decrements the reader count and releases the write key
// once the last reader is gone.
func (g *GreedyReadWriteLocker) releaseReadLock(ctx context.Context, id resource.Identifier) error {
	return g.withInternalReadLock(ctx, id, func() error {
		count, err := g.incrementCount(ctx, id, -1)
		if err != nil {
			return err
		}
		if count != 0 {
			return nil
		}
		return g.locker.Release(ctx, g.key(id, g.suffixes.Write))
	})
}

// withInternalReadLock serializes counter updates for id.
func (g *GreedyReadWriteLocker) withInternalReadLock(ctx context.Context, id resource.Identifier, fn func() error) error {
	key := g.key(id, g.suffixes.Read)
	if err := g.locker.Acquire(ctx, key); err != nil {
		return err
	}
	fnErr := fn()
	if err := g.locker.Release(context.WithoutCancel(ctx), key); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

// incrementCount must be called while the internal read key is held. A count
// reaching zero removes its entry.
func (g *GreedyReadWriteLocker) incrementCount(ctx context.Context, id resource.Identifier, delta int64) (int64, error) {
	key := g.key(id, g.suffixes.Count)
	current, _, err := g.counters.Get(ctx, key)
	if err != nil {
		return 0, resource.AsInternal(err, "read lock counter")
	}
	next := current + delta
	if next < 0 {
		return 0, resource.InternalServerError("Read lock count for %s dropped below zero", id.Path)
	}
	if next == 0 {
		if _, err := g.counters.Delete(ctx, key); err != nil {
			return 0, resource.AsInternal(err, "delete read lock counter")
		}
		return 0, nil
	}
	if err := g.counters.Set(ctx, key, next); err != nil {
		return 0, resource.AsInternal(err, "store read lock counter")
	}
	return next, nil
}
