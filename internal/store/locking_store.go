package store

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/podstore/internal/locking"
	"pkt.systems/podstore/internal/logutil"
	"pkt.systems/podstore/internal/strategy"
	"pkt.systems/podstore/resource"
)

// LockingConfig wires a LockingStore.
type LockingConfig struct {
	Source            resource.Store
	Locker            locking.ExpiringReadWriteLocker
	AuxiliaryStrategy strategy.AuxiliaryIdentifierStrategy
	Logger            pslog.Logger
	Metrics           *Metrics
}

// LockingStore serializes access to an identifier with a readers-writer
// lock. Auxiliary resources share the lock of their subject. A read lock
// taken by GetRepresentation is held until the returned stream is drained,
// fails or is closed.
type LockingStore struct {
	source    resource.Store
	locks     locking.ExpiringReadWriteLocker
	auxiliary strategy.AuxiliaryIdentifierStrategy
	logger    pslog.Logger
	metrics   *Metrics
}

var _ resource.Store = (*LockingStore)(nil)

// NewLockingStore validates cfg and returns the store.
func NewLockingStore(cfg LockingConfig) (*LockingStore, error) {
	if cfg.Source == nil {
		return nil, errors.New("store: source store required")
	}
	if cfg.Locker == nil {
		return nil, errors.New("store: locker required")
	}
	if cfg.AuxiliaryStrategy == nil {
		cfg.AuxiliaryStrategy = strategy.DefaultAuxiliaryStrategy()
	}
	return &LockingStore{
		source:    cfg.Source,
		locks:     cfg.Locker,
		auxiliary: cfg.AuxiliaryStrategy,
		logger:    logutil.WithSubsystem(cfg.Logger, "store.locking"),
		metrics:   cfg.Metrics,
	}, nil
}

// Initializer is implemented by source stores that can create their root.
type Initializer interface {
	Init(ctx context.Context, root resource.Identifier) (bool, error)
}

// Init creates root through the source store while holding its write lock.
func (l *LockingStore) Init(ctx context.Context, root resource.Identifier) (bool, error) {
	initializer, ok := l.source.(Initializer)
	if !ok {
		return false, errors.New("store: source store cannot initialize a root")
	}
	var created bool
	err := l.locks.WithWriteLock(ctx, l.LockIdentifier(root), func(ctx context.Context, _ locking.Lease) error {
		var err error
		created, err = initializer.Init(ctx, root)
		return err
	})
	return created, err
}

// LockIdentifier returns the identifier whose lock guards id.
func (l *LockingStore) LockIdentifier(id resource.Identifier) resource.Identifier {
	if l.auxiliary.IsAuxiliaryIdentifier(id) {
		if subject, err := l.auxiliary.GetSubjectIdentifier(id); err == nil {
			return subject
		}
	}
	return id
}

func (l *LockingStore) ResourceExists(ctx context.Context, id resource.Identifier, conditions resource.Conditions) (bool, error) {
	var exists bool
	err := l.locks.WithReadLock(ctx, l.LockIdentifier(id), func(ctx context.Context, _ locking.Lease) error {
		var err error
		exists, err = l.source.ResourceExists(ctx, id, conditions)
		return err
	})
	return exists, err
}

func (l *LockingStore) AddResource(ctx context.Context, container resource.Identifier, rep *resource.Representation, conditions resource.Conditions) (resource.ModifiedResource, error) {
	var result resource.ModifiedResource
	err := l.locks.WithWriteLock(ctx, l.LockIdentifier(container), func(ctx context.Context, _ locking.Lease) error {
		var err error
		result, err = l.source.AddResource(ctx, container, rep, conditions)
		return err
	})
	return result, err
}

func (l *LockingStore) SetRepresentation(ctx context.Context, id resource.Identifier, rep *resource.Representation, conditions resource.Conditions) ([]resource.ModifiedResource, error) {
	return l.withWriteLock(ctx, id, func(ctx context.Context) ([]resource.ModifiedResource, error) {
		return l.source.SetRepresentation(ctx, id, rep, conditions)
	})
}

func (l *LockingStore) DeleteResource(ctx context.Context, id resource.Identifier, conditions resource.Conditions) ([]resource.ModifiedResource, error) {
	return l.withWriteLock(ctx, id, func(ctx context.Context) ([]resource.ModifiedResource, error) {
		return l.source.DeleteResource(ctx, id, conditions)
	})
}

func (l *LockingStore) ModifyResource(ctx context.Context, id resource.Identifier, patch resource.Patch, conditions resource.Conditions) ([]resource.ModifiedResource, error) {
	return l.withWriteLock(ctx, id, func(ctx context.Context) ([]resource.ModifiedResource, error) {
		return l.source.ModifyResource(ctx, id, patch, conditions)
	})
}

func (l *LockingStore) withWriteLock(ctx context.Context, id resource.Identifier, fn func(context.Context) ([]resource.ModifiedResource, error)) ([]resource.ModifiedResource, error) {
	var changes []resource.ModifiedResource
	err := l.locks.WithWriteLock(ctx, l.LockIdentifier(id), func(ctx context.Context, _ locking.Lease) error {
		var err error
		changes, err = fn(ctx)
		return err
	})
	return changes, err
}

type getResult struct {
	rep *resource.Representation
	err error
}

// GetRepresentation returns once the representation is available while the
// read lock stays held in the background. Every read of the returned stream
// extends the lock; draining, failing or closing it releases the lock.
func (l *LockingStore) GetRepresentation(ctx context.Context, id resource.Identifier, preferences resource.Preferences, conditions resource.Conditions) (*resource.Representation, error) {
	result := make(chan getResult, 1)
	lockID := l.LockIdentifier(id)
	logger := logutil.FromContext(ctx, l.logger).With("path", id.Path)

	var (
		mu        sync.Mutex
		delivered bool
		started   time.Time
	)
	// deliver hands r to the caller unless an earlier result already went
	// out, which happens when the lease expires before the source answers.
	deliver := func(r getResult, stream bool) bool {
		mu.Lock()
		defer mu.Unlock()
		if delivered {
			return false
		}
		delivered = true
		if stream {
			started = time.Now()
		}
		result <- r
		return true
	}

	go func() {
		err := l.locks.WithReadLock(ctx, lockID, func(ctx context.Context, lease locking.Lease) error {
			rep, err := l.source.GetRepresentation(ctx, id, preferences, conditions)
			if err != nil {
				return err
			}
			if rep.Data == nil {
				deliver(getResult{rep: rep}, false)
				return nil
			}
			stream := newGuardedStream(ctx, rep.Data, lease)
			rep.Data = stream
			if !deliver(getResult{rep: rep}, true) {
				logger.Debug("store.get.late_representation_closed")
				return stream.Close()
			}

			select {
			case <-stream.done:
				return stream.result()
			case <-ctx.Done():
				cause := context.Cause(ctx)
				stream.finish(cause)
				return cause
			}
		})
		if deliver(getResult{err: err}, false) {
			return
		}
		mu.Lock()
		streamed := started
		mu.Unlock()
		if !streamed.IsZero() {
			l.metrics.recordStream(ctx, time.Since(streamed), err)
		}
		if err != nil {
			logger.Error("store.get.stream_failed", "error", err)
			return
		}
		logger.Trace("store.get.stream_released")
	}()

	r := <-result
	return r.rep, r.err
}

// guardedStream extends the read lock on every Read and signals done once
// the stream ends, fails or is closed. Reads fail once the lock context is
// cancelled.
type guardedStream struct {
	ctx   context.Context
	inner io.ReadCloser
	lease locking.Lease
	done  chan struct{}

	once   sync.Once
	mu     sync.Mutex
	err    error
	closed bool
}

func newGuardedStream(ctx context.Context, inner io.ReadCloser, lease locking.Lease) *guardedStream {
	return &guardedStream{ctx: ctx, inner: inner, lease: lease, done: make(chan struct{})}
}

func (g *guardedStream) Read(p []byte) (int, error) {
	select {
	case <-g.done:
		g.mu.Lock()
		defer g.mu.Unlock()
		switch {
		case g.err != nil:
			return 0, g.err
		case g.closed:
			return 0, os.ErrClosed
		}
		return 0, io.EOF
	default:
	}
	if g.ctx.Err() != nil {
		return 0, context.Cause(g.ctx)
	}
	g.lease.Extend()
	n, err := g.inner.Read(p)
	switch {
	case errors.Is(err, io.EOF):
		g.finish(nil)
	case err != nil:
		g.finish(err)
	}
	return n, err
}

func (g *guardedStream) Close() error {
	err := g.inner.Close()
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.finish(nil)
	return err
}

func (g *guardedStream) finish(err error) {
	g.once.Do(func() {
		g.mu.Lock()
		g.err = err
		g.mu.Unlock()
		close(g.done)
	})
}

func (g *guardedStream) result() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}
