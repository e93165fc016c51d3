package locking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/podstore/internal/clock"
	"pkt.systems/podstore/internal/logutil"
	"pkt.systems/podstore/resource"
)

// Lease is handed to callbacks running under an expiring lock.
type Lease interface {
	// Extend pushes the deadline forward by the configured expiration. It is
	// a no-op once the lease expired.
	Extend()
	// Token identifies this acquisition in logs.
	Token() string
}

// ExpiringReadWriteLocker is a ReadWriteLocker whose callbacks must finish,
// or extend their lease, before a deadline.
type ExpiringReadWriteLocker interface {
	WithReadLock(ctx context.Context, id resource.Identifier, fn func(context.Context, Lease) error) error
	WithWriteLock(ctx context.Context, id resource.Identifier, fn func(context.Context, Lease) error) error
}

// ExpiryPolicy selects what happens to the physical lock when a lease expires.
type ExpiryPolicy string

const (
	// ExpiryRelease returns the expiry error at once, releasing the lock
	// while the callback may still be running.
	ExpiryRelease ExpiryPolicy = "release"
	// ExpiryAwait waits for the callback to return before releasing.
	ExpiryAwait ExpiryPolicy = "await"
)

// ParseExpiryPolicy accepts "release", "await" or "" (release).
func ParseExpiryPolicy(raw string) (ExpiryPolicy, error) {
	switch ExpiryPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ExpiryRelease:
		return ExpiryRelease, nil
	case ExpiryAwait:
		return ExpiryAwait, nil
	default:
		return "", fmt.Errorf("locking: unknown expiry policy %q", raw)
	}
}

// DefaultExpiration bounds a lease that is never extended.
const DefaultExpiration = 3 * time.Second

// ExpiringConfig configures a WrappedExpiringReadWriteLocker.
type ExpiringConfig struct {
	Locker     ReadWriteLocker
	Expiration time.Duration
	Policy     ExpiryPolicy
	Clock      clock.Clock
	Logger     pslog.Logger
	Metrics    *Metrics
}

// WrappedExpiringReadWriteLocker adds a per acquisition deadline to any
// ReadWriteLocker. When the deadline fires the callback context is cancelled
// with the expiry error as its cause.
type WrappedExpiringReadWriteLocker struct {
	locker     ReadWriteLocker
	expiration time.Duration
	policy     ExpiryPolicy
	clock      clock.Clock
	logger     pslog.Logger
	metrics    *Metrics
}

var _ ExpiringReadWriteLocker = (*WrappedExpiringReadWriteLocker)(nil)

// NewWrappedExpiringReadWriteLocker validates cfg and returns the locker.
func NewWrappedExpiringReadWriteLocker(cfg ExpiringConfig) (*WrappedExpiringReadWriteLocker, error) {
	if cfg.Locker == nil {
		return nil, errors.New("locking: read-write locker required")
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = DefaultExpiration
	}
	policy, err := ParseExpiryPolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	return &WrappedExpiringReadWriteLocker{
		locker:     cfg.Locker,
		expiration: cfg.Expiration,
		policy:     policy,
		clock:      clock.Ensure(cfg.Clock),
		logger:     logutil.WithSubsystem(cfg.Logger, "lock.expiring"),
		metrics:    cfg.Metrics,
	}, nil
}

// Expiration returns the lease duration.
func (w *WrappedExpiringReadWriteLocker) Expiration() time.Duration { return w.expiration }

// Policy returns the configured expiry policy.
func (w *WrappedExpiringReadWriteLocker) Policy() ExpiryPolicy { return w.policy }

func (w *WrappedExpiringReadWriteLocker) WithReadLock(ctx context.Context, id resource.Identifier, fn func(context.Context, Lease) error) error {
	return w.locker.WithReadLock(ctx, id, func(ctx context.Context) error {
		return w.run(ctx, id, "read", fn)
	})
}

func (w *WrappedExpiringReadWriteLocker) WithWriteLock(ctx context.Context, id resource.Identifier, fn func(context.Context, Lease) error) error {
	return w.locker.WithWriteLock(ctx, id, func(ctx context.Context) error {
		return w.run(ctx, id, "write", fn)
	})
}

func (w *WrappedExpiringReadWriteLocker) run(ctx context.Context, id resource.Identifier, mode string, fn func(context.Context, Lease) error) error {
	lease := &lease{
		token:      xid.New().String(),
		expiration: w.expiration,
		clock:      w.clock,
		deadline:   w.clock.Now().Add(w.expiration),
		timer:      w.clock.NewTimer(w.expiration),
	}
	logger := logutil.FromContext(ctx, w.logger).With("path", id.Path, "mode", mode, "token", lease.token)
	cctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan error, 1)
	go func() {
		done <- fn(cctx, lease)
	}()

	for {
		select {
		case err := <-done:
			lease.stop()
			return err
		case <-lease.timer.C():
		}
		if lease.expire() {
			return w.expired(ctx, id, mode, done, cancel, logger)
		}
	}
}

func (w *WrappedExpiringReadWriteLocker) expired(ctx context.Context, id resource.Identifier, mode string, done <-chan error, cancel context.CancelCauseFunc, logger pslog.Logger) error {
	expiry := resource.InternalServerError("Lock expired after %s on %s", w.expiration, id.Path)
	cancel(expiry)
	w.metrics.recordExpiry(ctx, mode, w.policy)
	logger.Error("lock.expired", "expiration", w.expiration, "policy", string(w.policy))
	if w.policy == ExpiryAwait {
		if err := <-done; err != nil && !errors.Is(err, expiry) && !errors.Is(err, context.Canceled) {
			logger.Warn("lock.expired.callback_error", "error", err)
		}
		logger.Debug("lock.expired.callback_returned")
		return expiry
	}
	go func() {
		if err := <-done; err != nil && !errors.Is(err, expiry) && !errors.Is(err, context.Canceled) {
			logger.Warn("lock.expired.callback_error", "error", err)
		}
	}()
	return expiry
}

type lease struct {
	token      string
	expiration time.Duration
	clock      clock.Clock
	timer      clock.Timer

	mu       sync.Mutex
	deadline time.Time
	expired  bool
	stopped  bool
}

func (l *lease) Token() string { return l.token }

func (l *lease) Extend() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.expired || l.stopped {
		return
	}
	l.deadline = l.clock.Now().Add(l.expiration)
	l.timer.Reset(l.expiration)
}

// expire marks the lease expired unless an Extend moved the deadline past
// the fire that was just delivered, in which case the timer is re-armed for
// the remainder.
func (l *lease) expire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	if now := l.clock.Now(); now.Before(l.deadline) {
		l.timer.Reset(l.deadline.Sub(now))
		return false
	}
	l.expired = true
	return true
}

func (l *lease) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	l.timer.Stop()
}
