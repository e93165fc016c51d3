package locking_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/podstore/internal/clock"
	"pkt.systems/podstore/internal/keyvalue"
	"pkt.systems/podstore/internal/locking"
	"pkt.systems/podstore/resource"
)

func TestMemoryLockerExclusive(t *testing.T) {
	t.Parallel()

	locker := locking.NewMemoryLocker()
	ctx := context.Background()
	if err := locker.Acquire(ctx, "a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := locker.Acquire(waitCtx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while held, got %v", err)
	}
	if err := locker.Acquire(ctx, "b"); err != nil {
		t.Fatalf("independent key: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := locker.Acquire(ctx, "a"); err == nil {
			close(acquired)
		}
	}()
	if err := locker.Release(ctx, "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter did not acquire after release")
	}
	// Release from a goroutine other than the acquirer.
	released := make(chan error, 1)
	go func() { released <- locker.Release(ctx, "a") }()
	if err := <-released; err != nil {
		t.Fatalf("cross goroutine release: %v", err)
	}
	if err := locker.Release(ctx, "b"); err != nil {
		t.Fatalf("release b: %v", err)
	}
	if locker.Held() != 0 {
		t.Fatalf("expected no tracked keys, got %d", locker.Held())
	}
}

func TestMemoryLockerReleaseUnlocked(t *testing.T) {
	t.Parallel()

	err := locking.NewMemoryLocker().Release(context.Background(), "missing")
	if !resource.IsKind(err, resource.KindInternalServerError) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestFileLockerSerializes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	locker, err := locking.NewFileLocker(locking.FileLockerConfig{Dir: dir, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new file locker: %v", err)
	}
	ctx := context.Background()
	if err := locker.Acquire(ctx, "/doc.write"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one lock file, got %d", len(entries))
	}
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := locker.Acquire(waitCtx, "/doc.write"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := locker.Release(ctx, "/doc.write"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := locker.Acquire(ctx, "/doc.write"); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if err := locker.Release(ctx, "/doc.write"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := locker.Release(ctx, "/doc.write"); !resource.IsKind(err, resource.KindInternalServerError) {
		t.Fatalf("expected internal error on double release, got %v", err)
	}
}

func newGreedy(t *testing.T) (*locking.GreedyReadWriteLocker, *keyvalue.Memory[string, int64]) {
	t.Helper()
	counters := keyvalue.NewMemory[string, int64]()
	rw, err := locking.NewGreedyReadWriteLocker(locking.GreedyConfig{
		Locker:   locking.NewMemoryLocker(),
		Counters: counters,
	})
	if err != nil {
		t.Fatalf("new greedy locker: %v", err)
	}
	return rw, counters
}

func TestGreedyReadersOverlap(t *testing.T) {
	t.Parallel()

	rw, counters := newGreedy(t)
	id := resource.ID("/r")
	ctx := context.Background()

	const readers = 4
	var inside sync.WaitGroup
	inside.Add(readers)
	release := make(chan struct{})
	errs := make(chan error, readers)
	for range readers {
		go func() {
			errs <- rw.WithReadLock(ctx, id, func(context.Context) error {
				inside.Done()
				<-release
				return nil
			})
		}()
	}
	waitDone(t, &inside)
	if count, ok, _ := counters.Get(ctx, "/r.count"); !ok || count != readers {
		t.Fatalf("expected count %d, got %d (present %v)", readers, count, ok)
	}
	close(release)
	for range readers {
		if err := <-errs; err != nil {
			t.Fatalf("read lock: %v", err)
		}
	}
	if ok, _ := counters.Has(ctx, "/r.count"); ok {
		t.Fatal("expected counter entry to be removed at zero")
	}
}

func TestGreedyWriterExcludesReaders(t *testing.T) {
	t.Parallel()

	rw, counters := newGreedy(t)
	id := resource.ID("/r")
	ctx := context.Background()

	var readers, writers, violations atomic.Int64
	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%4 == 0 {
				_ = rw.WithWriteLock(ctx, id, func(context.Context) error {
					if writers.Add(1) != 1 || readers.Load() != 0 {
						violations.Add(1)
					}
					time.Sleep(time.Millisecond)
					writers.Add(-1)
					return nil
				})
				return
			}
			_ = rw.WithReadLock(ctx, id, func(context.Context) error {
				readers.Add(1)
				if writers.Load() != 0 {
					violations.Add(1)
				}
				time.Sleep(time.Millisecond)
				readers.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if violations.Load() != 0 {
		t.Fatalf("observed %d overlapping critical sections", violations.Load())
	}
	if counters.Len() != 0 {
		t.Fatalf("expected no counters left, got %d", counters.Len())
	}
}

func TestGreedyWriteLockOnCountKeyForbidden(t *testing.T) {
	t.Parallel()

	rw, _ := newGreedy(t)
	err := rw.WithWriteLock(context.Background(), resource.ID("/r.count"), func(context.Context) error {
		t.Fatal("callback must not run")
		return nil
	})
	if !resource.IsKind(err, resource.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestGreedyNegativeCountIsInternalError(t *testing.T) {
	t.Parallel()

	rw, counters := newGreedy(t)
	ctx := context.Background()
	if err := counters.Set(ctx, "/r.count", -3); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	err := rw.WithReadLock(ctx, resource.ID("/r"), func(context.Context) error { return nil })
	if !resource.IsKind(err, resource.KindInternalServerError) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestGreedyReaderCancelledWhileWriterHolds(t *testing.T) {
	t.Parallel()

	rw, counters := newGreedy(t)
	id := resource.ID("/r")
	ctx := context.Background()
	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- rw.WithWriteLock(ctx, id, func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	readCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := rw.WithReadLock(readCtx, id, func(context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if ok, _ := counters.Has(ctx, "/r.count"); ok {
		t.Fatal("expected counter rollback after cancelled read")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("write lock: %v", err)
	}
}

func newExpiring(t *testing.T, policy locking.ExpiryPolicy) (*locking.WrappedExpiringReadWriteLocker, *clock.Manual) {
	t.Helper()
	rw, _ := newGreedy(t)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	expiring, err := locking.NewWrappedExpiringReadWriteLocker(locking.ExpiringConfig{
		Locker:     rw,
		Expiration: 3 * time.Second,
		Policy:     policy,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("new expiring locker: %v", err)
	}
	return expiring, clk
}

func TestExpiringReleasePolicy(t *testing.T) {
	t.Parallel()

	locker, clk := newExpiring(t, locking.ExpiryRelease)
	id := resource.ID("/slow")
	ctx := context.Background()

	stuck := make(chan struct{})
	defer close(stuck)
	causes := make(chan error, 1)
	result := make(chan error, 1)
	go func() {
		result <- locker.WithWriteLock(ctx, id, func(ctx context.Context, _ locking.Lease) error {
			<-ctx.Done()
			causes <- context.Cause(ctx)
			<-stuck
			return nil
		})
	}()
	waitForTimers(t, clk, 1)
	clk.Advance(3 * time.Second)

	err := <-result
	if !resource.IsKind(err, resource.KindInternalServerError) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if cause := <-causes; !resource.IsKind(cause, resource.KindInternalServerError) {
		t.Fatalf("expected expiry cause on callback context, got %v", cause)
	}

	// The physical lock is free although the first callback is still running.
	next := make(chan error, 1)
	go func() {
		next <- locker.WithWriteLock(ctx, id, func(context.Context, locking.Lease) error { return nil })
	}()
	select {
	case err := <-next:
		if err != nil {
			t.Fatalf("second acquisition: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second acquisition blocked after expiry")
	}
}

func TestExpiringAwaitPolicyWaitsForCallback(t *testing.T) {
	t.Parallel()

	locker, clk := newExpiring(t, locking.ExpiryAwait)
	proceed := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- locker.WithReadLock(context.Background(), resource.ID("/slow"), func(ctx context.Context, _ locking.Lease) error {
			<-ctx.Done()
			<-proceed
			return ctx.Err()
		})
	}()
	waitForTimers(t, clk, 1)
	clk.Advance(3 * time.Second)

	select {
	case err := <-result:
		t.Fatalf("await policy returned before callback finished: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	close(proceed)
	if err := <-result; !resource.IsKind(err, resource.KindInternalServerError) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestExpiringExtendKeepsLeaseAlive(t *testing.T) {
	t.Parallel()

	locker, clk := newExpiring(t, locking.ExpiryRelease)
	leases := make(chan locking.Lease, 1)
	finish := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- locker.WithReadLock(context.Background(), resource.ID("/stream"), func(ctx context.Context, lease locking.Lease) error {
			leases <- lease
			select {
			case <-finish:
				return nil
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		})
	}()
	lease := <-leases
	if lease.Token() == "" {
		t.Fatal("expected lease token")
	}
	waitForTimers(t, clk, 1)
	clk.Advance(2 * time.Second)
	lease.Extend()
	clk.Advance(2 * time.Second)
	lease.Extend()
	clk.Advance(2 * time.Second)
	close(finish)
	if err := <-result; err != nil {
		t.Fatalf("expected extended lease to succeed, got %v", err)
	}
}

func TestParseExpiryPolicy(t *testing.T) {
	t.Parallel()

	cases := map[string]locking.ExpiryPolicy{
		"":        locking.ExpiryRelease,
		"release": locking.ExpiryRelease,
		"AWAIT":   locking.ExpiryAwait,
	}
	for raw, want := range cases {
		got, err := locking.ParseExpiryPolicy(raw)
		if err != nil || got != want {
			t.Fatalf("ParseExpiryPolicy(%q): expected %q, got %q (%v)", raw, want, got, err)
		}
	}
	if _, err := locking.ParseExpiryPolicy("linger"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestMetricsTrackHolders(t *testing.T) {
	t.Parallel()

	metrics := locking.NewMetrics(nil)
	rw, err := locking.NewGreedyReadWriteLocker(locking.GreedyConfig{
		Locker:   locking.NewMemoryLocker(),
		Counters: keyvalue.NewMemory[string, int64](),
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatalf("new greedy locker: %v", err)
	}
	_ = rw.WithWriteLock(context.Background(), resource.ID("/m"), func(context.Context) error {
		if _, write := metrics.Holders(); write != 1 {
			t.Fatalf("expected one write holder, got %d", write)
		}
		return nil
	})
	if read, write := metrics.Holders(); read != 0 || write != 0 {
		t.Fatalf("expected no holders, got read=%d write=%d", read, write)
	}
}

func waitForTimers(t *testing.T, clk *clock.Manual, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for clk.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d pending timers, got %d", n, clk.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for goroutines")
	}
}
