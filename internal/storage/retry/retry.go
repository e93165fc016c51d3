// Package retry decorates a storage.Accessor with exponential backoff for
// transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/podstore/internal/clock"
	"pkt.systems/podstore/internal/storage"
	"pkt.systems/podstore/resource"
)

// ErrNonReplayableBody reports a transient write failure whose body cannot be
// rewound for another attempt.
var ErrNonReplayableBody = errors.New("retry: body is not replayable")

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns an accessor that retries transient errors according to cfg.
// Data streams returned by GetData are not retried once opened.
func Wrap(inner storage.Accessor, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Accessor {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &accessor{
		inner:  inner,
		logger: logger,
		clock:  clock.Ensure(clk),
		cfg:    cfg,
	}
}

type accessor struct {
	inner  storage.Accessor
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (a *accessor) CanHandle(rep *resource.Representation) error {
	return a.inner.CanHandle(rep)
}

func (a *accessor) GetData(ctx context.Context, id resource.Identifier) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := a.withRetry(ctx, "get_data", id, func(ctx context.Context) error {
		var err error
		rc, err = a.inner.GetData(ctx, id)
		return err
	})
	return rc, err
}

func (a *accessor) GetMetadata(ctx context.Context, id resource.Identifier) (*resource.Metadata, error) {
	var meta *resource.Metadata
	err := a.withRetry(ctx, "get_metadata", id, func(ctx context.Context) error {
		var err error
		meta, err = a.inner.GetMetadata(ctx, id)
		return err
	})
	return meta, err
}

// GetChildren buffers the listing so a transient failure halfway can restart
// it without yielding duplicates.
func (a *accessor) GetChildren(ctx context.Context, id resource.Identifier) iter.Seq2[*resource.Metadata, error] {
	var children []*resource.Metadata
	err := a.withRetry(ctx, "get_children", id, func(ctx context.Context) error {
		children = children[:0]
		for child, err := range a.inner.GetChildren(ctx, id) {
			if err != nil {
				return err
			}
			children = append(children, child)
		}
		return nil
	})
	if err != nil {
		return storage.ErrorSeq(err)
	}
	return func(yield func(*resource.Metadata, error) bool) {
		for _, child := range children {
			if !yield(child, nil) {
				return
			}
		}
	}
}

func (a *accessor) WriteDocument(ctx context.Context, id resource.Identifier, data io.Reader, metadata *resource.Metadata) error {
	seeker, replayable := data.(io.Seeker)
	start := int64(0)
	if replayable {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			replayable = false
		} else {
			start = pos
		}
	}
	attempt := 0
	return a.withRetry(ctx, "write_document", id, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			if !replayable {
				return fmt.Errorf("%w: write_document %s", ErrNonReplayableBody, id)
			}
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return fmt.Errorf("%w: rewind: %v", ErrNonReplayableBody, err)
			}
		}
		return a.inner.WriteDocument(ctx, id, data, metadata)
	})
}

func (a *accessor) WriteContainer(ctx context.Context, id resource.Identifier, metadata *resource.Metadata) error {
	return a.withRetry(ctx, "write_container", id, func(ctx context.Context) error {
		return a.inner.WriteContainer(ctx, id, metadata)
	})
}

func (a *accessor) DeleteResource(ctx context.Context, id resource.Identifier) error {
	return a.withRetry(ctx, "delete_resource", id, func(ctx context.Context) error {
		return a.inner.DeleteResource(ctx, id)
	})
}

func (a *accessor) withRetry(ctx context.Context, op string, id resource.Identifier, fn func(context.Context) error) error {
	attempts := a.cfg.MaxAttempts
	delay := a.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		a.logger.Warn("storage transient error",
			"operation", op,
			"id", id.Path,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			a.clock.Sleep(delay)
			next := time.Duration(float64(delay) * a.cfg.Multiplier)
			if a.cfg.MaxDelay > 0 && next > a.cfg.MaxDelay {
				next = a.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
