package podstore

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"pkt.systems/podstore/internal/clock"
	"pkt.systems/podstore/internal/keyvalue"
	"pkt.systems/podstore/internal/locking"
	"pkt.systems/podstore/internal/logutil"
	"pkt.systems/podstore/internal/storage"
	"pkt.systems/podstore/internal/storage/logging"
	"pkt.systems/podstore/internal/storage/retry"
	"pkt.systems/podstore/internal/store"
	"pkt.systems/podstore/internal/strategy"
	"pkt.systems/podstore/resource"
)

// Option configures New.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	Accessor storage.Accessor
	Counters keyvalue.Storage[string, int64]
	Clock    clock.Clock
}

// WithLogger supplies a custom logger. Passing nil disables logging.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		if l == nil {
			o.Logger = pslog.NoopLogger()
			return
		}
		o.Logger = l
	}
}

// WithAccessor injects a pre-built storage accessor instead of opening
// Config.Store.
func WithAccessor(a storage.Accessor) Option {
	return func(o *options) { o.Accessor = a }
}

// WithCounters injects reader count storage instead of opening
// Config.Counters.
func WithCounters(c keyvalue.Storage[string, int64]) Option {
	return func(o *options) { o.Counters = c }
}

// WithClock injects a custom clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// Engine assembles the layered resource store described by Config: a
// storage accessor wrapped with retries and tracing, an AccessorStore
// enforcing resource semantics over it and a LockingStore in front.
type Engine struct {
	cfg       Config
	logger    pslog.Logger
	root      resource.Identifier
	accessor  storage.Accessor
	base      *store.AccessorStore
	locked    *store.LockingStore
	closers   []closeFunc
	telemetry *telemetry
}

// New builds an engine from cfg. The engine does not create the root
// container; call Init for that.
func New(ctx context.Context, cfg Config, opts ...Option) (_ *Engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logutil.EnsureLogger(o.Logger)
	clk := clock.Ensure(o.Clock)
	e := &Engine{cfg: cfg, logger: logutil.WithSubsystem(logger, "engine")}
	defer func() {
		if err != nil {
			_ = e.Close(context.WithoutCancel(ctx))
		}
	}()

	e.telemetry, err = setupTelemetry(ctx, cfg, logutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	accessor := o.Accessor
	if accessor == nil {
		accessor, err = openAccessor(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	accessor = retry.Wrap(accessor, logutil.WithSubsystem(logger, "storage.retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	e.accessor = logging.Wrap(accessor, logutil.WithSubsystem(logger, "storage.trace"), storeScheme(cfg.Store))

	counters := o.Counters
	if counters == nil {
		var closer closeFunc
		counters, closer, err = openCounters(cfg)
		if err != nil {
			return nil, fmt.Errorf("open counters: %w", err)
		}
		if closer != nil {
			e.closers = append(e.closers, closer)
		}
	}
	locker, err := openLocker(cfg, clk)
	if err != nil {
		return nil, err
	}
	lockMetrics := locking.NewMetrics(logger)
	greedy, err := locking.NewGreedyReadWriteLocker(locking.GreedyConfig{
		Locker:   locker,
		Counters: counters,
		Logger:   logger,
		Metrics:  lockMetrics,
	})
	if err != nil {
		return nil, err
	}
	expiring, err := locking.NewWrappedExpiringReadWriteLocker(locking.ExpiringConfig{
		Locker:     greedy,
		Expiration: cfg.LockExpiration,
		Policy:     locking.ExpiryPolicy(cfg.LockExpiryPolicy),
		Clock:      clk,
		Logger:     logger,
		Metrics:    lockMetrics,
	})
	if err != nil {
		return nil, err
	}

	ids := strategy.NewSingleRootIdentifierStrategy(cfg.Base)
	auxiliary := strategy.DefaultAuxiliaryStrategy()
	storeMetrics := store.NewMetrics(logger)
	e.root = ids.Root()
	e.base, err = store.NewAccessorStore(store.Config{
		Accessor:           e.accessor,
		IdentifierStrategy: ids,
		AuxiliaryStrategy:  auxiliary,
		Clock:              clk,
		Logger:             logger,
		Metrics:            storeMetrics,
	})
	if err != nil {
		return nil, err
	}
	e.locked, err = store.NewLockingStore(store.LockingConfig{
		Source:            e.base,
		Locker:            expiring,
		AuxiliaryStrategy: auxiliary,
		Logger:            logger,
		Metrics:           storeMetrics,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("engine.ready",
		"store", cfg.Store,
		"base", cfg.Base,
		"counters", cfg.Counters,
		"locker", cfg.Locker,
		"lock_expiration", cfg.LockExpiration,
		"lock_expiry_policy", cfg.LockExpiryPolicy,
	)
	return e, nil
}

// Store returns the locking resource store. All callers sharing the engine
// are serialized per resource.
func (e *Engine) Store() resource.Store { return e.locked }

// Root returns the root container identifier.
func (e *Engine) Root() resource.Identifier { return e.root }

// Config returns the validated configuration.
func (e *Engine) Config() Config { return e.cfg }

// Init creates the root container when it does not exist yet, holding the
// root's write lock. It reports whether the root was created.
func (e *Engine) Init(ctx context.Context) (bool, error) {
	created, err := e.locked.Init(ctx, e.root)
	if err != nil {
		return false, fmt.Errorf("init root %s: %w", e.root, err)
	}
	return created, nil
}

// MetricsAddr returns the bound metrics listener address, if enabled.
func (e *Engine) MetricsAddr() string {
	return e.telemetry.Addr(e.cfg.MetricsListen)
}

// Close releases the counter storage and shuts telemetry down.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	if err := e.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	e.telemetry = nil
	return errors.Join(errs...)
}

func storeScheme(raw string) string {
	for i := 0; i < len(raw); i++ {
		if raw[i] == ':' {
			return raw[:i]
		}
	}
	return "mem"
}
