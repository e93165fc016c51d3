package locking

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// Metrics records lock acquisitions, expiries and holders. A nil *Metrics
// records nothing.
type Metrics struct {
	acquireCount    metric.Int64Counter
	acquireDuration metric.Int64Histogram
	expiryCount     metric.Int64Counter
	holdersGauge    metric.Int64ObservableGauge
	readHolders     atomic.Int64
	writeHolders    atomic.Int64
}

// NewMetrics registers the lock instruments on the global meter provider.
func NewMetrics(logger pslog.Logger) *Metrics {
	meter := otel.Meter("pkt.systems/podstore/lock")
	m := &Metrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"podstore.lock.acquire",
		metric.WithDescription("Lock acquisitions"),
	)
	logMetricInitError(logger, "podstore.lock.acquire", err)

	m.acquireDuration, err = meter.Int64Histogram(
		"podstore.lock.acquire.duration_ms",
		metric.WithDescription("Time spent waiting for a lock"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "podstore.lock.acquire.duration_ms", err)

	m.expiryCount, err = meter.Int64Counter(
		"podstore.lock.expired",
		metric.WithDescription("Lock leases that expired before the callback returned"),
	)
	logMetricInitError(logger, "podstore.lock.expired", err)

	m.holdersGauge, err = meter.Int64ObservableGauge(
		"podstore.lock.holders",
		metric.WithDescription("Callbacks currently holding a lock (best-effort)"),
	)
	logMetricInitError(logger, "podstore.lock.holders", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		m.observeHolders(o)
		return nil
	}, m.holdersGauge); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "podstore.lock.holders", "error", err)
	}
	return m
}

// Holders returns the current read and write holder counts.
func (m *Metrics) Holders() (read, write int64) {
	if m == nil {
		return 0, 0
	}
	return m.readHolders.Load(), m.writeHolders.Load()
}

func (m *Metrics) observeHolders(o metric.Observer) {
	if m == nil || m.holdersGauge == nil {
		return
	}
	o.ObserveInt64(m.holdersGauge, m.readHolders.Load(), metric.WithAttributes(attribute.String("podstore.lock.mode", "read")))
	o.ObserveInt64(m.holdersGauge, m.writeHolders.Load(), metric.WithAttributes(attribute.String("podstore.lock.mode", "write")))
}

func (m *Metrics) addHolder(mode string, delta int64) {
	if m == nil {
		return
	}
	if mode == "write" {
		m.writeHolders.Add(delta)
		return
	}
	m.readHolders.Add(delta)
}

func (m *Metrics) recordAcquire(ctx context.Context, mode string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("podstore.lock.mode", mode),
		attribute.String("podstore.lock.result", metricResultLabel(err)),
	}
	if m.acquireCount != nil {
		m.acquireCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.acquireDuration != nil {
		m.acquireDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs...))
	}
}

func (m *Metrics) recordExpiry(ctx context.Context, mode string, policy ExpiryPolicy) {
	if m == nil || m.expiryCount == nil {
		return
	}
	m.expiryCount.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("podstore.lock.mode", mode),
		attribute.String("podstore.lock.expiry_policy", string(policy)),
	))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
