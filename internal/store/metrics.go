package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/podstore/resource"
)

// Metrics records store operations by name and outcome. A nil *Metrics
// records nothing.
type Metrics struct {
	opCount       metric.Int64Counter
	opDuration    metric.Int64Histogram
	streamCount   metric.Int64Counter
	streamLatency metric.Int64Histogram
}

// NewMetrics registers the store instruments on the global meter provider.
func NewMetrics(logger pslog.Logger) *Metrics {
	meter := otel.Meter("pkt.systems/podstore/store")
	m := &Metrics{}
	var err error

	m.opCount, err = meter.Int64Counter(
		"podstore.store.ops",
		metric.WithDescription("Resource store operations"),
	)
	logMetricInitError(logger, "podstore.store.ops", err)

	m.opDuration, err = meter.Int64Histogram(
		"podstore.store.op.duration_ms",
		metric.WithDescription("Resource store operation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "podstore.store.op.duration_ms", err)

	m.streamCount, err = meter.Int64Counter(
		"podstore.store.streams",
		metric.WithDescription("Representation streams served under a read lock"),
	)
	logMetricInitError(logger, "podstore.store.streams", err)

	m.streamLatency, err = meter.Int64Histogram(
		"podstore.store.stream.hold_ms",
		metric.WithDescription("Time a representation stream held its read lock"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "podstore.store.stream.hold_ms", err)
	return m
}

// track records one operation; call it deferred with the named error result.
func (m *Metrics) track(ctx context.Context, op string, start time.Time, errp *error) {
	if m == nil {
		return
	}
	var err error
	if errp != nil {
		err = *errp
	}
	attrs := metric.WithAttributes(
		attribute.String("podstore.store.op", op),
		attribute.String("podstore.store.result", resultLabel(err)),
	)
	ctx = metricContext(ctx)
	if m.opCount != nil {
		m.opCount.Add(ctx, 1, attrs)
	}
	if m.opDuration != nil {
		m.opDuration.Record(ctx, time.Since(start).Milliseconds(), attrs)
	}
}

func (m *Metrics) recordStream(ctx context.Context, held time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("podstore.store.result", resultLabel(err)))
	ctx = metricContext(ctx)
	if m.streamCount != nil {
		m.streamCount.Add(ctx, 1, attrs)
	}
	if m.streamLatency != nil {
		m.streamLatency.Record(ctx, held.Milliseconds(), attrs)
	}
}

// resultLabel is "success" or the failure kind, for example "not_found".
func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return resource.KindOf(err).String()
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
