// Package logging decorates a storage.Accessor with trace/debug logging and
// one OpenTelemetry span per call.
package logging

import (
	"context"
	"io"
	"iter"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/podstore/internal/correlation"
	"pkt.systems/podstore/internal/storage"
	"pkt.systems/podstore/resource"
)

type accessor struct {
	inner  storage.Accessor
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging.
func Wrap(inner storage.Accessor, logger pslog.Logger, sys string) storage.Accessor {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &accessor{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/podstore/storage"),
		sys:    sys,
	}
}

func (a *accessor) start(ctx context.Context, op string, id resource.Identifier) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := a.tracer.Start(ctx, "podstore.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("podstore.storage.operation", op),
		attribute.String("podstore.storage.id", id.Path),
		attribute.String("podstore.sys", a.sys),
	)
	if cid := correlation.ID(ctx); cid != "" {
		span.SetAttributes(attribute.String("podstore.correlation_id", cid))
	}
	logger := a.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	logger = correlation.Logger(ctx, logger).With("id", id.Path)
	logger.Trace("storage." + op + ".begin")
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "error", err, "elapsed", elapsed)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Debug("storage."+op+".success", "elapsed", elapsed)
		}
		span.SetAttributes(attribute.Int64("podstore.storage.duration_ms", elapsed.Milliseconds()))
	}
}

func (a *accessor) CanHandle(rep *resource.Representation) error {
	return a.inner.CanHandle(rep)
}

func (a *accessor) GetData(ctx context.Context, id resource.Identifier) (io.ReadCloser, error) {
	ctx, span, _, finish := a.start(ctx, "get_data", id)
	defer span.End()
	rc, err := a.inner.GetData(ctx, id)
	finish(err)
	return rc, err
}

func (a *accessor) GetMetadata(ctx context.Context, id resource.Identifier) (*resource.Metadata, error) {
	ctx, span, _, finish := a.start(ctx, "get_metadata", id)
	defer span.End()
	meta, err := a.inner.GetMetadata(ctx, id)
	if meta != nil {
		span.SetAttributes(attribute.Int("podstore.storage.quads", meta.Len()))
	}
	finish(err)
	return meta, err
}

func (a *accessor) GetChildren(ctx context.Context, id resource.Identifier) iter.Seq2[*resource.Metadata, error] {
	return func(yield func(*resource.Metadata, error) bool) {
		ctx, span, _, finish := a.start(ctx, "get_children", id)
		defer span.End()
		count := 0
		var failure error
		for child, err := range a.inner.GetChildren(ctx, id) {
			if err != nil {
				failure = err
			} else {
				count++
			}
			if !yield(child, err) || err != nil {
				break
			}
		}
		span.SetAttributes(attribute.Int("podstore.storage.children", count))
		finish(failure)
	}
}

func (a *accessor) WriteDocument(ctx context.Context, id resource.Identifier, data io.Reader, metadata *resource.Metadata) error {
	ctx, span, logger, finish := a.start(ctx, "write_document", id)
	defer span.End()
	if metadata != nil {
		logger.Trace("storage.write_document.metadata", "content_type", metadata.ContentType(), "quads", metadata.Len())
	}
	err := a.inner.WriteDocument(ctx, id, data, metadata)
	finish(err)
	return err
}

func (a *accessor) WriteContainer(ctx context.Context, id resource.Identifier, metadata *resource.Metadata) error {
	ctx, span, _, finish := a.start(ctx, "write_container", id)
	defer span.End()
	err := a.inner.WriteContainer(ctx, id, metadata)
	finish(err)
	return err
}

func (a *accessor) DeleteResource(ctx context.Context, id resource.Identifier) error {
	ctx, span, _, finish := a.start(ctx, "delete_resource", id)
	defer span.End()
	err := a.inner.DeleteResource(ctx, id)
	finish(err)
	return err
}
