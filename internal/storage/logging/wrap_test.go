package logging_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/podstore/internal/correlation"
	"pkt.systems/podstore/internal/storage"
	"pkt.systems/podstore/internal/storage/logging"
	"pkt.systems/podstore/internal/storage/memory"
	"pkt.systems/podstore/resource"
)

func TestWrapLogsOperations(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.TraceLevel})
	acc := logging.Wrap(memory.New(), logger, "test")
	ctx := context.Background()
	if err := acc.WriteContainer(ctx, resource.ID("/"), resource.NewMetadata(resource.ID("/"))); err != nil {
		t.Fatalf("write root: %v", err)
	}
	if _, err := acc.GetMetadata(ctx, resource.ID("/missing")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found to pass through, got %v", err)
	}
	for range acc.GetChildren(ctx, resource.ID("/")) {
	}
	out := buf.String()
	for _, event := range []string{"storage.write_container.begin", "storage.write_container.success", "storage.get_metadata.error", "storage.get_children.success"} {
		if !strings.Contains(out, event) {
			t.Fatalf("expected %s in log output:\n%s", event, out)
		}
	}
}

func TestWrapLogsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.TraceLevel})
	acc := logging.Wrap(memory.New(), logger, "test")
	ctx := correlation.With(context.Background(), "op-42")
	if err := acc.WriteContainer(ctx, resource.ID("/"), resource.NewMetadata(resource.ID("/"))); err != nil {
		t.Fatalf("write root: %v", err)
	}
	if !strings.Contains(buf.String(), "op-42") {
		t.Fatalf("expected correlation id in log output:\n%s", buf.String())
	}
}
