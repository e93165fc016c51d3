package correlation

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  op-1  "); !ok || got != "op-1" {
		t.Fatalf("expected trimmed id, got %q ok=%v", got, ok)
	}
	for _, bad := range []string{"", "   ", strings.Repeat("a", MaxIDLength+1), "bad\x01id"} {
		if _, ok := Normalize(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestWithAndEnsure(t *testing.T) {
	ctx := context.Background()
	if ID(ctx) != "" {
		t.Fatal("expected empty context to carry no id")
	}
	if ID(With(ctx, "")) != "" {
		t.Fatal("expected invalid id to be ignored")
	}
	ctx = With(ctx, "req-7")
	if got := ID(ctx); got != "req-7" {
		t.Fatalf("expected req-7, got %q", got)
	}
	same, id := Ensure(ctx)
	if id != "req-7" || same != ctx {
		t.Fatalf("ensure replaced existing id: %q", id)
	}
	fresh, id := Ensure(context.Background())
	if id == "" || ID(fresh) != id || len(id) > MaxIDLength {
		t.Fatalf("expected generated id, got %q", id)
	}
}

func TestLoggerAddsID(t *testing.T) {
	var buf bytes.Buffer
	base := pslog.NewStructured(context.Background(), &buf)
	Logger(With(context.Background(), "req-9"), base).Info("hello")
	if !strings.Contains(buf.String(), "req-9") {
		t.Fatalf("expected cid in log line, got %q", buf.String())
	}
}
