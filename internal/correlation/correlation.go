// Package correlation tags a chain of store calls with one operation
// identifier so storage spans and log lines of the same request can be
// joined.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
	"pkt.systems/pslog"
)

// MaxIDLength bounds identifiers accepted from callers.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// Ensure returns ctx unchanged when it already carries an id, otherwise a
// child context with a freshly generated one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return context.WithValue(ctx, contextKey{}, id), id
}

// ID returns the identifier carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Logger decorates logger with the identifier of ctx, if any.
func Logger(ctx context.Context, logger pslog.Logger) pslog.Logger {
	if id := ID(ctx); id != "" {
		return logger.With("cid", id)
	}
	return logger
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new sortable identifier.
func Generate() string {
	return xid.New().String()
}
