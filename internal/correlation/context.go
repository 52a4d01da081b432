// Package correlation carries the id that joins all log lines produced on
// behalf of one logical request. Propagation is explicit: callers thread a
// context.Context through the logging API; nothing here intercepts calls.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// Generate returns a new globally-unique correlation id.
func Generate() string {
	return uuid.NewString()
}

// WithID returns a child context carrying the given correlation id.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation id active on ctx, or "" when none is.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// EnsureID returns ctx unchanged when it already carries an id, otherwise a
// child context with a freshly generated one.
func EnsureID(ctx context.Context) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return WithID(ctx, id), id
}
