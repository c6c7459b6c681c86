package observability

import (
	"context"
	"log/slog"
)

// Audit logs a pairing lifecycle event. Callers must not pass tokens, passwords or device codes.
func Audit(ctx context.Context, event string, attrs ...any) {
	base := []any{"event", event}
	if id := RequestIDFromContext(ctx); id != "" {
		base = append(base, "request_id", id)
	}
	base = append(base, attrs...)
	slog.InfoContext(ctx, "audit", base...)
}

type requestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
