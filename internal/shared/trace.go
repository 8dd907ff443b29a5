package shared

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	traceKey ctxKey = iota
	taskKey
	connKey
)

func withString(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func stringValue(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withString(ctx, traceKey, traceID)
}

// TraceID returns the request's trace id, or "-" when none is attached.
func TraceID(ctx context.Context) string {
	if v := stringValue(ctx, traceKey); v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string { return uuid.NewString() }

// EnsureTraceID keeps an existing trace id, otherwise attaches candidate, or
// a fresh id when candidate is empty.
func EnsureTraceID(ctx context.Context, candidate string) (context.Context, string) {
	if v := stringValue(ctx, traceKey); v != "" {
		return ctx, v
	}
	if candidate == "" {
		candidate = NewTraceID()
	}
	return WithTraceID(ctx, candidate), candidate
}

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return withString(ctx, taskKey, taskID)
}

// TaskID is "" outside task processing.
func TaskID(ctx context.Context) string { return stringValue(ctx, taskKey) }

func WithConnID(ctx context.Context, connID string) context.Context {
	return withString(ctx, connKey, connID)
}

// ConnID is the websocket connection a command arrived on, "" for REST.
func ConnID(ctx context.Context) string { return stringValue(ctx, connKey) }
