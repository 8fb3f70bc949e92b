package contextx

import (
	"context"

	"go.uber.org/zap"
)

// Key types (unexported).
type (
	loggerKeyType    struct{}
	requestIDKeyType struct{}
	traceIDKeyType   struct{}
	uploadIDKeyType  struct{}
)

var (
	loggerKey    = loggerKeyType{}
	requestIDKey = requestIDKeyType{}
	traceIDKey   = traceIDKeyType{}
	uploadIDKey  = uploadIDKeyType{}
)

// Logger helpers.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

func Logger(ctx context.Context) *zap.Logger {
	val := ctx.Value(loggerKey)
	if l, ok := val.(*zap.Logger); ok {
		return l
	}
	return nil
}

// Request ID helpers.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Trace ID helpers.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// Upload ID helpers — threaded through the resumable protocol and pipeline
// so every log line and error carries the session it concerns.
func WithUploadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, uploadIDKey, id)
}

func UploadID(ctx context.Context) string {
	id, _ := ctx.Value(uploadIDKey).(string)
	return id
}
