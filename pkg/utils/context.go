package utils

import (
	"context"

	"github.com/nmxmxh/uploadcore/pkg/contextx"
)

// GetContextFields extracts the request/trace/upload identifiers carried on
// ctx into a flat map suitable for structured log fields or error context.
func GetContextFields(ctx context.Context) map[string]interface{} {
	fields := make(map[string]interface{})
	if id := contextx.RequestID(ctx); id != "" {
		fields["request_id"] = id
	}
	if id := contextx.TraceID(ctx); id != "" {
		fields["trace_id"] = id
	}
	if id := contextx.UploadID(ctx); id != "" {
		fields["upload_id"] = id
	}
	return fields
}

// GetStringFromContext returns a named string field previously attached via
// GetContextFields' sources, or "" if absent.
func GetStringFromContext(ctx context.Context, key string) string {
	switch key {
	case "request_id":
		return contextx.RequestID(ctx)
	case "trace_id":
		return contextx.TraceID(ctx)
	case "upload_id":
		return contextx.UploadID(ctx)
	default:
		return ""
	}
}
