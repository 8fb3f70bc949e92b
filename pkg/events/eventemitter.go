package events

import (
	"context"

	"go.uber.org/zap"
)

// EventEmitter is the fire-and-forget lifecycle event sink consumed by the
// protocol and pipeline layers (spec §6.2: "Event sink ... fire-and-forget").
// Pipeline and protocol code must never block waiting on delivery.
type EventEmitter interface {
	EmitEventWithLogging(ctx context.Context, emitter interface{}, log *zap.Logger, eventType, eventID string, meta map[string]interface{}) (string, bool)
	EmitRawEventWithLogging(ctx context.Context, log *zap.Logger, eventType, eventID string, payload []byte) (string, bool)
}
