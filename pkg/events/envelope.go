package events

import (
	"fmt"
	"regexp"
)

// Envelope is the plain-JSON event shape emitted to the lifecycle sink.
// It replaces the protobuf-based envelope of the surrounding platform: the
// upload core has no reason to carry a commonpb.Metadata through its event
// path, only a flat payload map.
type Envelope struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	UploadID  string                 `json:"upload_id"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp int64                  `json:"timestamp"`
}

var canonicalEventType = regexp.MustCompile(`^[a-z0-9_]+:[a-z0-9_.]+:v\d+:[a-z0-9_]+$`)

// CanonicalEventType builds a `{service}:{action}:v{version}:{state}`
// event-type string. The lifecycle events named in spec §6.2
// (session.created | session.uploaded | session.playable | session.hd_ready |
// session.failed | session.aborted) are emitted under those literal dotted
// names, not through this function.
func CanonicalEventType(service, action string, version int, state string) string {
	return fmt.Sprintf("%s:%s:v%d:%s", service, action, version, state)
}

// IsCanonicalEventType reports whether s matches the canonical event-type
// grammar, for validation at the emitter boundary.
func IsCanonicalEventType(s string) bool {
	return canonicalEventType.MatchString(s)
}
