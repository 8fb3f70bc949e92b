// Package protocol implements the resumable session HTTP protocol (spec
// Component C): create, probe, append, abort, status, and draft-update,
// each translating one wire request into session-store and blob-store
// operations; append runs under the per-upload lock.
package protocol

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nmxmxh/uploadcore/internal/blobstore"
	"github.com/nmxmxh/uploadcore/internal/config"
	"github.com/nmxmxh/uploadcore/internal/metadata"
	"github.com/nmxmxh/uploadcore/internal/pipeline"
	"github.com/nmxmxh/uploadcore/internal/session"
	"github.com/nmxmxh/uploadcore/pkg/events"
)

// lockTTL bounds how long a per-upload lock may be held before it is
// assumed abandoned; lockWait bounds how long a handler waits to acquire
// it before failing the request as retryable (spec §5 "per-session lock
// bounds the time").
const (
	lockTTL  = 5 * time.Minute
	lockWait = 10 * time.Second
)

// Handler implements the resumable session protocol's HTTP endpoints.
type Handler struct {
	Sessions session.Repository
	Blobs    blobstore.Store
	Queue    pipeline.Queue
	Drafts   metadata.Client
	Redis    *redis.Client
	Cfg      *config.Config
	Log      *zap.Logger
	Events   events.EventEmitter

	// BasePath is the implementation-chosen root the wire protocol is
	// rooted at (spec §6.1), e.g. "/v1/uploads".
	BasePath string
}

// NewHandler wires the protocol layer's collaborators (spec §6.2).
func NewHandler(sessions session.Repository, blobs blobstore.Store, queue pipeline.Queue, drafts metadata.Client, redisClient *redis.Client, cfg *config.Config, log *zap.Logger, emitter events.EventEmitter, basePath string) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if drafts == nil {
		drafts = metadata.NoopClient{}
	}
	return &Handler{
		Sessions: sessions,
		Blobs:    blobs,
		Queue:    queue,
		Drafts:   drafts,
		Redis:    redisClient,
		Cfg:      cfg,
		Log:      log,
		Events:   emitter,
		BasePath: basePath,
	}
}

func (h *Handler) sessionURL(uploadID string) string {
	return h.BasePath + "/" + uploadID
}

// Routes registers every endpoint in spec §6.1 on mux, using Go's
// method-and-wildcard ServeMux patterns.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+h.BasePath, h.Create)
	mux.HandleFunc("PUT "+h.BasePath+"/{uploadID}", h.ProbeOrAppend)
	mux.HandleFunc("DELETE "+h.BasePath+"/{uploadID}", h.Abort)
	mux.HandleFunc("GET "+h.BasePath+"/{uploadID}/status", h.Status)
	mux.HandleFunc("PUT "+h.BasePath+"/{uploadID}/draft", h.UpdateDraft)
}

func (h *Handler) emit(ctx context.Context, eventType, uploadID string, payload map[string]interface{}) {
	if h.Events == nil {
		return
	}
	h.Events.EmitEventWithLogging(ctx, nil, h.Log, eventType, uploadID, payload)
}
