package protocol

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/nmxmxh/uploadcore/internal/config"
	"github.com/nmxmxh/uploadcore/internal/metadata"
	"github.com/nmxmxh/uploadcore/internal/session"
)

type createRequest struct {
	Filename     string     `json:"filename"`
	Size         int64      `json:"size"`
	MimeType     string     `json:"mimeType"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	Title        string     `json:"title,omitempty"`
	Description  string     `json:"description,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	Visibility   string     `json:"visibility,omitempty"`
	Category     string     `json:"category,omitempty"`
}

type createResponse struct {
	UploadID   string `json:"uploadId"`
	SessionURL string `json:"sessionUrl"`
	ChunkSize  int64  `json:"chunkSize"`
	DraftID    string `json:"draftId,omitempty"`
}

// Create implements spec §4.C.1: idempotent session creation.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := OwnerIDFromContext(ctx)
	if !ok {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusUnauthorized, ErrCodeValidation, "missing caller identity", codes.Unauthenticated, nil))
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusBadRequest, ErrCodeValidation, "Idempotency-Key header is required", codes.InvalidArgument, nil))
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusBadRequest, ErrCodeValidation, "malformed request body", codes.InvalidArgument, err))
		return
	}
	if req.Filename == "" || req.Size <= 0 {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusBadRequest, ErrCodeValidation, "filename and size are required", codes.InvalidArgument, nil))
		return
	}
	if req.Size > h.Cfg.MaxFileSizeBytes {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "declared size exceeds the platform limit", codes.OutOfRange, nil))
		return
	}
	if !h.Cfg.AcceptedMimeTypes[req.MimeType] {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusUnsupportedMediaType, ErrCodeUnsupportedMime, "unsupported mime type: "+req.MimeType, codes.InvalidArgument, nil))
		return
	}

	now := time.Now()
	lastModified := now
	if req.LastModified != nil {
		lastModified = *req.LastModified
	}
	fp := session.Fingerprint{Filename: req.Filename, Size: req.Size, LastModified: lastModified}
	candidate := &session.Session{
		UploadID:          "up_" + uuid.NewString(),
		OwnerID:           ownerID,
		Filename:          req.Filename,
		DeclaredMime:      req.MimeType,
		DeclaredSizeBytes: req.Size,
		ChunkSizeBytes:    config.ClampChunkSize(h.Cfg.ChunkSizeBytes, h.Cfg.MinChunkSizeBytes, h.Cfg.MaxChunkSizeBytes, h.Cfg.ChunkSizeMultiple),
		ReceivedBytes:     0,
		Fingerprint:       fp,
		IdempotencyKey:    idemKey,
		State:             session.StateOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if req.Title != "" || req.Description != "" || len(req.Tags) > 0 || req.Visibility != "" || req.Category != "" {
		draftID, err := h.Drafts.CreateDraft(ctx, ownerID, metadata.Draft{
			Title: req.Title, Description: req.Description, Tags: req.Tags,
			Visibility: req.Visibility, Category: req.Category,
		})
		if err != nil {
			h.Log.Warn("failed to create metadata draft", zap.String("upload_id", candidate.UploadID), zap.Error(err))
		} else {
			candidate.DraftID = draftID
		}
	}

	stored, err := h.Sessions.Create(ctx, candidate)
	if err != nil {
		if err == session.ErrIdempotencyConflict {
			writeAPIError(w, newAPIError(ctx, h.Log, http.StatusConflict, ErrCodeIdempotencyConflict, "idempotency key reused with a different request", codes.AlreadyExists, err))
			return
		}
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusInternalServerError, ErrCodeStoreUnavailable, "failed to create session", codes.Internal, err))
		return
	}

	h.emit(ctx, "session.created", stored.UploadID, map[string]interface{}{"owner_id": stored.OwnerID})
	writeJSON(w, http.StatusCreated, createResponse{
		UploadID:   stored.UploadID,
		SessionURL: h.sessionURL(stored.UploadID),
		ChunkSize:  stored.ChunkSizeBytes,
		DraftID:    stored.DraftID,
	})
}
