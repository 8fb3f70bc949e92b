package protocol

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/nmxmxh/uploadcore/internal/metadata"
	"github.com/nmxmxh/uploadcore/internal/session"
)

type statusResponse struct {
	Status               string  `json:"status"`
	BytesReceived        int64   `json:"bytesReceived"`
	TotalBytes           int64   `json:"totalBytes"`
	Progress             float64 `json:"progress"`
	CID                  string  `json:"cid,omitempty"`
	PlaybackURL          string  `json:"playbackUrl,omitempty"`
	ErrorCode            string  `json:"errorCode,omitempty"`
	FirstPlayableReadyAt *int64  `json:"firstPlayableReadyAt,omitempty"`
	HDReadyAt            *int64  `json:"hdReadyAt,omitempty"`
}

// Status implements the status-polling endpoint of spec §6.1: the
// client's only channel for discovering pipeline progress and terminal
// errors (spec §7: "the client discovers them by polling status").
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uploadID := r.PathValue("uploadID")

	s, err := h.Sessions.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeAPIError(w, newAPIError(ctx, h.Log, http.StatusNotFound, "not_found", "session not found", codes.NotFound, err))
			return
		}
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusInternalServerError, ErrCodeStoreUnavailable, "failed to load session", codes.Internal, err))
		return
	}

	resp := statusResponse{
		Status:        string(s.State),
		BytesReceived: s.ReceivedBytes,
		TotalBytes:    s.DeclaredSizeBytes,
		ErrorCode:     s.ErrorCode,
	}
	if s.DeclaredSizeBytes > 0 {
		resp.Progress = float64(s.ReceivedBytes) / float64(s.DeclaredSizeBytes)
	}
	if s.Pin != nil {
		resp.CID = s.Pin.ContentAddress
	}
	if (s.State == session.StatePlayable || s.State == session.StateHDReady) && s.Pin != nil {
		resp.PlaybackURL = playbackURL(s.Pin.ContentAddress)
	}
	if s.FirstPlayableAt != nil {
		t := s.FirstPlayableAt.Unix()
		resp.FirstPlayableReadyAt = &t
	}
	if s.HDReadyAt != nil {
		t := s.HDReadyAt.Unix()
		resp.HDReadyAt = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

// playbackURL points at the pinned tree's root content address; resolving
// it to the manifest and segment bytes inside that tree is the content
// gateway collaborator's job, not the core's (spec §1 "out of scope").
func playbackURL(contentAddress string) string {
	return "/content/" + contentAddress + "/manifest.m3u8"
}

type draftPatchRequest = metadata.Patch

// UpdateDraft implements the pass-through draft endpoint of spec §6.1 and
// §6.2: the core never interprets the patch, only relays it.
func (h *Handler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uploadID := r.PathValue("uploadID")

	s, err := h.Sessions.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeAPIError(w, newAPIError(ctx, h.Log, http.StatusNotFound, "not_found", "session not found", codes.NotFound, err))
			return
		}
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusInternalServerError, ErrCodeStoreUnavailable, "failed to load session", codes.Internal, err))
		return
	}
	if s.DraftID == "" {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusNotFound, "no_draft", "session has no draft", codes.NotFound, nil))
		return
	}

	var patch draftPatchRequest
	if err := decodeJSON(r, &patch); err != nil {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusBadRequest, ErrCodeValidation, "malformed draft patch", codes.InvalidArgument, err))
		return
	}
	if err := h.Drafts.UpdateDraft(ctx, s.DraftID, patch); err != nil {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "failed to update draft", codes.Unavailable, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
