package protocol

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/nmxmxh/uploadcore/internal/session"
)

// Abort implements spec §4.C.4: idempotent transition to aborted. The
// session's blob-store object is deleted inline; a failed delete is logged
// and does not fail the request.
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uploadID := r.PathValue("uploadID")

	s, err := h.Sessions.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusInternalServerError, ErrCodeStoreUnavailable, "failed to load session", codes.Internal, err))
		return
	}

	if !s.State.IsTerminal() {
		ok, err := h.Sessions.CompareAndSetState(ctx, uploadID, s.State, session.StateAborted, time.Now())
		if err != nil {
			writeAPIError(w, newAPIError(ctx, h.Log, http.StatusInternalServerError, ErrCodeStoreUnavailable, "failed to abort session", codes.Internal, err))
			return
		}
		if !ok {
			// A concurrent request already moved the session past s.State;
			// abort is idempotent either way, so this is not client-visible.
			h.Log.Debug("abort: compare-and-set to aborted did not apply", zap.String("upload_id", uploadID))
		}
		if err := h.Blobs.Delete(ctx, uploadID); err != nil {
			h.Log.Warn("abort: failed to delete blob object", zap.String("upload_id", uploadID), zap.Error(err))
		}
		h.emit(ctx, "session.aborted", uploadID, nil)
	}

	w.WriteHeader(http.StatusNoContent)
}
