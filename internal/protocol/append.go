package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/nmxmxh/uploadcore/internal/blobstore"
	"github.com/nmxmxh/uploadcore/internal/locks"
	"github.com/nmxmxh/uploadcore/internal/pipeline"
	"github.com/nmxmxh/uploadcore/internal/session"
)

var probeRangePattern = regexp.MustCompile(`^bytes \*/\*$`)
var appendRangePattern = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+)$`)

type completeResponse struct {
	UploadID string `json:"uploadId"`
	Size     int64  `json:"size"`
	DraftID  string `json:"draftId,omitempty"`
}

// ProbeOrAppend dispatches a PUT against a session URL to Probe (spec
// §4.C.2) or Append (spec §4.C.3) based on the Content-Range header.
func (h *Handler) ProbeOrAppend(w http.ResponseWriter, r *http.Request) {
	contentRange := r.Header.Get("Content-Range")
	if probeRangePattern.MatchString(contentRange) {
		h.probe(w, r)
		return
	}
	h.append(w, r)
}

func (h *Handler) probe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uploadID := r.PathValue("uploadID")

	s, err := h.Sessions.Get(ctx, uploadID)
	if err != nil {
		writeAPIError(w, sessionLookupError(ctx, h.Log, err))
		return
	}
	if s.IsComplete() {
		writeJSON(w, http.StatusCreated, completeResponse{UploadID: s.UploadID, Size: s.ReceivedBytes, DraftID: s.DraftID})
		return
	}
	w.Header().Set("Upload-Offset", strconv.FormatInt(s.ReceivedBytes, 10))
	if s.ReceivedBytes > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", s.ReceivedBytes-1))
	}
	w.WriteHeader(http.StatusPermanentRedirect)
}

func (h *Handler) append(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uploadID := r.PathValue("uploadID")

	contentRange := r.Header.Get("Content-Range")
	m := appendRangePattern.FindStringSubmatch(contentRange)
	if m == nil {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusBadRequest, ErrCodeValidation, "malformed Content-Range", codes.InvalidArgument, nil))
		return
	}
	start, _ := strconv.ParseInt(m[1], 10, 64)
	end, _ := strconv.ParseInt(m[2], 10, 64)
	total, _ := strconv.ParseInt(m[3], 10, 64)
	if end < start {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusBadRequest, ErrCodeValidation, "end precedes start", codes.InvalidArgument, nil))
		return
	}
	length := end - start + 1

	s, err := h.Sessions.Get(ctx, uploadID)
	if err != nil {
		writeAPIError(w, sessionLookupError(ctx, h.Log, err))
		return
	}
	if s.State != session.StateOpen {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusGone, ErrCodeStateConflict, "session is not open", codes.FailedPrecondition, nil))
		return
	}
	if total != s.DeclaredSizeBytes {
		// A total that disagrees with the size recorded at create time means
		// the client is resuming against a different file than the one this
		// upload_id was opened for (spec §8 scenario 4 "file swap"); this is
		// the one fingerprint component the append wire format carries, so
		// it is the only one checked here.
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusBadRequest, ErrCodeFingerprintMismatch, "total does not match declared size", codes.InvalidArgument, nil))
		return
	}
	if length > s.ChunkSizeBytes {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusBadRequest, ErrCodeValidation, "chunk exceeds chunk_size_bytes", codes.InvalidArgument, nil))
		return
	}
	isLastChunk := end+1 == total
	if !isLastChunk && length != s.ChunkSizeBytes {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusBadRequest, ErrCodeValidation, "only the last chunk may be shorter than chunk_size_bytes", codes.InvalidArgument, nil))
		return
	}

	lock, err := locks.Acquire(ctx, h.Redis, locks.UploadKey(uploadID), lockTTL, lockWait)
	if err != nil {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "could not acquire session lock", codes.Unavailable, err))
		return
	}
	defer func() {
		if relErr := lock.Release(ctx); relErr != nil && !errors.Is(relErr, locks.ErrNotHeld) {
			h.Log.Warn("failed to release session lock", zap.String("upload_id", uploadID), zap.Error(relErr))
		}
	}()

	// Re-read under the lock: another request may have advanced
	// received_bytes between the unlocked Get above and acquiring it.
	s, err = h.Sessions.Get(ctx, uploadID)
	if err != nil {
		writeAPIError(w, sessionLookupError(ctx, h.Log, err))
		return
	}

	if start < s.ReceivedBytes {
		// Already-received range: idempotent replay, fast-forward the client.
		w.Header().Set("Upload-Offset", strconv.FormatInt(s.ReceivedBytes, 10))
		w.WriteHeader(http.StatusPermanentRedirect)
		return
	}
	if start > s.ReceivedBytes {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusConflict, ErrCodeRangeMismatch, "chunk is out of order", codes.Aborted, nil).withOffset(s.ReceivedBytes))
		return
	}

	newOffset, err := h.Blobs.Append(ctx, uploadID, start, r.Body, length)
	if err != nil {
		if errors.Is(err, blobstore.ErrOffsetMismatch) {
			writeAPIError(w, newAPIError(ctx, h.Log, http.StatusConflict, ErrCodeRangeMismatch, "blob store offset mismatch", codes.Aborted, err).withOffset(newOffset))
			return
		}
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "failed to append chunk", codes.Unavailable, err))
		return
	}

	now := time.Now()
	nextState := session.StateOpen
	if newOffset == s.DeclaredSizeBytes {
		nextState = session.StateUploaded
	}
	updated, err := h.Sessions.UpdateProgress(ctx, uploadID, s.ReceivedBytes, newOffset, nextState, now)
	if err != nil {
		writeAPIError(w, newAPIError(ctx, h.Log, http.StatusInternalServerError, ErrCodeStoreUnavailable, "failed to persist progress", codes.Internal, err))
		return
	}

	if nextState == session.StateUploaded {
		if finalizer, ok := h.Blobs.(blobstore.Finalizer); ok {
			if err := finalizer.Finalize(ctx, uploadID); err != nil {
				writeAPIError(w, newAPIError(ctx, h.Log, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "failed to finalize upload", codes.Unavailable, err))
				return
			}
		}
		if err := h.Queue.Enqueue(ctx, pipeline.Job{UploadID: uploadID, Attempt: 0, EarliestRunAt: now}); err != nil {
			h.Log.Error("failed to enqueue pipeline job", zap.String("upload_id", uploadID), zap.Error(err))
		}
		h.emit(ctx, "session.uploaded", uploadID, map[string]interface{}{"size": updated.ReceivedBytes})
		writeJSON(w, http.StatusCreated, completeResponse{UploadID: updated.UploadID, Size: updated.ReceivedBytes, DraftID: updated.DraftID})
		return
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(updated.ReceivedBytes, 10))
	w.WriteHeader(http.StatusPermanentRedirect)
}

func (e *apiError) withOffset(offset int64) *apiError {
	e.message = fmt.Sprintf("%s (current offset %d)", e.message, offset)
	return e
}

func sessionLookupError(ctx context.Context, log *zap.Logger, err error) *apiError {
	if errors.Is(err, session.ErrNotFound) {
		return newAPIError(ctx, log, http.StatusNotFound, "not_found", "session not found", codes.NotFound, err)
	}
	return newAPIError(ctx, log, http.StatusInternalServerError, ErrCodeStoreUnavailable, "failed to load session", codes.Internal, err)
}
