package protocol

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/nmxmxh/uploadcore/pkg/graceful"
)

// apiError carries the exact HTTP status the wire protocol (spec §6.1)
// requires, alongside the internal taxonomy code used for logging and
// retry classification. graceful.HTTPStatus's generic mapping does not
// distinguish 409 (range mismatch) from 410 (terminal state) the way this
// protocol's error taxonomy (spec §7) does, so the status travels with
// the error explicitly instead.
type apiError struct {
	status  int
	code    string
	message string
	cause   *graceful.ContextError
}

func (e *apiError) Error() string { return e.message }

func newAPIError(ctx context.Context, log *zap.Logger, status int, code, message string, grpcCode codes.Code, cause error) *apiError {
	wrapped := graceful.LogAndWrap(ctx, log, grpcCode, message, cause, zap.String("error_code", code))
	return &apiError{status: status, code: code, message: message, cause: wrapped}
}

func writeAPIError(w http.ResponseWriter, err *apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.message,
		"code":  err.code,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(dst)
}

// Error codes surfaced via the protocol's JSON error body (spec §7
// "Validation", "Idempotency conflict", "State conflict", "Range
// mismatch"). Pipeline-stage failure codes (probe_failed, transcode_failed,
// ...) live in internal/errcode, since pipeline and transcode must not
// import this package.
const (
	ErrCodeValidation          = "validation_failed"
	ErrCodeIdempotencyConflict = "idempotency_conflict"
	ErrCodeFingerprintMismatch = "fingerprint_mismatch"
	ErrCodeStateConflict       = "state_conflict"
	ErrCodeRangeMismatch       = "range_mismatch"
	ErrCodeTooLarge            = "too_large"
	ErrCodeUnsupportedMime     = "unsupported_mime"
	ErrCodeStoreUnavailable    = "store_unavailable"
)
