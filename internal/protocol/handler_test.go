package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/uploadcore/internal/blobstore"
	"github.com/nmxmxh/uploadcore/internal/config"
	"github.com/nmxmxh/uploadcore/internal/metadata"
	"github.com/nmxmxh/uploadcore/internal/pipeline"
	"github.com/nmxmxh/uploadcore/internal/session"
)

// fakeQueue is a Queue that records enqueued jobs instead of touching Redis.
type fakeQueue struct {
	enqueued []pipeline.Job
}

func (f *fakeQueue) Enqueue(_ context.Context, job pipeline.Job) error {
	f.enqueued = append(f.enqueued, job)
	return nil
}
func (f *fakeQueue) Lease(context.Context, time.Duration) (*pipeline.LeasedJob, error) {
	return nil, nil
}
func (f *fakeQueue) Ack(context.Context, *pipeline.LeasedJob) error { return nil }
func (f *fakeQueue) Nack(context.Context, *pipeline.LeasedJob, time.Duration) error {
	return nil
}

func newTestHandler(t *testing.T) *Handler {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Default()
	return NewHandler(
		session.NewMemoryRepository(),
		blobstore.NewMemoryStore(),
		&fakeQueue{},
		metadata.NoopClient{},
		client,
		cfg,
		zap.NewNop(),
		nil,
		"/v1/uploads",
	)
}

func withOwner(r *http.Request, ownerID string) *http.Request {
	return r.WithContext(WithOwnerID(r.Context(), ownerID))
}

func decodeInto(body *bytes.Buffer, v interface{}) error {
	return json.NewDecoder(body).Decode(v)
}

func TestCreateIsIdempotentUnderSameKey(t *testing.T) {
	h := newTestHandler(t)

	body := `{"filename":"movie.mp4","size":1024,"mimeType":"video/mp4","lastModified":"2026-01-01T00:00:00Z"}`
	req := withOwner(httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader(body)), "owner-1")
	req.Header.Set("Idempotency-Key", "idem-1")
	rec := httptest.NewRecorder()
	h.Create(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var first createResponse
	require.NoError(t, decodeInto(rec.Body, &first))

	req2 := withOwner(httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader(body)), "owner-1")
	req2.Header.Set("Idempotency-Key", "idem-1")
	rec2 := httptest.NewRecorder()
	h.Create(rec2, req2)
	require.Equal(t, http.StatusCreated, rec2.Code)
	var second createResponse
	require.NoError(t, decodeInto(rec2.Body, &second))
	assert.Equal(t, first.UploadID, second.UploadID)
}

func TestCreateRejectsReusedKeyWithDifferentFile(t *testing.T) {
	h := newTestHandler(t)

	body1 := `{"filename":"movie.mp4","size":1024,"mimeType":"video/mp4","lastModified":"2026-01-01T00:00:00Z"}`
	req := withOwner(httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader(body1)), "owner-1")
	req.Header.Set("Idempotency-Key", "idem-conflict")
	rec := httptest.NewRecorder()
	h.Create(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	body2 := `{"filename":"other.mp4","size":2048,"mimeType":"video/mp4","lastModified":"2026-01-02T00:00:00Z"}`
	req2 := withOwner(httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader(body2)), "owner-1")
	req2.Header.Set("Idempotency-Key", "idem-conflict")
	rec2 := httptest.NewRecorder()
	h.Create(rec2, req2)
	assert.Equal(t, http.StatusConflict, rec2.Code)
}

func TestCreateRejectsMissingIdempotencyKey(t *testing.T) {
	h := newTestHandler(t)

	body := `{"filename":"movie.mp4","size":1024,"mimeType":"video/mp4"}`
	req := withOwner(httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader(body)), "owner-1")
	rec := httptest.NewRecorder()
	h.Create(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRejectsOversizedFile(t *testing.T) {
	h := newTestHandler(t)
	h.Cfg.MaxFileSizeBytes = 100

	body := `{"filename":"movie.mp4","size":1024,"mimeType":"video/mp4"}`
	req := withOwner(httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader(body)), "owner-1")
	req.Header.Set("Idempotency-Key", "idem-2")
	rec := httptest.NewRecorder()
	h.Create(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCreateRejectsUnsupportedMimeType(t *testing.T) {
	h := newTestHandler(t)

	body := `{"filename":"movie.exe","size":1024,"mimeType":"application/x-msdownload"}`
	req := withOwner(httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader(body)), "owner-1")
	req.Header.Set("Idempotency-Key", "idem-3")
	rec := httptest.NewRecorder()
	h.Create(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func createSession(t *testing.T, h *Handler, size int64) string {
	body := fmt.Sprintf(`{"filename":"movie-%d.mp4","size":%d,"mimeType":"video/mp4"}`, size, size)
	req := withOwner(httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader(body)), "owner-1")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("idem-create-%d", size))
	rec := httptest.NewRecorder()
	h.Create(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createResponse
	require.NoError(t, decodeInto(rec.Body, &resp))
	return resp.UploadID
}

func TestAppendCompletesSessionOnFinalChunk(t *testing.T) {
	h := newTestHandler(t)
	uploadID := createSession(t, h, 8)

	req := httptest.NewRequest(http.MethodPut, "/v1/uploads/"+uploadID, bytes.NewReader([]byte("abcdefgh")))
	req.Header.Set("Content-Range", "bytes 0-7/8")
	req.SetPathValue("uploadID", uploadID)
	rec := httptest.NewRecorder()
	h.ProbeOrAppend(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)

	got, err := h.Sessions.Get(req.Context(), uploadID)
	require.NoError(t, err)
	assert.Equal(t, session.StateUploaded, got.State)

	fq := h.Queue.(*fakeQueue)
	require.Len(t, fq.enqueued, 1)
	assert.Equal(t, uploadID, fq.enqueued[0].UploadID)
}

func TestAppendFastForwardsReplayedChunk(t *testing.T) {
	h := newTestHandler(t)
	// Use 4-byte chunks so "bytes 0-3/8" is a full, non-final chunk.
	h.Cfg.ChunkSizeBytes = 4
	h.Cfg.MinChunkSizeBytes = 4
	h.Cfg.ChunkSizeMultiple = 4
	uploadID := createSession(t, h, 8)

	req1 := httptest.NewRequest(http.MethodPut, "/v1/uploads/"+uploadID, bytes.NewReader([]byte("abcd")))
	req1.Header.Set("Content-Range", "bytes 0-3/8")
	req1.SetPathValue("uploadID", uploadID)
	rec1 := httptest.NewRecorder()
	h.ProbeOrAppend(rec1, req1)
	require.Equal(t, http.StatusPermanentRedirect, rec1.Code)

	// Replay the same chunk: the client retried after a dropped response.
	req2 := httptest.NewRequest(http.MethodPut, "/v1/uploads/"+uploadID, bytes.NewReader([]byte("abcd")))
	req2.Header.Set("Content-Range", "bytes 0-3/8")
	req2.SetPathValue("uploadID", uploadID)
	rec2 := httptest.NewRecorder()
	h.ProbeOrAppend(rec2, req2)
	assert.Equal(t, http.StatusPermanentRedirect, rec2.Code)
	assert.Equal(t, "4", rec2.Header().Get("Upload-Offset"))
}

func TestAppendRejectsTotalThatDisagreesWithDeclaredSize(t *testing.T) {
	h := newTestHandler(t)
	uploadID := createSession(t, h, 8)

	// spec §8 scenario 4 "file swap": a client resuming with a fingerprint
	// for a different-sized file disagrees with declared_size_bytes.
	req := httptest.NewRequest(http.MethodPut, "/v1/uploads/"+uploadID, bytes.NewReader([]byte("abcd")))
	req.Header.Set("Content-Range", "bytes 0-3/9")
	req.SetPathValue("uploadID", uploadID)
	rec := httptest.NewRecorder()
	h.ProbeOrAppend(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, decodeInto(rec.Body, &body))
	assert.Equal(t, ErrCodeFingerprintMismatch, body["code"])
}

func TestAppendRejectsOutOfOrderChunk(t *testing.T) {
	h := newTestHandler(t)
	uploadID := createSession(t, h, 8)

	req := httptest.NewRequest(http.MethodPut, "/v1/uploads/"+uploadID, bytes.NewReader([]byte("efgh")))
	req.Header.Set("Content-Range", "bytes 4-7/8")
	req.SetPathValue("uploadID", uploadID)
	rec := httptest.NewRecorder()
	h.ProbeOrAppend(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAppendRejectsWriteToNonOpenSession(t *testing.T) {
	h := newTestHandler(t)
	uploadID := createSession(t, h, 4)

	req := httptest.NewRequest(http.MethodPut, "/v1/uploads/"+uploadID, bytes.NewReader([]byte("abcd")))
	req.Header.Set("Content-Range", "bytes 0-3/4")
	req.SetPathValue("uploadID", uploadID)
	rec := httptest.NewRecorder()
	h.ProbeOrAppend(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req2 := httptest.NewRequest(http.MethodPut, "/v1/uploads/"+uploadID, bytes.NewReader([]byte("abcd")))
	req2.Header.Set("Content-Range", "bytes 0-3/4")
	req2.SetPathValue("uploadID", uploadID)
	rec2 := httptest.NewRecorder()
	h.ProbeOrAppend(rec2, req2)
	assert.Equal(t, http.StatusGone, rec2.Code)
}

func TestProbeReturnsOffsetBeforeCompletion(t *testing.T) {
	h := newTestHandler(t)
	uploadID := createSession(t, h, 8)

	req := httptest.NewRequest(http.MethodPut, "/v1/uploads/"+uploadID, nil)
	req.Header.Set("Content-Range", "bytes */*")
	req.SetPathValue("uploadID", uploadID)
	rec := httptest.NewRecorder()
	h.ProbeOrAppend(rec, req)
	assert.Equal(t, http.StatusPermanentRedirect, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("Upload-Offset"))
}

func TestProbeReportsCompleteAfterFinalChunk(t *testing.T) {
	h := newTestHandler(t)
	uploadID := createSession(t, h, 4)

	req := httptest.NewRequest(http.MethodPut, "/v1/uploads/"+uploadID, bytes.NewReader([]byte("abcd")))
	req.Header.Set("Content-Range", "bytes 0-3/4")
	req.SetPathValue("uploadID", uploadID)
	rec := httptest.NewRecorder()
	h.ProbeOrAppend(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	probeReq := httptest.NewRequest(http.MethodPut, "/v1/uploads/"+uploadID, nil)
	probeReq.Header.Set("Content-Range", "bytes */*")
	probeReq.SetPathValue("uploadID", uploadID)
	probeRec := httptest.NewRecorder()
	h.ProbeOrAppend(probeRec, probeReq)
	assert.Equal(t, http.StatusCreated, probeRec.Code)
}

func TestAbortIsIdempotent(t *testing.T) {
	h := newTestHandler(t)
	uploadID := createSession(t, h, 8)

	req := httptest.NewRequest(http.MethodDelete, "/v1/uploads/"+uploadID, nil)
	req.SetPathValue("uploadID", uploadID)
	rec := httptest.NewRecorder()
	h.Abort(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req2 := httptest.NewRequest(http.MethodDelete, "/v1/uploads/"+uploadID, nil)
	req2.SetPathValue("uploadID", uploadID)
	rec2 := httptest.NewRecorder()
	h.Abort(rec2, req2)
	assert.Equal(t, http.StatusNoContent, rec2.Code)

	s, err := h.Sessions.Get(req.Context(), uploadID)
	require.NoError(t, err)
	assert.Equal(t, session.StateAborted, s.State)
}

func TestAbortOfUnknownSessionIsNoContent(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodDelete, "/v1/uploads/up_nonexistent", nil)
	req.SetPathValue("uploadID", "up_nonexistent")
	rec := httptest.NewRecorder()
	h.Abort(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestStatusReportsProgressAndState(t *testing.T) {
	h := newTestHandler(t)
	uploadID := createSession(t, h, 8)

	req := httptest.NewRequest(http.MethodGet, "/v1/uploads/"+uploadID+"/status", nil)
	req.SetPathValue("uploadID", uploadID)
	rec := httptest.NewRecorder()
	h.Status(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, decodeInto(rec.Body, &resp))
	assert.Equal(t, "open", resp.Status)
	assert.Equal(t, int64(0), resp.BytesReceived)
	assert.Equal(t, int64(8), resp.TotalBytes)
}

func TestStatusOfUnknownSessionIsNotFound(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/uploads/up_nonexistent/status", nil)
	req.SetPathValue("uploadID", "up_nonexistent")
	rec := httptest.NewRecorder()
	h.Status(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateDraftRequiresExistingDraft(t *testing.T) {
	h := newTestHandler(t)
	uploadID := createSession(t, h, 8)

	req := httptest.NewRequest(http.MethodPut, "/v1/uploads/"+uploadID+"/draft", strings.NewReader(`{"title":"new title"}`))
	req.SetPathValue("uploadID", uploadID)
	rec := httptest.NewRecorder()
	h.UpdateDraft(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
