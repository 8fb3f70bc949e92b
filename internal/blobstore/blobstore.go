// Package blobstore provides the object-store adapter the resumable
// session protocol and pipeline read and write through (spec Component A).
// It exposes append, size, and read_range on an object keyed by upload ID,
// plus delete for abort and retention cleanup.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrOffsetMismatch is returned by Append when offset does not equal the
// object's current size. It is never retryable — the caller has a stale
// view of the object and must re-probe.
var ErrOffsetMismatch = errors.New("blobstore: append offset does not match current size")

// ErrNotFound is returned when the object does not exist yet.
var ErrNotFound = errors.New("blobstore: object not found")

// Store is the object-store adapter consumed by the protocol (append during
// upload) and the pipeline (read_range during transcoding).
type Store interface {
	// Append atomically appends length bytes read from r to the object
	// keyed by uploadID, starting at offset. It fails with
	// ErrOffsetMismatch if offset does not equal the object's current
	// size. A transient store error is returned distinctly (any error
	// other than ErrOffsetMismatch) so the protocol layer can retry it;
	// a partial write on the wire must not advance the object's size.
	Append(ctx context.Context, uploadID string, offset int64, r io.Reader, length int64) (newOffset int64, err error)
	// Size returns the current number of bytes stored for uploadID, or
	// ErrNotFound if nothing has been appended yet.
	Size(ctx context.Context, uploadID string) (int64, error)
	// ReadRange returns a reader over [start, end] (inclusive) of the
	// object. The caller must Close it.
	ReadRange(ctx context.Context, uploadID string, start, end int64) (io.ReadCloser, error)
	// Delete removes the object and any staged state for uploadID
	// (used on abort and by the retention sweep).
	Delete(ctx context.Context, uploadID string) error
}

// Key returns the storage key for an upload's finalized object, shared by
// every Store implementation so pipeline stages derive paths consistently
// (spec §4.D.3: "every stage writes to paths derived solely from
// upload_id and the stage's identity").
func Key(uploadID string) string {
	return "uploads/" + uploadID + "/source"
}

// StagePath returns the path a pipeline stage writes its output to.
func StagePath(uploadID, stage string) string {
	return "uploads/" + uploadID + "/" + stage
}
