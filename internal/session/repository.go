package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup finds no matching session.
var ErrNotFound = errors.New("session: not found")

// ErrIdempotencyConflict is returned by Create when the same
// (owner_id, idempotency_key) pair was previously used with a different
// fingerprint (spec §4.C.1, §7 "idempotency conflict").
var ErrIdempotencyConflict = errors.New("session: idempotency key reused with a different request")

// Repository persists Session records (spec Component B).
type Repository interface {
	// Create inserts a new open session, or — if (owner_id, idempotency_key)
	// already exists — returns the existing one unchanged (replay-safe).
	// Returns ErrIdempotencyConflict if the key is reused with a different
	// fingerprint or declared size/mime.
	Create(ctx context.Context, s *Session) (*Session, error)
	Get(ctx context.Context, uploadID string) (*Session, error)
	FindByIdempotencyKey(ctx context.Context, ownerID, key string) (*Session, error)
	// UpdateProgress advances ReceivedBytes and optionally State under a
	// caller-held per-session lock; it must be a no-op (return the
	// current row unchanged) if expectedReceivedBytes no longer matches,
	// so a racing writer cannot silently overwrite lost progress.
	UpdateProgress(ctx context.Context, uploadID string, expectedReceivedBytes, newReceivedBytes int64, next State, now time.Time) (*Session, error)
	// CompareAndSetState performs the compare-and-set the pipeline uses to
	// promote state without a duplicate worker double-counting (spec §4.D.3).
	CompareAndSetState(ctx context.Context, uploadID string, from, to State, now time.Time) (bool, error)
	Fail(ctx context.Context, uploadID, errorCode string, now time.Time) error
	AttachPin(ctx context.Context, uploadID string, pin PinRecord) error
	AppendWarning(ctx context.Context, uploadID string, w Warning) error
	SetDraftID(ctx context.Context, uploadID, draftID string) error
	// ListExpiredTerminal returns terminal sessions older than cutoff, for
	// the retention sweep (spec §3.2).
	ListExpiredTerminal(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error)
	Delete(ctx context.Context, uploadID string) error
}

// PostgresRepository is the Repository backed by Postgres via database/sql.
type PostgresRepository struct {
	db  *sql.DB
	log *zap.Logger
}

// NewPostgresRepository creates a new session repository instance.
func NewPostgresRepository(db *sql.DB, log *zap.Logger) *PostgresRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresRepository{db: db, log: log}
}

func scanSession(row interface{ Scan(...interface{}) error }) (*Session, error) {
	var s Session
	var fingerprintJSON, warningsJSON []byte
	var pinAddr sql.NullString
	var pinSize sql.NullInt64
	var pinVerifiedAt sql.NullTime
	var errorCode sql.NullString
	var draftID sql.NullString
	var firstPlayableAt, hdReadyAt sql.NullTime

	err := row.Scan(
		&s.UploadID, &s.OwnerID, &s.Filename, &s.DeclaredMime, &s.DeclaredSizeBytes,
		&s.ChunkSizeBytes, &s.ReceivedBytes, &fingerprintJSON, &s.IdempotencyKey,
		&s.State, &errorCode, &draftID, &pinAddr, &pinSize, &pinVerifiedAt,
		&warningsJSON, &s.CreatedAt, &s.UpdatedAt, &firstPlayableAt, &hdReadyAt,
	)
	if err != nil {
		return nil, err
	}
	if len(fingerprintJSON) > 0 {
		if err := json.Unmarshal(fingerprintJSON, &s.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fingerprint: %w", err)
		}
	}
	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &s.Warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
	}
	if errorCode.Valid {
		s.ErrorCode = errorCode.String
	}
	if draftID.Valid {
		s.DraftID = draftID.String
	}
	if pinAddr.Valid {
		s.Pin = &PinRecord{ContentAddress: pinAddr.String, Size: pinSize.Int64, VerifiedAt: pinVerifiedAt.Time}
	}
	if firstPlayableAt.Valid {
		t := firstPlayableAt.Time
		s.FirstPlayableAt = &t
	}
	if hdReadyAt.Valid {
		t := hdReadyAt.Time
		s.HDReadyAt = &t
	}
	return &s, nil
}

const sessionColumns = `upload_id, owner_id, filename, declared_mime, declared_size_bytes,
	chunk_size_bytes, received_bytes, fingerprint, idempotency_key,
	state, error_code, draft_id, pin_content_address, pin_size, pin_verified_at,
	warnings, created_at, updated_at, first_playable_at, hd_ready_at`

// Create inserts a new session, or returns the existing one if the
// idempotency key was already used with a matching fingerprint.
func (r *PostgresRepository) Create(ctx context.Context, s *Session) (*Session, error) {
	existing, err := r.FindByIdempotencyKey(ctx, s.OwnerID, s.IdempotencyKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.Fingerprint.Matches(s.Fingerprint) && existing.DeclaredSizeBytes == s.DeclaredSizeBytes && existing.DeclaredMime == s.DeclaredMime {
			return existing, nil
		}
		return nil, ErrIdempotencyConflict
	}

	fingerprintJSON, err := json.Marshal(s.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fingerprint: %w", err)
	}

	query := `
		INSERT INTO upload_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err = r.db.ExecContext(ctx, query,
		s.UploadID, s.OwnerID, s.Filename, s.DeclaredMime, s.DeclaredSizeBytes,
		s.ChunkSizeBytes, s.ReceivedBytes, fingerprintJSON, s.IdempotencyKey,
		s.State, nullString(s.ErrorCode), nullString(s.DraftID), nil, nil, nil,
		[]byte("[]"), s.CreatedAt, s.UpdatedAt, nil, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

// Get retrieves a session by upload ID.
func (r *PostgresRepository) Get(ctx context.Context, uploadID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE upload_id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, uploadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// FindByIdempotencyKey looks up a session by its (owner_id, idempotency_key) scope.
func (r *PostgresRepository) FindByIdempotencyKey(ctx context.Context, ownerID, key string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE owner_id = $1 AND idempotency_key = $2`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, ownerID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session by idempotency key: %w", err)
	}
	return s, nil
}

// UpdateProgress advances received_bytes under a compare-and-set against the
// value the caller observed before taking the per-session lock, so a racing
// writer cannot silently clobber progress (spec invariant: received_bytes
// is strictly monotonic).
func (r *PostgresRepository) UpdateProgress(ctx context.Context, uploadID string, expectedReceivedBytes, newReceivedBytes int64, next State, now time.Time) (*Session, error) {
	query := `
		UPDATE upload_sessions
		SET received_bytes = $1, state = $2, updated_at = $3
		WHERE upload_id = $4 AND received_bytes = $5
	`
	result, err := r.db.ExecContext(ctx, query, newReceivedBytes, next, now, uploadID, expectedReceivedBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to update session progress: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		r.log.Debug("session progress update lost the race or session missing",
			zap.String("upload_id", uploadID), zap.Int64("expected", expectedReceivedBytes))
	}
	return r.Get(ctx, uploadID)
}

// CompareAndSetState performs an atomic state transition guard used by the
// pipeline so a duplicate worker cannot double-count a promotion.
func (r *PostgresRepository) CompareAndSetState(ctx context.Context, uploadID string, from, to State, now time.Time) (bool, error) {
	columns := "state = $1, updated_at = $2"
	args := []interface{}{to, now}
	switch to {
	case StatePlayable:
		columns += ", first_playable_at = COALESCE(first_playable_at, $2)"
	case StateHDReady:
		columns += ", hd_ready_at = COALESCE(hd_ready_at, $2)"
	}
	args = append(args, uploadID, from)
	query := fmt.Sprintf(`UPDATE upload_sessions SET %s WHERE upload_id = $%d AND state = $%d`, columns, len(args)-1, len(args))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-set session state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// Fail moves the session to failed with the given error code.
func (r *PostgresRepository) Fail(ctx context.Context, uploadID, errorCode string, now time.Time) error {
	query := `
		UPDATE upload_sessions
		SET state = $1, error_code = $2, updated_at = $3
		WHERE upload_id = $4 AND state NOT IN ($5, $6)
	`
	_, err := r.db.ExecContext(ctx, query, StateFailed, errorCode, now, uploadID, StateFailed, StateAborted)
	if err != nil {
		return fmt.Errorf("failed to mark session failed: %w", err)
	}
	return nil
}

// AttachPin records a successful content-address pin on the session.
func (r *PostgresRepository) AttachPin(ctx context.Context, uploadID string, pin PinRecord) error {
	query := `
		UPDATE upload_sessions
		SET pin_content_address = $1, pin_size = $2, pin_verified_at = $3
		WHERE upload_id = $4
	`
	_, err := r.db.ExecContext(ctx, query, pin.ContentAddress, pin.Size, pin.VerifiedAt, uploadID)
	if err != nil {
		return fmt.Errorf("failed to attach pin record: %w", err)
	}
	return nil
}

// AppendWarning appends a non-fatal warning (e.g. a rendition that failed
// permanently while the session still reached hd_ready).
func (r *PostgresRepository) AppendWarning(ctx context.Context, uploadID string, w Warning) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal warning: %w", err)
	}
	query := `UPDATE upload_sessions SET warnings = warnings || $1::jsonb WHERE upload_id = $2`
	if _, err := r.db.ExecContext(ctx, query, fmt.Sprintf("[%s]", data), uploadID); err != nil {
		return fmt.Errorf("failed to append warning: %w", err)
	}
	return nil
}

// SetDraftID round-trips the draft handle from the metadata collaborator.
func (r *PostgresRepository) SetDraftID(ctx context.Context, uploadID, draftID string) error {
	query := `UPDATE upload_sessions SET draft_id = $1 WHERE upload_id = $2`
	if _, err := r.db.ExecContext(ctx, query, draftID, uploadID); err != nil {
		return fmt.Errorf("failed to set draft id: %w", err)
	}
	return nil
}

// ListExpiredTerminal returns terminal sessions whose updated_at predates
// cutoff, for the retention sweep.
func (r *PostgresRepository) ListExpiredTerminal(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM upload_sessions
		WHERE state IN ($1, $2, $3) AND updated_at < $4
		ORDER BY updated_at ASC
		LIMIT $5
	`
	rows, err := r.db.QueryContext(ctx, query, StateHDReady, StateFailed, StateAborted, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Error("failed to close rows", zap.Error(err))
		}
	}()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete permanently removes a session row (called after its blob-store
// artifacts have been purged by the retention sweep).
func (r *PostgresRepository) Delete(ctx context.Context, uploadID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE upload_id = $1`, uploadID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
