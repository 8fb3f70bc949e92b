package session

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository used by protocol and
// pipeline unit tests in place of Postgres.
type MemoryRepository struct {
	mu       sync.Mutex
	byID     map[string]*Session
	byIdemKey map[string]string // owner_id|key -> upload_id
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:      make(map[string]*Session),
		byIdemKey: make(map[string]string),
	}
}

func idemKey(ownerID, key string) string {
	return ownerID + "|" + key
}

func clone(s *Session) *Session {
	c := *s
	c.Warnings = append([]Warning(nil), s.Warnings...)
	return &c
}

func (m *MemoryRepository) Create(_ context.Context, s *Session) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := idemKey(s.OwnerID, s.IdempotencyKey)
	if existingID, ok := m.byIdemKey[k]; ok {
		existing := m.byID[existingID]
		if existing.Fingerprint.Matches(s.Fingerprint) && existing.DeclaredSizeBytes == s.DeclaredSizeBytes && existing.DeclaredMime == s.DeclaredMime {
			return clone(existing), nil
		}
		return nil, ErrIdempotencyConflict
	}

	stored := clone(s)
	m.byID[s.UploadID] = stored
	m.byIdemKey[k] = s.UploadID
	return clone(stored), nil
}

func (m *MemoryRepository) Get(_ context.Context, uploadID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[uploadID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryRepository) FindByIdempotencyKey(_ context.Context, ownerID, key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIdemKey[idemKey(ownerID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.byID[id]), nil
}

func (m *MemoryRepository) UpdateProgress(_ context.Context, uploadID string, expectedReceivedBytes, newReceivedBytes int64, next State, now time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[uploadID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.ReceivedBytes == expectedReceivedBytes {
		s.ReceivedBytes = newReceivedBytes
		s.State = next
		s.UpdatedAt = now
	}
	return clone(s), nil
}

func (m *MemoryRepository) CompareAndSetState(_ context.Context, uploadID string, from, to State, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[uploadID]
	if !ok {
		return false, ErrNotFound
	}
	if s.State != from {
		return false, nil
	}
	s.State = to
	s.UpdatedAt = now
	switch to {
	case StatePlayable:
		if s.FirstPlayableAt == nil {
			t := now
			s.FirstPlayableAt = &t
		}
	case StateHDReady:
		if s.HDReadyAt == nil {
			t := now
			s.HDReadyAt = &t
		}
	}
	return true, nil
}

func (m *MemoryRepository) Fail(_ context.Context, uploadID, errorCode string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[uploadID]
	if !ok {
		return ErrNotFound
	}
	if s.State.IsTerminal() {
		return nil
	}
	s.State = StateFailed
	s.ErrorCode = errorCode
	s.UpdatedAt = now
	return nil
}

func (m *MemoryRepository) AttachPin(_ context.Context, uploadID string, pin PinRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[uploadID]
	if !ok {
		return ErrNotFound
	}
	p := pin
	s.Pin = &p
	return nil
}

func (m *MemoryRepository) AppendWarning(_ context.Context, uploadID string, w Warning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[uploadID]
	if !ok {
		return ErrNotFound
	}
	s.Warnings = append(s.Warnings, w)
	return nil
}

func (m *MemoryRepository) SetDraftID(_ context.Context, uploadID, draftID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[uploadID]
	if !ok {
		return ErrNotFound
	}
	s.DraftID = draftID
	return nil
}

func (m *MemoryRepository) ListExpiredTerminal(_ context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.byID {
		if (s.State.IsTerminal() || s.State == StateHDReady) && s.UpdatedAt.Before(cutoff) {
			out = append(out, clone(s))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryRepository) Delete(_ context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[uploadID]
	if ok {
		delete(m.byIdemKey, idemKey(s.OwnerID, s.IdempotencyKey))
	}
	delete(m.byID, uploadID)
	return nil
}
