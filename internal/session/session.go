// Package session holds the upload session entity (spec §3.1): the
// authoritative record of one in-flight or completed upload, its state
// machine, and the repository that persists it.
package session

import (
	"fmt"
	"time"
)

// State is one of the session lifecycle states.
type State string

const (
	StateOpen       State = "open"
	StateUploaded   State = "uploaded"
	StateProcessing State = "processing"
	StatePlayable   State = "playable"
	StateHDReady    State = "hd_ready"
	StateFailed     State = "failed"
	StateAborted    State = "aborted"
)

// IsTerminal reports whether no further transitions are legal.
func (s State) IsTerminal() bool {
	return s == StateFailed || s == StateAborted
}

// Fingerprint binds a session to the file it was created for, so a resume
// against a different file is detected rather than silently corrupting data.
type Fingerprint struct {
	Filename     string    `json:"filename"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Matches reports whether other describes the same source file.
func (f Fingerprint) Matches(other Fingerprint) bool {
	return f.Filename == other.Filename && f.Size == other.Size && f.LastModified.Equal(other.LastModified)
}

// Warning records a non-fatal pipeline outcome, e.g. a higher rendition
// that failed permanently while the session still reached hd_ready.
type Warning struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// PinRecord is attached to the session once content-address pinning succeeds.
type PinRecord struct {
	ContentAddress string    `json:"content_address"`
	Size           int64     `json:"size"`
	VerifiedAt     time.Time `json:"verified_at"`
}

// Session is the authoritative record of one upload (spec §3.1).
type Session struct {
	UploadID          string
	OwnerID           string
	Filename          string
	DeclaredMime      string
	DeclaredSizeBytes int64
	ChunkSizeBytes    int64
	ReceivedBytes     int64
	Fingerprint       Fingerprint
	IdempotencyKey    string
	State             State
	ErrorCode         string
	DraftID           string
	Pin               *PinRecord
	Warnings          []Warning
	CreatedAt         time.Time
	UpdatedAt         time.Time
	FirstPlayableAt   *time.Time
	HDReadyAt         *time.Time
}

// IsComplete reports whether every declared byte has been received.
func (s *Session) IsComplete() bool {
	return s.ReceivedBytes == s.DeclaredSizeBytes
}

var terminalTransitions = map[State]map[State]bool{
	StateOpen:       {StateUploaded: true, StateAborted: true},
	StateUploaded:   {StateProcessing: true, StateFailed: true, StateAborted: true},
	StateProcessing: {StatePlayable: true, StateFailed: true, StateAborted: true},
	StatePlayable:   {StateHDReady: true, StateFailed: true, StateAborted: true},
	StateHDReady:    {StateAborted: true},
	StateFailed:     {},
	StateAborted:    {},
}

// CanTransition reports whether the state machine in spec §4.D.5 permits
// moving from s to next. failed and aborted are terminal; every other state
// may move to aborted directly, and uploaded, processing, and playable may
// also move to failed.
func CanTransition(from, to State) bool {
	if from == to {
		return false
	}
	if to == StateAborted && !from.IsTerminal() {
		return true
	}
	allowed, ok := terminalTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// ErrInvalidTransition is returned by Transition when the state machine
// forbids the requested move.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid session state transition: %s -> %s", e.From, e.To)
}

// Transition moves the session to next, stamping UpdatedAt and the
// milestone timestamps the spec requires (first_playable_at, hd_ready_at).
// It does not persist; callers call the repository afterward under the
// same per-session lock or compare-and-set that guarded the read.
func (s *Session) Transition(next State, now time.Time) error {
	if !CanTransition(s.State, next) {
		return &ErrInvalidTransition{From: s.State, To: next}
	}
	s.State = next
	s.UpdatedAt = now
	switch next {
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
	return nil
}

// Fail transitions the session to failed with the given error code, unless
// it is already terminal (failed -> open is forbidden, and so is any other
// transition out of a terminal state).
func (s *Session) Fail(code string, now time.Time) error {
	if s.State.IsTerminal() {
		return &ErrInvalidTransition{From: s.State, To: StateFailed}
	}
	s.State = StateFailed
	s.ErrorCode = code
	s.UpdatedAt = now
	return nil
}
