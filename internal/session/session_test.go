package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateOpen, StateUploaded))
	assert.True(t, CanTransition(StateProcessing, StatePlayable))
	assert.True(t, CanTransition(StatePlayable, StateHDReady))
	assert.True(t, CanTransition(StateOpen, StateAborted))
	assert.False(t, CanTransition(StateFailed, StateOpen))
	assert.False(t, CanTransition(StateHDReady, StatePlayable))
	assert.False(t, CanTransition(StateAborted, StateOpen))
}

func TestSessionTransitionStampsMilestones(t *testing.T) {
	s := &Session{State: StateProcessing}
	now := time.Now()

	require.NoError(t, s.Transition(StatePlayable, now))
	require.NotNil(t, s.FirstPlayableAt)
	assert.Equal(t, now, *s.FirstPlayableAt)

	later := now.Add(time.Minute)
	require.NoError(t, s.Transition(StateHDReady, later))
	require.NotNil(t, s.HDReadyAt)
	assert.True(t, s.FirstPlayableAt.Before(*s.HDReadyAt) || s.FirstPlayableAt.Equal(*s.HDReadyAt))
}

func TestSessionFailIsTerminalOnce(t *testing.T) {
	s := &Session{State: StateUploaded}
	require.NoError(t, s.Fail("probe_failed", time.Now()))
	assert.Equal(t, StateFailed, s.State)

	err := s.Fail("probe_failed", time.Now())
	require.Error(t, err)
}

func TestMemoryRepositoryIdempotentCreate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	fp := Fingerprint{Filename: "a.mp4", Size: 1000, LastModified: time.Now()}
	s := &Session{
		UploadID: "up_1", OwnerID: "owner", IdempotencyKey: "k1",
		Filename: "a.mp4", DeclaredMime: "video/mp4", DeclaredSizeBytes: 1000,
		Fingerprint: fp, State: StateOpen,
	}

	first, err := repo.Create(ctx, s)
	require.NoError(t, err)

	replay := &Session{
		UploadID: "up_2", OwnerID: "owner", IdempotencyKey: "k1",
		Filename: "a.mp4", DeclaredMime: "video/mp4", DeclaredSizeBytes: 1000,
		Fingerprint: fp, State: StateOpen,
	}
	second, err := repo.Create(ctx, replay)
	require.NoError(t, err)
	assert.Equal(t, first.UploadID, second.UploadID)

	conflicting := &Session{
		UploadID: "up_3", OwnerID: "owner", IdempotencyKey: "k1",
		Filename: "a.mp4", DeclaredMime: "video/mp4", DeclaredSizeBytes: 1001,
		Fingerprint: Fingerprint{Filename: "a.mp4", Size: 1001, LastModified: fp.LastModified},
		State:       StateOpen,
	}
	_, err = repo.Create(ctx, conflicting)
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestMemoryRepositoryUpdateProgressLosesStaleWrite(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	s := &Session{UploadID: "up_1", OwnerID: "owner", IdempotencyKey: "k1", State: StateOpen, DeclaredSizeBytes: 100}
	_, err := repo.Create(ctx, s)
	require.NoError(t, err)

	updated, err := repo.UpdateProgress(ctx, "up_1", 50, 80, StateOpen, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated.ReceivedBytes)

	updated, err = repo.UpdateProgress(ctx, "up_1", 0, 80, StateOpen, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(80), updated.ReceivedBytes)
}

func TestMemoryRepositoryCompareAndSetState(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_, err := repo.Create(ctx, &Session{UploadID: "up_1", OwnerID: "o", IdempotencyKey: "k", State: StateProcessing})
	require.NoError(t, err)

	ok, err := repo.CompareAndSetState(ctx, "up_1", StateProcessing, StatePlayable, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CompareAndSetState(ctx, "up_1", StateProcessing, StatePlayable, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "duplicate worker must not double-promote")
}
