package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	uploadredis "github.com/nmxmxh/uploadcore/pkg/redis"
)

func newTestCache(t *testing.T) *uploadredis.Cache {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cache, err := uploadredis.NewCache(&uploadredis.Options{
		Addr:      mr.Addr(),
		Namespace: "uploadcore",
		Context:   "session",
	}, nil)
	require.NoError(t, err)
	return cache
}

func TestCachingRepositoryServesCachedGetWithoutHittingBackingStore(t *testing.T) {
	backing := NewMemoryRepository()
	ctx := context.Background()
	created, err := backing.Create(ctx, &Session{
		UploadID:      "up1",
		OwnerID:       "owner1",
		IdempotencyKey: "key1",
		State:         StateOpen,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	})
	require.NoError(t, err)

	repo := NewCachingRepository(backing, newTestCache(t))

	first, err := repo.Get(ctx, created.UploadID)
	require.NoError(t, err)
	require.Equal(t, StateOpen, first.State)

	// mutate the backing store directly, bypassing the cache, to prove
	// the second Get below is served from cache rather than re-querying.
	backing.mu.Lock()
	backing.byID[created.UploadID].State = StateFailed
	backing.mu.Unlock()

	second, err := repo.Get(ctx, created.UploadID)
	require.NoError(t, err)
	require.Equal(t, StateOpen, second.State, "expected cached value, not the mutated backing store")
}

func TestCachingRepositoryInvalidatesOnMutation(t *testing.T) {
	backing := NewMemoryRepository()
	ctx := context.Background()
	created, err := backing.Create(ctx, &Session{
		UploadID:      "up2",
		OwnerID:       "owner2",
		IdempotencyKey: "key2",
		State:         StateUploaded,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	})
	require.NoError(t, err)

	repo := NewCachingRepository(backing, newTestCache(t))

	_, err = repo.Get(ctx, created.UploadID)
	require.NoError(t, err)

	ok, err := repo.CompareAndSetState(ctx, created.UploadID, StateUploaded, StateProcessing, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	refreshed, err := repo.Get(ctx, created.UploadID)
	require.NoError(t, err)
	require.Equal(t, StateProcessing, refreshed.State)
}

func TestCachingRepositoryDegradesToDirectCallsWithNilCache(t *testing.T) {
	backing := NewMemoryRepository()
	ctx := context.Background()
	created, err := backing.Create(ctx, &Session{
		UploadID:      "up3",
		OwnerID:       "owner3",
		IdempotencyKey: "key3",
		State:         StateOpen,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	})
	require.NoError(t, err)

	repo := NewCachingRepository(backing, nil)
	got, err := repo.Get(ctx, created.UploadID)
	require.NoError(t, err)
	require.Equal(t, created.UploadID, got.UploadID)
}
