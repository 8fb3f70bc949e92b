package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, zap.NewNop())
}

func TestLeaseHidesJobUntilAckOrExpiry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{UploadID: "up1", EarliestRunAt: time.Now()}))

	leased, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "up1", leased.Job.UploadID)

	again, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again, "a second lease attempt should find nothing runnable")

	require.NoError(t, q.Ack(ctx, leased))
}

func TestRequeueExpiredLeasesRedeliversCrashedWorkerJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{UploadID: "up2", EarliestRunAt: time.Now()}))

	leased, err := q.Lease(ctx, -time.Second) // already-expired lease, simulating a crash
	require.NoError(t, err)
	require.NotNil(t, leased)

	n, err := q.RequeueExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	redelivered, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, "up2", redelivered.Job.UploadID)
	assert.Equal(t, leased.Job.Attempt+1, redelivered.Job.Attempt)
}

func TestRequeueExpiredLeasesIsNoOpForUnexpiredOrAckedLeases(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{UploadID: "up3", EarliestRunAt: time.Now()}))

	leased, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)

	n, err := q.RequeueExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "an unexpired lease must not be redelivered")

	require.NoError(t, q.Ack(ctx, leased))

	n, err = q.RequeueExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNackReleasesLeaseAndRedeliversAfterBackoff(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{UploadID: "up4", EarliestRunAt: time.Now()}))

	leased, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, leased, -time.Second)) // negative backoff so it's runnable immediately

	n, err := q.RequeueExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "Nack already cleared the lease; nothing should be left to reap")

	redelivered, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, 1, redelivered.Job.Attempt)
}
