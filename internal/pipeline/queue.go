// Package pipeline implements the queue-driven orchestrator that advances
// an uploaded session through probe, transcode, manifest, thumbnail, and
// pin stages (spec Component D).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	uploadredis "github.com/nmxmxh/uploadcore/pkg/redis"
)

// Job is one work item in the pipeline queue: run upload_id's session
// through the remaining pipeline stages. At-most-one instance of a given upload_id is ever leased
// at a time (spec §3.1 "Pipeline Job").
type Job struct {
	UploadID      string    `json:"upload_id"`
	Attempt       int       `json:"attempt"`
	EarliestRunAt time.Time `json:"earliest_run_at"`
}

// LeasedJob is a Job currently held by one worker, identified by an
// opaque token the worker must present to Ack or Nack it.
type LeasedJob struct {
	Job   Job
	Token string
}

// Queue is the abstract job queue the protocol enqueues into and the
// orchestrator drains (spec §6.2, §9 "background job queue ... abstract
// Queue interface"). At-least-once delivery is assumed; handlers must be
// idempotent.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Lease claims the next runnable job, hiding it from other workers
	// for visibilityTimeout. Returns nil, nil if the queue is empty or
	// nothing is yet runnable.
	Lease(ctx context.Context, visibilityTimeout time.Duration) (*LeasedJob, error)
	Ack(ctx context.Context, leased *LeasedJob) error
	// Nack releases a leased job back for redelivery after backoff. It
	// never dead-letters: once a job's retry budget is exhausted, Worker
	// emits it to the dead-letter stream and Acks it instead of calling Nack.
	Nack(ctx context.Context, leased *LeasedJob, backoff time.Duration) error
}

var queueKeys = uploadredis.NewKeyBuilder(uploadredis.NamespaceQueue, "pipeline")

var (
	pendingSetKey   = queueKeys.BuildZSet("jobs", "pending")
	leaseZSetKey    = queueKeys.BuildZSet("jobs", "lease")
	leaseDataPrefix = queueKeys.Build("jobs", "lease-data") + ":"
)

// RedisQueue implements Queue over a Redis sorted set (pending jobs,
// scored by earliest_run_at), a second sorted set of lease tokens scored
// by their visibility deadline, and per-lease keys holding each leased job.
type RedisQueue struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisQueue creates a Queue backed by the given Redis client.
func NewRedisQueue(client *redis.Client, log *zap.Logger) *RedisQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisQueue{client: client, log: log}
}

// Enqueue adds job to the pending set, runnable once its earliest_run_at
// has passed.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	score := float64(job.EarliestRunAt.UnixNano())
	if err := q.client.ZAdd(ctx, pendingSetKey, redis.Z{Score: score, Member: data}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// popRunnableScript atomically takes the lowest-scored member whose score
// has passed and removes it from the pending set, so two workers racing
// to lease never both win the same job.
const popRunnableScript = `
local members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #members == 0 then
	return nil
end
redis.call("ZREM", KEYS[1], members[1])
return members[1]
`

// Lease claims the next runnable job and hides it behind a lease record
// (job bytes under leaseDataPrefix, expiry tracked in leaseZSetKey) for
// visibilityTimeout. Lease expiry without Ack/Nack — a worker crashing
// mid-job — leaves the lease record behind for RequeueExpiredLeases to
// find and redeliver.
func (q *RedisQueue) Lease(ctx context.Context, visibilityTimeout time.Duration) (*LeasedJob, error) {
	now := time.Now().UnixNano()
	raw, err := q.client.Eval(ctx, popRunnableScript, []string{pendingSetKey}, now).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop runnable job: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(raw.(string)), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	token := uuid.NewString()
	leaseData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease: %w", err)
	}
	expiresAt := float64(time.Now().Add(visibilityTimeout).UnixNano())
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, leaseDataPrefix+token, leaseData, 0)
		pipe.ZAdd(ctx, leaseZSetKey, redis.Z{Score: expiresAt, Member: token})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record lease: %w", err)
	}
	return &LeasedJob{Job: job, Token: token}, nil
}

// clearLease drops a lease's bookkeeping once it has been resolved, either
// by Ack/Nack or by RequeueExpiredLeases redelivering it.
func (q *RedisQueue) clearLease(ctx context.Context, token string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, leaseDataPrefix+token)
		pipe.ZRem(ctx, leaseZSetKey, token)
		return nil
	})
	return err
}

// Ack confirms successful processing and drops the lease.
func (q *RedisQueue) Ack(ctx context.Context, leased *LeasedJob) error {
	if err := q.clearLease(ctx, leased.Token); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// Nack drops the lease and re-enqueues the job with attempt incremented
// and earliest_run_at pushed out by backoff.
func (q *RedisQueue) Nack(ctx context.Context, leased *LeasedJob, backoffDelay time.Duration) error {
	if err := q.clearLease(ctx, leased.Token); err != nil {
		q.log.Warn("failed to drop lease on nack", zap.String("upload_id", leased.Job.UploadID), zap.Error(err))
	}
	next := leased.Job
	next.Attempt++
	next.EarliestRunAt = time.Now().Add(backoffDelay)
	return q.Enqueue(ctx, next)
}

// RequeueExpiredLeases scans leaseZSetKey for leases whose visibility
// timeout elapsed without an Ack/Nack — a worker that crashed between
// Lease and Ack/Nack — and redelivers their jobs with attempt incremented
// (spec §4.D.2 "lease expiry redelivers the job", §5). Safe to call
// concurrently and on a fixed interval: the pipeline's idempotent outputs
// (spec §4.D.3) make a duplicate delivery harmless. Returns the number of
// jobs redelivered.
func (q *RedisQueue) RequeueExpiredLeases(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixNano())
	expired, err := q.client.ZRangeByScore(ctx, leaseZSetKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired leases: %w", err)
	}

	requeued := 0
	for _, token := range expired {
		raw, err := q.client.Get(ctx, leaseDataPrefix+token).Result()
		if err != nil {
			// Already acked/nacked racing with this scan, or the data key
			// was otherwise cleared: drop the stale bookkeeping and move on.
			if delErr := q.client.ZRem(ctx, leaseZSetKey, token).Err(); delErr != nil {
				q.log.Warn("failed to clear stale lease entry", zap.String("token", token), zap.Error(delErr))
			}
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.log.Error("failed to unmarshal expired lease job", zap.String("token", token), zap.Error(err))
			if clearErr := q.clearLease(ctx, token); clearErr != nil {
				q.log.Warn("failed to clear unreadable lease", zap.String("token", token), zap.Error(clearErr))
			}
			continue
		}

		job.Attempt++
		job.EarliestRunAt = time.Now()
		if err := q.Enqueue(ctx, job); err != nil {
			q.log.Error("failed to requeue expired lease", zap.String("upload_id", job.UploadID), zap.Error(err))
			continue
		}
		if err := q.clearLease(ctx, token); err != nil {
			q.log.Warn("failed to clear requeued lease bookkeeping", zap.String("upload_id", job.UploadID), zap.Error(err))
		}
		q.log.Warn("redelivered job with expired lease", zap.String("upload_id", job.UploadID), zap.Int("attempt", job.Attempt))
		requeued++
	}
	return requeued, nil
}

// EmitToDeadLetter records a job that exhausted its retry budget, using
// the same DLQ stream the event pipeline uses for failed deliveries.
func (q *RedisQueue) EmitToDeadLetter(ctx context.Context, job Job, cause error) {
	_ = uploadredis.EmitToDLQ(ctx, q.client, q.log, "pipeline.job.exhausted", job, cause)
}

// Backoff returns the exponential backoff policy for stage retries
// (spec §4.D.2: base 5s, factor 2, cap 10min).
func Backoff(base, cap time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.MaxInterval = cap
	b.MaxElapsedTime = 0
	return b
}
