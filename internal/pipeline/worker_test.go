package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeQueue struct {
	pending []Job
	acked   []string
	nacked  []string
}

func (q *fakeQueue) Enqueue(_ context.Context, job Job) error {
	q.pending = append(q.pending, job)
	return nil
}

func (q *fakeQueue) Lease(_ context.Context, _ time.Duration) (*LeasedJob, error) {
	if len(q.pending) == 0 {
		return nil, nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return &LeasedJob{Job: job, Token: "token-" + job.UploadID}, nil
}

func (q *fakeQueue) Ack(_ context.Context, leased *LeasedJob) error {
	q.acked = append(q.acked, leased.Job.UploadID)
	return nil
}

func (q *fakeQueue) Nack(_ context.Context, leased *LeasedJob, _ time.Duration) error {
	q.nacked = append(q.nacked, leased.Job.UploadID)
	return nil
}

type fakeProcessor struct {
	err error
}

func (p *fakeProcessor) Process(context.Context, Job) error { return p.err }

func TestRunOnceReturnsFalseWhenQueueIsEmpty(t *testing.T) {
	w := &Worker{Queue: &fakeQueue{}, Processor: &fakeProcessor{}, Log: zap.NewNop()}
	assert.False(t, w.runOnce(context.Background()))
}

func TestRunOnceAcksOnSuccess(t *testing.T) {
	q := &fakeQueue{pending: []Job{{UploadID: "up1"}}}
	w := &Worker{Queue: q, Processor: &fakeProcessor{}, Log: zap.NewNop()}

	require.True(t, w.runOnce(context.Background()))
	assert.Equal(t, []string{"up1"}, q.acked)
	assert.Empty(t, q.nacked)
}

func TestRunOnceNacksRetryableErrorUnderAttemptBudget(t *testing.T) {
	q := &fakeQueue{pending: []Job{{UploadID: "up1", Attempt: 0}}}
	w := &Worker{
		Queue:       q,
		Processor:   &fakeProcessor{err: retryable(errors.New("transient store error"))},
		Log:         zap.NewNop(),
		MaxAttempts: 3,
	}

	require.True(t, w.runOnce(context.Background()))
	assert.Equal(t, []string{"up1"}, q.nacked)
	assert.Empty(t, q.acked)
}

func TestRunOnceDropsNonRetryableErrorWithoutNack(t *testing.T) {
	q := &fakeQueue{pending: []Job{{UploadID: "up1"}}}
	w := &Worker{
		Queue:       q,
		Processor:   &fakeProcessor{err: errors.New("permanent failure")},
		Log:         zap.NewNop(),
		MaxAttempts: 3,
	}

	require.True(t, w.runOnce(context.Background()))
	assert.Equal(t, []string{"up1"}, q.acked)
	assert.Empty(t, q.nacked)
}

func TestRunOnceDropsRetryableErrorOnceAttemptsExhausted(t *testing.T) {
	q := &fakeQueue{pending: []Job{{UploadID: "up1", Attempt: 2}}}
	w := &Worker{
		Queue:       q,
		Processor:   &fakeProcessor{err: retryable(errors.New("transient store error"))},
		Log:         zap.NewNop(),
		MaxAttempts: 3,
	}

	require.True(t, w.runOnce(context.Background()))
	assert.Equal(t, []string{"up1"}, q.acked)
	assert.Empty(t, q.nacked)
}

func TestPollOnceDrainsEntireBacklog(t *testing.T) {
	q := &fakeQueue{pending: []Job{{UploadID: "up1"}, {UploadID: "up2"}, {UploadID: "up3"}}}
	w := &Worker{Queue: q, Processor: &fakeProcessor{}, Log: zap.NewNop()}

	w.PollOnce(context.Background())
	assert.ElementsMatch(t, []string{"up1", "up2", "up3"}, q.acked)
	assert.Empty(t, q.pending)
}
