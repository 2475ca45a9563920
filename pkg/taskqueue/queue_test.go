package taskqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/memobench/pkg/config"
)

func setupTestQueue(t *testing.T) Queue {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	q := NewQueue(log, &config.DatabaseConfig{
		Driver: "sqlite",
		Path:   ":memory:",
	})
	require.NoError(t, q.Start(context.Background()))

	t.Cleanup(func() {
		require.NoError(t, q.Stop())
	})

	return q
}

func TestEnqueue_DeduplicatesActiveTasks(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	created, err := q.Enqueue(ctx, "run-1", "q-001", KindIngest, 3)
	require.NoError(t, err)
	assert.True(t, created)

	// The same identity is already queued.
	created, err = q.Enqueue(ctx, "run-1", "q-001", KindIngest, 3)
	require.NoError(t, err)
	assert.False(t, created)

	// Other kinds and questions are independent.
	created, err = q.Enqueue(ctx, "run-1", "q-001", KindQA, 2)
	require.NoError(t, err)
	assert.True(t, created)

	active, err := q.ActiveCount(ctx, "run-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, active)
}

func TestEnqueue_AllowedAgainAfterCompletion(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "run-1", "q-001", KindQA, 2)
	require.NoError(t, err)

	task, err := q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, q.Complete(ctx, task.ID))

	// A QA re-run enqueues a fresh task.
	created, err := q.Enqueue(ctx, "run-1", "q-001", KindQA, 2)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestClaimNext_OrderAndExclusivity(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "run-1", "q-001", KindIngest, 3)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "run-1", "q-002", KindIngest, 3)
	require.NoError(t, err)

	first, err := q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "q-001", first.QuestionID)
	assert.Equal(t, StatusRunning, first.Status)
	assert.Equal(t, 1, first.Attempts)

	second, err := q.ClaimNext(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "q-002", second.QuestionID)

	// Nothing left to claim.
	third, err := q.ClaimNext(ctx, "worker-3", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestFail_RequeuesUntilAttemptsExhausted(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "run-1", "q-001", KindIngest, 2)
	require.NoError(t, err)

	// Attempt 1 fails: requeued with a delay.
	task, err := q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)

	requeued, err := q.Fail(ctx, task.ID, "service unavailable", 0)
	require.NoError(t, err)
	assert.True(t, requeued)

	// Attempt 2 fails: attempts exhausted, terminally failed.
	task, err = q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 2, task.Attempts)

	requeued, err = q.Fail(ctx, task.ID, "still unavailable", 0)
	require.NoError(t, err)
	assert.False(t, requeued)

	task, err = q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestFail_RetryDelayDefersClaim(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "run-1", "q-001", KindIngest, 3)
	require.NoError(t, err)

	task, err := q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)

	_, err = q.Fail(ctx, task.ID, "transient", time.Hour)
	require.NoError(t, err)

	// Not claimable until the retry delay elapses.
	task, err = q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestCancelQueued_LeavesRunningTasks(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "run-1", "q-001", KindQA, 2)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "run-1", "q-002", KindQA, 2)
	require.NoError(t, err)

	task, err := q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, "q-001", task.QuestionID)

	n, err := q.CancelQueued(ctx, "run-1", "q-001", KindQA)
	require.NoError(t, err)
	assert.Zero(t, n, "a running task keeps its lease")

	n, err = q.CancelQueued(ctx, "run-1", "q-002", KindQA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	next, err := q.ClaimNext(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestRequeueExpiredLeases(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "run-1", "q-001", KindIngest, 3)
	require.NoError(t, err)

	// Claim with an already-expired lease, as a crashed worker leaves it.
	task, err := q.ClaimNext(ctx, "worker-1", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)

	n, err := q.RequeueExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := q.ClaimNext(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, task.ID, reclaimed.ID)
	// The lost attempt stays counted.
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestHeartbeat_ExtendsLease(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "run-1", "q-001", KindIngest, 3)
	require.NoError(t, err)

	task, err := q.ClaimNext(ctx, "worker-1", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)

	require.NoError(t, q.Heartbeat(ctx, task.ID, time.Hour))

	n, err := q.RequeueExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPool_DrainsQueue(t *testing.T) {
	q := setupTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"q-001", "q-002", "q-003"} {
		_, err := q.Enqueue(ctx, "run-1", id, KindIngest, 3)
		require.NoError(t, err)
	}

	var handled atomic.Int32

	pool := NewPool(logrus.New(), q, func(_ context.Context, _ *Task) error {
		if handled.Add(1) == 3 {
			cancel()
		}

		return nil
	}, PoolConfig{
		WorkerID:     "worker-test",
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
	})

	require.NoError(t, pool.Run(ctx))
	assert.EqualValues(t, 3, handled.Load())

	active, err := q.ActiveCount(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestPoolConfig_Validate(t *testing.T) {
	valid := PoolConfig{WorkerID: "w", Workers: 1, PollInterval: time.Second}
	require.NoError(t, valid.Validate())

	missing := valid
	missing.WorkerID = ""
	require.Error(t, missing.Validate())

	zero := valid
	zero.Workers = 0
	require.Error(t, zero.Validate())
}
