package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/pkg/logger"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	return New(store.NewMemory(), cfg, logger.NewNop())
}

func event(from, text string, prio model.Priority) model.InboundEvent {
	return model.InboundEvent{
		ID:         "ev-" + from + "-" + text,
		From:       from,
		Kind:       model.KindText,
		Text:       text,
		ReceivedAt: time.Now(),
		Priority:   prio,
	}
}

func dequeueOne(t *testing.T, q *Queue) *model.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := q.Dequeue(ctx, 0, 1)
	require.NoError(t, err)
	return job
}

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	_, err := q.Enqueue(ctx, event("c1", "low", model.PriorityLow))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, event("c1", "normal", model.PriorityNormal))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, event("c1", "high", model.PriorityHigh))
	require.NoError(t, err)

	assert.Equal(t, "high", dequeueOne(t, q).Payload.Text)
	assert.Equal(t, "normal", dequeueOne(t, q).Payload.Text)
	assert.Equal(t, "low", dequeueOne(t, q).Payload.Text)
}

func TestDequeueFIFOWithinLane(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	for _, text := range []string{"first", "second", "third"} {
		_, err := q.Enqueue(ctx, event("c1", text, model.PriorityNormal))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // distinct CreatedAt ordering
	}

	assert.Equal(t, "first", dequeueOne(t, q).Payload.Text)
	assert.Equal(t, "second", dequeueOne(t, q).Payload.Text)
	assert.Equal(t, "third", dequeueOne(t, q).Payload.Text)
}

func TestLaneAssignmentStickyPerClient(t *testing.T) {
	lanes := 8
	a := laneKey("5218110000001", lanes)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a, laneKey("5218110000001", lanes))
	}
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, lanes)
}

func TestCompleteFirstWins(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	id, err := q.Enqueue(ctx, event("c1", "hola", model.PriorityNormal))
	require.NoError(t, err)
	dequeueOne(t, q)

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := q.Complete(ctx, id)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)

	job, err := q.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
}

func TestFailSchedulesRetryThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond})

	id, err := q.Enqueue(ctx, event("c1", "hola", model.PriorityNormal))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		job := dequeueOne(t, q)
		require.Equal(t, id, job.ID)
		require.NoError(t, q.Fail(ctx, id, errors.New("boom")))

		job, err = q.Inspect(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attempt, job.Attempts)
		if attempt < 3 {
			assert.Equal(t, model.JobStatusRetryScheduled, job.Status)
		}
	}

	job, err := q.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDead, job.Status)
	assert.Equal(t, "boom", job.FailureReason)
	assert.LessOrEqual(t, job.Attempts, job.MaxAttempts)
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	q := newTestQueue(t, Config{BackoffBase: 2 * time.Second, BackoffCap: 10 * time.Second})

	assert.Equal(t, 2*time.Second, q.backoffDelay(1))
	assert.Equal(t, 4*time.Second, q.backoffDelay(2))
	assert.Equal(t, 8*time.Second, q.backoffDelay(3))
	assert.Equal(t, 10*time.Second, q.backoffDelay(4))
	assert.Equal(t, 10*time.Second, q.backoffDelay(10))
}

func TestPauseStopsDispatch(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	_, err := q.Enqueue(ctx, event("c1", "hola", model.PriorityNormal))
	require.NoError(t, err)

	q.Pause()
	assert.True(t, q.Paused())

	shortCtx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(shortCtx, 0, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	q.Resume()
	assert.Equal(t, "hola", dequeueOne(t, q).Payload.Text)
}

func TestReclaimExpiredLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{Lease: time.Millisecond, MaxAttempts: 5})

	id, err := q.Enqueue(ctx, event("c1", "hola", model.PriorityNormal))
	require.NoError(t, err)
	dequeueOne(t, q)

	time.Sleep(5 * time.Millisecond)
	n, err := q.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestRecoverRequeuesInProgress(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := New(st, Config{}, logger.NewNop())

	id, err := q.Enqueue(ctx, event("c1", "hola", model.PriorityNormal))
	require.NoError(t, err)
	dequeueOne(t, q)

	// Simulate a fresh process over the same store.
	q2 := New(st, Config{}, logger.NewNop())
	n, err := q2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job := dequeueOne(t, q2)
	assert.Equal(t, id, job.ID)
}

func TestPurgeRemovesTerminalOnly(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{MaxAttempts: 1})

	doneID, err := q.Enqueue(ctx, event("c1", "done", model.PriorityNormal))
	require.NoError(t, err)
	dequeueOne(t, q)
	_, err = q.Complete(ctx, doneID)
	require.NoError(t, err)

	deadID, err := q.Enqueue(ctx, event("c2", "dead", model.PriorityNormal))
	require.NoError(t, err)
	dequeueOne(t, q)
	require.NoError(t, q.Fail(ctx, deadID, errors.New("boom")))

	_, err = q.Enqueue(ctx, event("c3", "pending", model.PriorityNormal))
	require.NoError(t, err)

	n, err := q.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[model.JobStatusQueued])
	assert.Zero(t, stats.ByStatus[model.JobStatusCompleted])
	assert.Zero(t, stats.ByStatus[model.JobStatusDead])
}

func TestForceRetryRevivesDeadJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{MaxAttempts: 1})

	id, err := q.Enqueue(ctx, event("c1", "hola", model.PriorityNormal))
	require.NoError(t, err)
	dequeueOne(t, q)
	require.NoError(t, q.Fail(ctx, id, errors.New("boom")))

	job, err := q.Inspect(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusDead, job.Status)

	require.NoError(t, q.ForceRetry(ctx, id))
	job, err = q.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Zero(t, job.Attempts)

	// Only dead jobs can be force-retried.
	assert.ErrorIs(t, q.ForceRetry(ctx, id), ErrNotDead)
}
