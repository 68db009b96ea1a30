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

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPoolProcessesJobs(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	var mu sync.Mutex
	seen := make(map[string]int)
	pool := NewPool(q, func(ctx context.Context, job *model.Job) error {
		mu.Lock()
		seen[job.Payload.Text]++
		mu.Unlock()
		return nil
	}, 4, logger.NewNop())

	pool.Start(ctx)
	defer pool.Stop()

	for _, text := range []string{"a", "b", "c", "d", "e"} {
		_, err := q.Enqueue(ctx, event("client-"+text, text, model.PriorityNormal))
		require.NoError(t, err)
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	for text, count := range seen {
		assert.Equal(t, 1, count, "job %s processed more than once", text)
	}
}

func TestPoolIsolatesHandlerPanic(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{MaxAttempts: 1})

	pool := NewPool(q, func(ctx context.Context, job *model.Job) error {
		panic("handler exploded")
	}, 1, logger.NewNop())

	pool.Start(ctx)
	defer pool.Stop()

	id, err := q.Enqueue(ctx, event("c1", "boom", model.PriorityNormal))
	require.NoError(t, err)

	waitFor(t, 3*time.Second, func() bool {
		job, err := q.Inspect(ctx, id)
		return err == nil && job.Status == model.JobStatusDead
	})

	job, err := q.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, job.FailureReason, "handler panic")
}

func TestPoolRetriesFailedJobToCompletion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := New(st, Config{MaxAttempts: 5, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond}, logger.NewNop())

	var mu sync.Mutex
	calls := 0
	pool := NewPool(q, func(ctx context.Context, job *model.Job) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, 1, logger.NewNop())

	pool.Start(ctx)
	defer pool.Stop()

	id, err := q.Enqueue(ctx, event("c1", "hola", model.PriorityNormal))
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		job, err := q.Inspect(ctx, id)
		return err == nil && job.Status == model.JobStatusCompleted
	})

	job, err := q.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	assert.LessOrEqual(t, job.Attempts, job.MaxAttempts)
}
