package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/pkg/logger"
)

type recordingRedeliverer struct {
	mu      sync.Mutex
	retried []string
}

func (r *recordingRedeliverer) Retry(ctx context.Context, rec *model.RetryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retried = append(r.retried, rec.MessageID)
	return nil
}

func (r *recordingRedeliverer) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.retried...)
}

func TestSweepRetriesOnlyDueRecords(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	redeliverer := &recordingRedeliverer{}
	s := NewRetrySweeper(st, redeliverer, time.Minute, logger.NewNop())

	now := time.Now()
	require.NoError(t, st.PutRetryRecord(ctx, &model.RetryRecord{
		MessageID: "due-1", Attempts: 1, NextRetryAt: now.Add(-time.Minute),
	}))
	require.NoError(t, st.PutRetryRecord(ctx, &model.RetryRecord{
		MessageID: "due-2", Attempts: 2, NextRetryAt: now.Add(-time.Second),
	}))
	require.NoError(t, st.PutRetryRecord(ctx, &model.RetryRecord{
		MessageID: "later", Attempts: 1, NextRetryAt: now.Add(time.Hour),
	}))

	s.sweep(ctx)

	ids := redeliverer.ids()
	assert.ElementsMatch(t, []string{"due-1", "due-2"}, ids)
}

func TestRunSweepsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := store.NewMemory()
	redeliverer := &recordingRedeliverer{}
	// Long interval: only the startup sweep can fire inside this test.
	s := NewRetrySweeper(st, redeliverer, time.Hour, logger.NewNop())

	require.NoError(t, st.PutRetryRecord(ctx, &model.RetryRecord{
		MessageID: "stranded", Attempts: 1, NextRetryAt: time.Now().Add(-time.Hour),
	}))

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(redeliverer.ids()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, []string{"stranded"}, redeliverer.ids())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
