package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/internal/provider"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/pkg/logger"
)

// fakeSender scripts send outcomes: a nil entry succeeds, a non-nil one
// fails. Once the script runs out every send succeeds.
type fakeSender struct {
	mu     sync.Mutex
	script []error
	sends  int
}

func (f *fakeSender) SendText(ctx context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return "", err
		}
	}
	return "wamid.out", nil
}

type eventRecorder struct {
	mu       sync.Mutex
	messages []*model.Message
	statuses []model.DeliveryStatus
}

func (r *eventRecorder) PublishMessage(ctx context.Context, msg *model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *eventRecorder) PublishStatus(ctx context.Context, conversationID, messageID string, status model.DeliveryStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func newDeliveryFixture(t *testing.T, cfg DeliveryConfig) (*Delivery, store.Store, *fakeSender, *eventRecorder, *model.Conversation) {
	t.Helper()
	st := store.NewMemory()
	sender := &fakeSender{}
	rec := &eventRecorder{}
	d := NewDelivery(st, sender, rec, cfg, logger.NewNop())

	conv := &model.Conversation{
		ID: "conv-1", ClientID: "5218110000001", Mode: model.ModeSpectator, LastActivityAt: time.Now(),
	}
	require.NoError(t, st.PutConversation(context.Background(), conv))
	return d, st, sender, rec, conv
}

func TestSendSuccess(t *testing.T) {
	ctx := context.Background()
	d, st, _, rec, conv := newDeliveryFixture(t, DeliveryConfig{})

	msg, err := d.Send(ctx, conv, "Hola Ana", "job-1")
	require.NoError(t, err)

	stored, err := st.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, stored.Status)
	assert.Equal(t, "wamid.out", stored.ProviderMsgID)
	assert.Equal(t, "job-1", stored.JobID)
	assert.Equal(t, model.SenderAutomated, stored.Sender)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.messages, 1)
	assert.Equal(t, []model.DeliveryStatus{model.StatusSent}, rec.statuses)
}

func TestSendTransientFailureParksMessage(t *testing.T) {
	ctx := context.Background()
	d, st, sender, rec, conv := newDeliveryFixture(t, DeliveryConfig{})

	sender.script = []error{provider.ErrSendUnavailable}

	msg, err := d.Send(ctx, conv, "Hola", "job-1")
	require.NoError(t, err, "a transient send failure does not fail the job")

	stored, err := st.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)

	record, err := st.GetRetryRecord(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, record.Attempts)
	assert.True(t, record.NextRetryAt.After(time.Now()))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []model.DeliveryStatus{model.StatusFailed}, rec.statuses)
}

func TestSendPermanentFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	d, st, sender, rec, conv := newDeliveryFixture(t, DeliveryConfig{})

	// Bad credential: redelivery cannot change the outcome.
	sender.script = []error{&provider.SendError{Status: 401, Message: "invalid token"}}

	msg, err := d.Send(ctx, conv, "Hola", "job-1")
	require.NoError(t, err)

	stored, err := st.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)

	// No retry record, so the sweeper never picks it up.
	_, err = st.GetRetryRecord(ctx, msg.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []model.DeliveryStatus{model.StatusFailed}, rec.statuses)
}

func TestRetryPermanentFailureDropsRecord(t *testing.T) {
	ctx := context.Background()
	d, st, sender, _, conv := newDeliveryFixture(t, DeliveryConfig{
		RetryCeiling: 5, BackoffBase: time.Second, BackoffCap: time.Minute,
	})

	// Transient on the first send, then the provider turns the request
	// away for good.
	sender.script = []error{
		provider.ErrSendUnavailable,
		&provider.SendError{Status: 403, Message: "recipient blocked"},
	}

	msg, err := d.Send(ctx, conv, "Hola", "job-1")
	require.NoError(t, err)

	record, err := st.GetRetryRecord(ctx, msg.ID)
	require.NoError(t, err)
	require.NoError(t, d.Retry(ctx, record))

	stored, err := st.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)

	_, err = st.GetRetryRecord(ctx, msg.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	sends := func() int {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return sender.sends
	}
	assert.Equal(t, 2, sends(), "no further delivery after a permanent rejection")
}

func TestRetrySchedulesUntilSuccess(t *testing.T) {
	ctx := context.Background()
	d, st, sender, _, conv := newDeliveryFixture(t, DeliveryConfig{
		RetryCeiling: 5, BackoffBase: time.Second, BackoffCap: time.Minute,
	})

	// First send and the next two retries fail, the fourth attempt lands.
	sender.script = []error{
		provider.ErrSendUnavailable,
		provider.ErrSendUnavailable,
		provider.ErrSendUnavailable,
		nil,
	}

	msg, err := d.Send(ctx, conv, "Hola", "job-1")
	require.NoError(t, err)

	for _, wantAttempts := range []int{2, 3} {
		record, err := st.GetRetryRecord(ctx, msg.ID)
		require.NoError(t, err)
		require.NoError(t, d.Retry(ctx, record))

		record, err = st.GetRetryRecord(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, wantAttempts, record.Attempts)

		stored, err := st.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, stored.Status)
	}

	record, err := st.GetRetryRecord(ctx, msg.ID)
	require.NoError(t, err)
	require.NoError(t, d.Retry(ctx, record))

	stored, err := st.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, stored.Status)

	_, err = st.GetRetryRecord(ctx, msg.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRetryCeilingAbandonsMessage(t *testing.T) {
	ctx := context.Background()
	d, st, sender, _, conv := newDeliveryFixture(t, DeliveryConfig{
		RetryCeiling: 2, BackoffBase: time.Second, BackoffCap: time.Minute,
	})

	sender.script = []error{provider.ErrSendUnavailable, provider.ErrSendUnavailable}

	msg, err := d.Send(ctx, conv, "Hola", "job-1")
	require.NoError(t, err)

	record, err := st.GetRetryRecord(ctx, msg.ID)
	require.NoError(t, err)
	require.NoError(t, d.Retry(ctx, record))

	stored, err := st.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)

	// Abandoned for good: the record is gone, no further redelivery.
	_, err = st.GetRetryRecord(ctx, msg.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRetryWithoutMessageDropsRecord(t *testing.T) {
	ctx := context.Background()
	d, st, _, _, _ := newDeliveryFixture(t, DeliveryConfig{})

	require.NoError(t, st.PutRetryRecord(ctx, &model.RetryRecord{
		MessageID: "ghost", Attempts: 1, NextRetryAt: time.Now(),
	}))

	require.NoError(t, d.Retry(ctx, &model.RetryRecord{MessageID: "ghost", Attempts: 1}))
	_, err := st.GetRetryRecord(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnsureRetryRecordKeepsExisting(t *testing.T) {
	ctx := context.Background()
	d, st, _, _, _ := newDeliveryFixture(t, DeliveryConfig{})

	require.NoError(t, st.PutRetryRecord(ctx, &model.RetryRecord{
		MessageID: "msg-1", Attempts: 3, NextRetryAt: time.Now(),
	}))

	require.NoError(t, d.EnsureRetryRecord(ctx, "msg-1", "provider reported failure"))
	record, err := st.GetRetryRecord(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, 3, record.Attempts, "existing record untouched")

	require.NoError(t, d.EnsureRetryRecord(ctx, "msg-2", "provider reported failure"))
	record, err = st.GetRetryRecord(ctx, "msg-2")
	require.NoError(t, err)
	assert.Equal(t, 1, record.Attempts)
	assert.Equal(t, "provider reported failure", record.LastError)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	d := NewDelivery(store.NewMemory(), &fakeSender{}, nil, DeliveryConfig{
		BackoffBase: 30 * time.Second, BackoffCap: time.Hour,
	}, logger.NewNop())

	assert.Equal(t, 30*time.Second, d.backoff(1))
	assert.Equal(t, time.Minute, d.backoff(2))
	assert.Equal(t, 2*time.Minute, d.backoff(3))
	assert.Equal(t, time.Hour, d.backoff(8))
	assert.Equal(t, time.Hour, d.backoff(50))
}
