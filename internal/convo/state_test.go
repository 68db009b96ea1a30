package convo

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

type modeRecorder struct {
	mu    sync.Mutex
	modes []model.OwnershipMode
}

func (r *modeRecorder) PublishMode(ctx context.Context, conversationID string, mode model.OwnershipMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes = append(r.modes, mode)
}

func newTestService(t *testing.T) (*Service, *modeRecorder) {
	t.Helper()
	rec := &modeRecorder{}
	return NewService(store.NewMemory(), rec, logger.NewNop()), rec
}

func TestEnsureCreatesSpectatorConversation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	conv, err := svc.Ensure(ctx, "5218110000001")
	require.NoError(t, err)
	assert.Equal(t, model.ModeSpectator, conv.Mode)
	assert.Equal(t, "5218110000001", conv.ClientID)
	assert.NotEmpty(t, conv.ID)

	// A second call for the same client returns the existing row.
	again, err := svc.Ensure(ctx, "5218110000001")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
}

func TestValidTransitions(t *testing.T) {
	cases := []struct {
		from, to model.OwnershipMode
		ok       bool
	}{
		{model.ModeSpectator, model.ModeTakeover, true},
		{model.ModeTakeover, model.ModeSpectator, true},
		{model.ModeSpectator, model.ModeAutomatedOnly, true},
		{model.ModeAutomatedOnly, model.ModeSpectator, true},
		{model.ModeSpectator, model.ModeSpectator, true},
		{model.ModeTakeover, model.ModeTakeover, true},
		{model.ModeTakeover, model.ModeAutomatedOnly, false},
		{model.ModeAutomatedOnly, model.ModeTakeover, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, validTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestSetModeTakeover(t *testing.T) {
	ctx := context.Background()
	svc, rec := newTestService(t)

	conv, err := svc.Ensure(ctx, "c1")
	require.NoError(t, err)

	updated, err := svc.SetMode(ctx, conv.ID, model.ModeTakeover, "op-7", "client asked for a human")
	require.NoError(t, err)
	assert.Equal(t, model.ModeTakeover, updated.Mode)
	assert.Equal(t, "op-7", updated.AssignedOperatorID)
	assert.Equal(t, "client asked for a human", updated.ModeReason)
	assert.Equal(t, []model.OwnershipMode{model.ModeTakeover}, rec.modes)

	// Releasing back to spectator clears the operator assignment.
	updated, err = svc.SetMode(ctx, conv.ID, model.ModeSpectator, "op-7", "resolved")
	require.NoError(t, err)
	assert.Empty(t, updated.AssignedOperatorID)
}

func TestSetModeAutomatedOnlyNeverEscalates(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	conv, err := svc.Ensure(ctx, "c1")
	require.NoError(t, err)

	_, err = svc.SetMode(ctx, conv.ID, model.ModeAutomatedOnly, "op-1", "bot only")
	require.NoError(t, err)

	_, err = svc.SetMode(ctx, conv.ID, model.ModeTakeover, "op-2", "trying anyway")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	mode, err := svc.Mode(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ModeAutomatedOnly, mode)
}

func TestSetModeNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.SetMode(context.Background(), "missing", model.ModeTakeover, "op", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTouchAndMarkRead(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	conv, err := svc.Ensure(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, svc.Touch(ctx, conv.ID, true))
	require.NoError(t, svc.Touch(ctx, conv.ID, true))
	require.NoError(t, svc.Touch(ctx, conv.ID, false))

	got, err := svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UnreadCount)

	require.NoError(t, svc.MarkRead(ctx, conv.ID))
	got, err = svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UnreadCount)
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	conv, err := svc.Ensure(ctx, "c1")
	require.NoError(t, err)

	updated, err := svc.UpdateProfile(ctx, conv.ID, func(p *model.ClientProfile) {
		p.Name = "Ana"
		p.PostalCode = "64000"
	})
	require.NoError(t, err)
	assert.Equal(t, "Ana", updated.Profile.Name)
	assert.True(t, updated.Profile.Complete())
}

func TestArchiveIdleReturnsArchivedIDs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := NewService(st, nil, logger.NewNop())

	require.NoError(t, st.PutConversation(ctx, &model.Conversation{
		ID: "old", ClientID: "c1", LastActivityAt: time.Now().Add(-2 * time.Hour),
	}))
	require.NoError(t, st.PutConversation(ctx, &model.Conversation{
		ID: "fresh", ClientID: "c2", LastActivityAt: time.Now(),
	}))

	archived := svc.ArchiveIdle(ctx, time.Hour)
	assert.Equal(t, []string{"old"}, archived)

	got, err := st.GetConversation(ctx, "old")
	require.NoError(t, err)
	assert.True(t, got.Archived)

	// Already-archived rows are not reported again.
	assert.Empty(t, svc.ArchiveIdle(ctx, time.Hour))
}
