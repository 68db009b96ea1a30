package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/messaging-backend/internal/convo"
	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/internal/tools"
	"github.com/partstream/messaging-backend/pkg/logger"
)

type consoleFixture struct {
	router *chi.Mux
	store  store.Store
	convos *convo.Service
	suite  *tools.Suite
}

func newConsoleFixture(t *testing.T) *consoleFixture {
	t.Helper()
	st := store.NewMemory()
	convos := convo.NewService(st, nil, logger.NewNop())
	suite := tools.NewSuite(tools.Deps{Convos: convos, Logger: logger.NewNop()})
	h := NewConversationHandler(convos, st, suite, logger.NewNop())

	r := chi.NewRouter()
	r.Get("/conversations", h.List)
	r.Get("/conversations/{id}", h.Get)
	r.Get("/conversations/{id}/messages", h.Messages)
	r.Put("/conversations/{id}/mode", h.SetMode)
	r.Post("/conversations/{id}/read", h.MarkRead)
	r.Get("/conversations/{id}/handoff", h.Handoff)

	return &consoleFixture{router: r, store: st, convos: convos, suite: suite}
}

func (f *consoleFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestListConversationsByMode(t *testing.T) {
	ctx := context.Background()
	f := newConsoleFixture(t)

	conv, err := f.convos.Ensure(ctx, "521811")
	require.NoError(t, err)
	_, err = f.convos.Ensure(ctx, "521822")
	require.NoError(t, err)
	_, err = f.convos.SetMode(ctx, conv.ID, model.ModeTakeover, "op-1", "")
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, 1, listed.Count, "default listing is spectator mode")

	rec = f.do(http.MethodGet, "/conversations?mode=takeover", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, 1, listed.Count)

	rec = f.do(http.MethodGet, "/conversations?mode=puppet", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetConversation(t *testing.T) {
	f := newConsoleFixture(t)

	conv, err := f.convos.Ensure(context.Background(), "521811")
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/conversations/"+conv.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, model.ModeSpectator, got.Mode)
}

func TestSetModeRoundTrip(t *testing.T) {
	f := newConsoleFixture(t)

	conv, err := f.convos.Ensure(context.Background(), "521811")
	require.NoError(t, err)

	rec := f.do(http.MethodPut, "/conversations/"+conv.ID+"/mode",
		`{"mode": "takeover", "operator_id": "op-1", "reason": "client asked"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, model.ModeTakeover, got.Mode)
	assert.Equal(t, "op-1", got.AssignedOperatorID)
}

func TestSetModeInvalidTransitionConflicts(t *testing.T) {
	f := newConsoleFixture(t)
	ctx := context.Background()

	conv, err := f.convos.Ensure(ctx, "521811")
	require.NoError(t, err)
	_, err = f.convos.SetMode(ctx, conv.ID, model.ModeAutomatedOnly, "op-1", "")
	require.NoError(t, err)

	rec := f.do(http.MethodPut, "/conversations/"+conv.ID+"/mode", `{"mode": "takeover"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSetModeUnknownConversation(t *testing.T) {
	f := newConsoleFixture(t)
	missing := "01912345-abcd-7abc-8def-123456789abc"

	rec := f.do(http.MethodPut, "/conversations/"+missing+"/mode", `{"mode": "takeover"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessagesEndpoint(t *testing.T) {
	f := newConsoleFixture(t)
	ctx := context.Background()

	conv, err := f.convos.Ensure(ctx, "521811")
	require.NoError(t, err)
	base := time.Now()
	for i, content := range []string{"uno", "dos", "tres"} {
		require.NoError(t, f.store.AppendMessage(ctx, &model.Message{
			ID: content, ConversationID: conv.ID, Sender: model.SenderClient,
			Content: content, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	rec := f.do(http.MethodGet, "/conversations/"+conv.ID+"/messages?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Messages []model.Message `json:"messages"`
		Count    int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, "dos", got.Messages[0].Content)
	assert.Equal(t, "tres", got.Messages[1].Content)
}

func TestMarkReadClearsUnread(t *testing.T) {
	f := newConsoleFixture(t)
	ctx := context.Background()

	conv, err := f.convos.Ensure(ctx, "521811")
	require.NoError(t, err)
	require.NoError(t, f.convos.Touch(ctx, conv.ID, true))

	rec := f.do(http.MethodPost, "/conversations/"+conv.ID+"/read", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	got, err := f.convos.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UnreadCount)
}

func TestHandoffEndpoint(t *testing.T) {
	f := newConsoleFixture(t)
	ctx := context.Background()

	conv, err := f.convos.Ensure(ctx, "521811")
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/conversations/"+conv.ID+"/handoff", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no escalation yet")
}
