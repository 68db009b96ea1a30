package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/partstream/messaging-backend/internal/convo"
	"github.com/partstream/messaging-backend/internal/middleware"
	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/internal/realtime"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/pkg/logger"
	"github.com/partstream/messaging-backend/pkg/metrics"
)

const (
	streamReplayLimit = 50
	heartbeatInterval = 30 * time.Second
)

// StreamHandler serves the operator console's live conversation feed
// over SSE: a transcript replay followed by realtime events.
type StreamHandler struct {
	convos *convo.Service
	store  store.Store
	hub    *realtime.Hub
	logger *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(convos *convo.Service, st store.Store, hub *realtime.Hub, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		convos: convos,
		store:  st,
		hub:    hub,
		logger: log,
	}
}

// Stream handles GET /api/v1/conversations/{id}/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.convos.Get(ctx, conversationID); err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	// Subscribe before replay so nothing published in between is lost.
	sub, err := h.hub.Subscribe(conversationID)
	if err != nil {
		h.logger.Error("stream subscription failed", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	defer sub.Close()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversation_id": conversationID,
	})

	// Replay the recent transcript so the console starts with context.
	msgs, err := h.store.ListMessages(ctx, conversationID, streamReplayLimit)
	if err != nil {
		h.logger.Error("transcript replay failed", "conversation_id", conversationID, "error", err)
		sendSSEEvent(w, flusher, "error", map[string]string{
			"code":    "replay_error",
			"message": "failed to replay transcript",
		})
	} else {
		for _, msg := range msgs {
			sendSSEEvent(w, flusher, "message", msg)
		}
		sendSSEEvent(w, flusher, "replay_complete", map[string]int{
			"message_count": len(msgs),
		})
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", "conversation_id", conversationID)
			return

		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, string(event.Type), event)

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, string(model.EventHeartbeat), model.RealtimeEvent{
				Type:           model.EventHeartbeat,
				ConversationID: conversationID,
				At:             time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
