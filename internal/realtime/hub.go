// Package realtime fans conversation events out to operator consoles
// through NATS core pub/sub. Notifications are fire-and-forget: delivery
// state lives in the store, the hub only tells connected consoles that
// something changed.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/pkg/logger"
)

const subjectPrefix = "rt.convo."

// subscriber channel buffer; slow consumers lose events rather than
// stalling the publisher.
const subscriberBuffer = 64

// Hub publishes and subscribes per-conversation events.
type Hub struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewHub creates a hub over an established NATS connection.
func NewHub(conn *nats.Conn, log *logger.Logger) *Hub {
	return &Hub{conn: conn, log: log}
}

func subject(conversationID string, t model.RealtimeEventType) string {
	return subjectPrefix + conversationID + "." + string(t)
}

func (h *Hub) publish(conversationID string, event model.RealtimeEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("realtime event marshal failed", "conversation_id", conversationID, "error", err)
		return
	}
	if err := h.conn.Publish(subject(conversationID, event.Type), data); err != nil {
		h.log.Warn("realtime publish failed", "conversation_id", conversationID, "type", event.Type, "error", err)
	}
}

// PublishMessage announces a new message in a conversation.
func (h *Hub) PublishMessage(ctx context.Context, msg *model.Message) {
	h.publish(msg.ConversationID, model.RealtimeEvent{
		Type:           model.EventMessageNew,
		ConversationID: msg.ConversationID,
		Payload:        msg,
		At:             time.Now(),
	})
}

// PublishStatus announces a delivery-status transition.
func (h *Hub) PublishStatus(ctx context.Context, conversationID, messageID string, status model.DeliveryStatus) {
	h.publish(conversationID, model.RealtimeEvent{
		Type:           model.EventMessageStatus,
		ConversationID: conversationID,
		Payload:        model.StatusChange{MessageID: messageID, Status: status},
		At:             time.Now(),
	})
}

// PublishMode announces an ownership-mode change.
func (h *Hub) PublishMode(ctx context.Context, conversationID string, mode model.OwnershipMode) {
	h.publish(conversationID, model.RealtimeEvent{
		Type:           model.EventModeChanged,
		ConversationID: conversationID,
		Payload:        map[string]string{"mode": string(mode)},
		At:             time.Now(),
	})
}

// Subscription is one console's live feed for a conversation.
type Subscription struct {
	Events <-chan model.RealtimeEvent

	sub *nats.Subscription

	mu     sync.Mutex
	ch     chan model.RealtimeEvent
	closed bool
}

// deliver hands one event to the console without stalling the publisher.
// Reports false when the event was dropped, either because the consumer
// lags or the subscription closed.
func (s *Subscription) deliver(event model.RealtimeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// Close stops the feed and releases the NATS subscription. Unsubscribe
// does not wait for a callback already executing, so the closed flag and
// the channel send share a lock.
func (s *Subscription) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Subscribe opens a live feed of all events for one conversation.
func (h *Hub) Subscribe(conversationID string) (*Subscription, error) {
	ch := make(chan model.RealtimeEvent, subscriberBuffer)
	s := &Subscription{Events: ch, ch: ch}
	sub, err := h.conn.Subscribe(subjectPrefix+conversationID+".>", func(m *nats.Msg) {
		var event model.RealtimeEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			h.log.Warn("realtime event decode failed", "subject", m.Subject, "error", err)
			return
		}
		if !s.deliver(event) {
			h.log.Debug("realtime event dropped", "conversation_id", conversationID)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
	}
	s.sub = sub
	return s, nil
}
