package model

import (
	"time"
)

// RealtimeEventType names a fan-out notification to operator consoles.
type RealtimeEventType string

const (
	EventMessageNew    RealtimeEventType = "message.new"
	EventMessageStatus RealtimeEventType = "message.status"
	EventModeChanged   RealtimeEventType = "conversation.mode"
	EventHeartbeat     RealtimeEventType = "heartbeat"
)

// RealtimeEvent is one notification pushed to connected consoles.
type RealtimeEvent struct {
	Type           RealtimeEventType `json:"type"`
	ConversationID string            `json:"conversation_id"`
	Payload        any               `json:"payload,omitempty"`
	At             time.Time         `json:"at"`
}

// StatusChange is the payload of an EventMessageStatus notification.
type StatusChange struct {
	MessageID string         `json:"message_id"`
	Status    DeliveryStatus `json:"status"`
}
