package model

import (
	"time"
)

// Priority classifies how urgently an inbound event should be processed.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// InboundKind is the classified shape of a provider event.
type InboundKind string

const (
	// KindText is a plain text message from a client.
	KindText InboundKind = "text"
	// KindInteractive is a button/list reply or other non-text content.
	KindInteractive InboundKind = "interactive"
	// KindStatus is a delivery-status notification for an outbound message.
	KindStatus InboundKind = "status"
)

// InboundEvent is one validated provider event. Immutable once created;
// consumed exactly once by a Job.
type InboundEvent struct {
	ID         string      `json:"id"`
	From       string      `json:"from"`
	Kind       InboundKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	ReplyID    string      `json:"reply_id,omitempty"`
	StatusOf   string      `json:"status_of,omitempty"`
	StatusName string      `json:"status_name,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
	Priority   Priority    `json:"priority"`
}

// ClassifyPriority maps an event kind to its processing priority.
// Interactive content jumps the queue, plain text is normal, status
// notifications ride the low lane.
func ClassifyPriority(kind InboundKind) Priority {
	switch kind {
	case KindInteractive:
		return PriorityHigh
	case KindText:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
