package model

import (
	"time"
)

// SenderKind identifies who produced a message.
type SenderKind string

const (
	SenderClient    SenderKind = "client"
	SenderAutomated SenderKind = "automated"
	SenderOperator  SenderKind = "operator"
)

// DeliveryStatus tracks an outbound message through the provider.
// Transitions move monotonically forward except failed, which may branch
// back into a new delivery attempt.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

var statusRank = map[DeliveryStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether moving from s to next is allowed.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	if next == StatusFailed {
		return s != StatusDelivered && s != StatusRead
	}
	if s == StatusFailed {
		// A retry produces a fresh delivery attempt.
		return next == StatusSending || next == StatusSent
	}
	return statusRank[next] > statusRank[s]
}

// Message is one entry in a conversation transcript. Append-only.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	JobID          string         `json:"job_id,omitempty"`
	Sender         SenderKind     `json:"sender"`
	Content        string         `json:"content"`
	Status         DeliveryStatus `json:"status"`
	ProviderMsgID  string         `json:"provider_msg_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// RetryRecord tracks redelivery of a failed outbound message. Terminal
// after the configured attempt ceiling.
type RetryRecord struct {
	MessageID   string    `json:"message_id"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at"`
	LastError   string    `json:"last_error,omitempty"`
}
