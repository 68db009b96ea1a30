// Package provider integrates the external conversational-messaging
// provider: inbound payload parsing and outbound sends.
package provider

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/partstream/messaging-backend/internal/model"
)

// ErrMalformed marks a payload that cannot be classified. Malformed
// events are dropped by the gateway, never enqueued.
var ErrMalformed = errors.New("provider: malformed payload")

const expectedObject = "whatsapp_business_account"

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Messages []inboundMessage `json:"messages"`
				Statuses []statusUpdate   `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive struct {
		Type        string `json:"type"`
		ButtonReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

type statusUpdate struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
}

// ParseEvents validates a raw provider payload and classifies the events
// it carries. An empty slice with no error means the payload is valid
// but carries nothing actionable.
func ParseEvents(raw []byte, now time.Time) ([]model.InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrMalformed
	}
	if payload.Object != expectedObject {
		return nil, ErrMalformed
	}

	var events []model.InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				ev, ok := classifyMessage(msg, now)
				if !ok {
					continue
				}
				events = append(events, ev)
			}
			for _, st := range change.Value.Statuses {
				if st.ID == "" || st.Status == "" {
					continue
				}
				events = append(events, model.InboundEvent{
					ID:         st.ID + ":" + st.Status,
					From:       st.RecipientID,
					Kind:       model.KindStatus,
					StatusOf:   st.ID,
					StatusName: st.Status,
					ReceivedAt: now,
					Priority:   model.ClassifyPriority(model.KindStatus),
				})
			}
		}
	}
	return events, nil
}

func classifyMessage(msg inboundMessage, now time.Time) (model.InboundEvent, bool) {
	if msg.From == "" || msg.ID == "" {
		return model.InboundEvent{}, false
	}

	ev := model.InboundEvent{
		ID:         msg.ID,
		From:       msg.From,
		ReceivedAt: now,
	}

	switch msg.Type {
	case "text":
		if msg.Text.Body == "" {
			return model.InboundEvent{}, false
		}
		ev.Kind = model.KindText
		ev.Text = msg.Text.Body
	case "interactive":
		ev.Kind = model.KindInteractive
		switch msg.Interactive.Type {
		case "button_reply":
			ev.ReplyID = msg.Interactive.ButtonReply.ID
			ev.Text = msg.Interactive.ButtonReply.Title
		case "list_reply":
			ev.ReplyID = msg.Interactive.ListReply.ID
			ev.Text = msg.Interactive.ListReply.Title
		default:
			return model.InboundEvent{}, false
		}
	case "image", "audio", "video", "document", "location":
		// Non-text content rides the high lane like interactive replies.
		ev.Kind = model.KindInteractive
		ev.Text = "[" + msg.Type + "]"
	default:
		return model.InboundEvent{}, false
	}

	ev.Priority = model.ClassifyPriority(ev.Kind)
	return ev, true
}

// MapStatus translates a provider status name to a delivery status.
func MapStatus(name string) (model.DeliveryStatus, bool) {
	switch name {
	case "sent":
		return model.StatusSent, true
	case "delivered":
		return model.StatusDelivered, true
	case "read":
		return model.StatusRead, true
	case "failed":
		return model.StatusFailed, true
	}
	return "", false
}
