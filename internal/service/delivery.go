// Package service contains the business logic: the inbound job processor
// and the outbound delivery pipeline.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/internal/provider"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/pkg/logger"
	"github.com/partstream/messaging-backend/pkg/metrics"
)

// Sender delivers outbound messages through the provider.
type Sender interface {
	SendText(ctx context.Context, to, text string) (string, error)
}

// Notifier fans events out to operator consoles. May be nil.
type Notifier interface {
	PublishMessage(ctx context.Context, msg *model.Message)
	PublishStatus(ctx context.Context, conversationID, messageID string, status model.DeliveryStatus)
}

// DeliveryConfig tunes the redelivery schedule.
type DeliveryConfig struct {
	// RetryCeiling is the total attempt budget per message, the first
	// send included.
	RetryCeiling int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// Delivery owns outbound sends and their status tracking. The processor
// uses it for first sends, the sweeper for redelivery.
type Delivery struct {
	store  store.Store
	sender Sender
	notify Notifier
	cfg    DeliveryConfig
	log    *logger.Logger
}

// NewDelivery creates the delivery pipeline.
func NewDelivery(st store.Store, sender Sender, notify Notifier, cfg DeliveryConfig, log *logger.Logger) *Delivery {
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Hour
	}
	return &Delivery{store: st, sender: sender, notify: notify, cfg: cfg, log: log}
}

// Send records and delivers one automated reply. A transient provider
// failure does not fail the caller's job: the message parks in failed
// state with a retry record and the sweeper takes over.
func (d *Delivery) Send(ctx context.Context, conv *model.Conversation, content, jobID string) (*model.Message, error) {
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		JobID:          jobID,
		Sender:         model.SenderAutomated,
		Content:        content,
		Status:         model.StatusSending,
		CreatedAt:      time.Now(),
	}
	if err := d.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	if d.notify != nil {
		d.notify.PublishMessage(ctx, msg)
	}

	providerID, err := d.sender.SendText(ctx, conv.ClientID, content)
	if err != nil {
		if !provider.IsTransientSendError(err) {
			d.markRejected(ctx, msg, err)
			return msg, nil
		}
		d.markFailed(ctx, msg, 1, err)
		return msg, nil
	}
	d.markSent(ctx, msg, providerID)
	metrics.OutboundSendsTotal.WithLabelValues("ok").Inc()
	return msg, nil
}

// Retry redelivers one parked message. Called by the sweeper once the
// record's NextRetryAt has passed.
func (d *Delivery) Retry(ctx context.Context, rec *model.RetryRecord) error {
	msg, err := d.store.GetMessage(ctx, rec.MessageID)
	if err != nil {
		// Message gone; the record is garbage.
		d.log.Warn("retry record without message, dropping", "message_id", rec.MessageID, "error", err)
		return d.store.DeleteRetryRecord(ctx, rec.MessageID)
	}
	conv, err := d.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return err
	}

	if _, err := d.store.TransitionMessageStatus(ctx, msg.ID, model.StatusSending); err != nil {
		return err
	}

	providerID, err := d.sender.SendText(ctx, conv.ClientID, msg.Content)
	if err != nil {
		attempts := rec.Attempts + 1
		if !provider.IsTransientSendError(err) {
			// Permanent rejection: redelivery cannot succeed, stop here.
			if derr := d.store.DeleteRetryRecord(ctx, msg.ID); derr != nil {
				d.log.Warn("failed to delete retry record", "message_id", msg.ID, "error", derr)
			}
			d.markRejected(ctx, msg, err)
			metrics.MessageRetriesTotal.WithLabelValues("rejected").Inc()
			return nil
		}
		if attempts >= d.cfg.RetryCeiling {
			return d.giveUp(ctx, msg, attempts, err)
		}
		d.markFailed(ctx, msg, attempts, err)
		metrics.MessageRetriesTotal.WithLabelValues("failed").Inc()
		return nil
	}

	if err := d.store.DeleteRetryRecord(ctx, msg.ID); err != nil {
		d.log.Warn("failed to delete retry record", "message_id", msg.ID, "error", err)
	}
	d.markSent(ctx, msg, providerID)
	metrics.MessageRetriesTotal.WithLabelValues("ok").Inc()
	d.log.Info("message redelivered", "message_id", msg.ID, "attempts", rec.Attempts+1)
	return nil
}

// EnsureRetryRecord parks a provider-reported failure for redelivery,
// leaving an existing record untouched.
func (d *Delivery) EnsureRetryRecord(ctx context.Context, messageID string, cause string) error {
	if _, err := d.store.GetRetryRecord(ctx, messageID); err == nil {
		return nil
	}
	return d.store.PutRetryRecord(ctx, &model.RetryRecord{
		MessageID:   messageID,
		Attempts:    1,
		NextRetryAt: time.Now().Add(d.backoff(1)),
		LastError:   cause,
	})
}

func (d *Delivery) markSent(ctx context.Context, msg *model.Message, providerID string) {
	if _, err := d.store.TransitionMessageStatus(ctx, msg.ID, model.StatusSent); err != nil {
		d.log.Error("failed to mark message sent", "message_id", msg.ID, "error", err)
		return
	}
	if providerID != "" {
		if err := d.store.SetMessageProviderID(ctx, msg.ID, providerID); err != nil {
			d.log.Warn("failed to store provider message id", "message_id", msg.ID, "error", err)
		}
	}
	if d.notify != nil {
		d.notify.PublishStatus(ctx, msg.ConversationID, msg.ID, model.StatusSent)
	}
}

// markFailed parks a transiently failed message behind a retry record.
func (d *Delivery) markFailed(ctx context.Context, msg *model.Message, attempts int, cause error) {
	if _, err := d.store.TransitionMessageStatus(ctx, msg.ID, model.StatusFailed); err != nil {
		d.log.Error("failed to mark message failed", "message_id", msg.ID, "error", err)
	}
	if err := d.store.PutRetryRecord(ctx, &model.RetryRecord{
		MessageID:   msg.ID,
		Attempts:    attempts,
		NextRetryAt: time.Now().Add(d.backoff(attempts)),
		LastError:   cause.Error(),
	}); err != nil {
		d.log.Error("failed to store retry record", "message_id", msg.ID, "error", err)
	}
	if d.notify != nil {
		d.notify.PublishStatus(ctx, msg.ConversationID, msg.ID, model.StatusFailed)
	}
	metrics.OutboundSendsTotal.WithLabelValues("failed").Inc()
	d.log.Warn("outbound send failed, scheduled for retry",
		"message_id", msg.ID, "attempts", attempts, "error", cause)
}

// markRejected finalizes a permanently rejected send (bad credential,
// invalid recipient). No retry record: redelivering the same request can
// only produce the same rejection.
func (d *Delivery) markRejected(ctx context.Context, msg *model.Message, cause error) {
	if _, err := d.store.TransitionMessageStatus(ctx, msg.ID, model.StatusFailed); err != nil {
		d.log.Error("failed to mark message failed", "message_id", msg.ID, "error", err)
	}
	if d.notify != nil {
		d.notify.PublishStatus(ctx, msg.ConversationID, msg.ID, model.StatusFailed)
	}
	metrics.OutboundSendsTotal.WithLabelValues("rejected").Inc()
	d.log.Error("outbound send permanently rejected", "message_id", msg.ID, "error", cause)
}

// giveUp marks a message permanently failed after the attempt ceiling.
func (d *Delivery) giveUp(ctx context.Context, msg *model.Message, attempts int, cause error) error {
	if _, err := d.store.TransitionMessageStatus(ctx, msg.ID, model.StatusFailed); err != nil {
		return err
	}
	if err := d.store.DeleteRetryRecord(ctx, msg.ID); err != nil {
		return err
	}
	if d.notify != nil {
		d.notify.PublishStatus(ctx, msg.ConversationID, msg.ID, model.StatusFailed)
	}
	metrics.MessageRetriesTotal.WithLabelValues("exhausted").Inc()
	d.log.Error("message delivery abandoned after retry ceiling",
		"message_id", msg.ID, "attempts", attempts, "error", cause)
	return nil
}

// backoff doubles per attempt from the base, capped.
func (d *Delivery) backoff(attempt int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffCap {
			return d.cfg.BackoffCap
		}
	}
	if delay > d.cfg.BackoffCap {
		return d.cfg.BackoffCap
	}
	return delay
}
