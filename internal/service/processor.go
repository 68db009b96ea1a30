package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/partstream/messaging-backend/internal/bot"
	"github.com/partstream/messaging-backend/internal/convo"
	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/internal/provider"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/pkg/logger"
)

// Responder produces the automated reply for one inbound turn.
type Responder interface {
	Respond(ctx context.Context, conv *model.Conversation, inbound string) (*bot.Reply, error)
}

// Processor is the worker-pool handler for inbound jobs: it routes
// status notifications into the delivery tracker and client messages
// through the dialogue engine.
type Processor struct {
	store    store.Store
	convos   *convo.Service
	bot      Responder
	delivery *Delivery
	notify   Notifier
	log      *logger.Logger
}

// NewProcessor creates the job processor.
func NewProcessor(st store.Store, convos *convo.Service, responder Responder, delivery *Delivery, notify Notifier, log *logger.Logger) *Processor {
	return &Processor{
		store:    st,
		convos:   convos,
		bot:      responder,
		delivery: delivery,
		notify:   notify,
		log:      log,
	}
}

// Handle processes one job. A returned error sends the job through the
// queue's retry schedule, so only retryable failures may surface here.
func (p *Processor) Handle(ctx context.Context, job *model.Job) error {
	switch job.Payload.Kind {
	case model.KindStatus:
		return p.handleStatus(ctx, job)
	case model.KindText, model.KindInteractive:
		return p.handleClientMessage(ctx, job)
	default:
		p.log.Warn("unknown inbound kind, dropping", "job_id", job.ID, "kind", job.Payload.Kind)
		return nil
	}
}

// handleStatus applies a provider delivery notification to the tracked
// outbound message.
func (p *Processor) handleStatus(ctx context.Context, job *model.Job) error {
	status, ok := provider.MapStatus(job.Payload.StatusName)
	if !ok {
		p.log.Debug("unknown delivery status, dropping", "job_id", job.ID, "status", job.Payload.StatusName)
		return nil
	}

	msg, err := p.store.FindMessageByProviderID(ctx, job.Payload.StatusOf)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Status for a message we never tracked, likely sent by an
			// operator through another channel.
			p.log.Debug("status for untracked message", "provider_msg_id", job.Payload.StatusOf)
			return nil
		}
		return err
	}

	applied, err := p.store.TransitionMessageStatus(ctx, msg.ID, status)
	if err != nil {
		return err
	}
	if !applied {
		// Out-of-order notification; the message already moved past it.
		return nil
	}

	if status == model.StatusFailed {
		if err := p.delivery.EnsureRetryRecord(ctx, msg.ID, "provider reported failure"); err != nil {
			return err
		}
	}
	if p.notify != nil {
		p.notify.PublishStatus(ctx, msg.ConversationID, msg.ID, status)
	}
	return nil
}

func (p *Processor) handleClientMessage(ctx context.Context, job *model.Job) error {
	// Replayed job after a lease expiry or crash: if the reply already
	// exists the turn is done, no duplicate send.
	if _, err := p.store.FindMessageByJobID(ctx, job.ID); err == nil {
		p.log.Info("job already produced a reply, skipping", "job_id", job.ID)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	conv, err := p.convos.Ensure(ctx, job.Payload.From)
	if err != nil {
		return err
	}

	inbound := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		Sender:         model.SenderClient,
		Content:        job.Payload.Text,
		CreatedAt:      job.Payload.ReceivedAt,
	}
	if err := p.store.AppendMessage(ctx, inbound); err != nil {
		return err
	}
	if err := p.convos.Touch(ctx, conv.ID, true); err != nil {
		p.log.Warn("failed to touch conversation", "conversation_id", conv.ID, "error", err)
	}
	if p.notify != nil {
		p.notify.PublishMessage(ctx, inbound)
	}

	// Ownership gate: under operator takeover the engine stays silent.
	if conv.Mode == model.ModeTakeover {
		p.log.Debug("conversation under takeover, engine silent", "conversation_id", conv.ID)
		return nil
	}

	reply, err := p.bot.Respond(ctx, conv, job.Payload.Text)
	if err != nil {
		return err
	}

	text := reply.Text
	if !reply.ShouldSend {
		// The engine held its reply for a machine-readable reason; the
		// client still gets the matching data prompt.
		text = bot.PromptForReason(reply.Reason)
		if text == "" {
			p.log.Info("reply suppressed", "conversation_id", conv.ID, "reason", reply.Reason)
			return nil
		}
	}

	if _, err := p.delivery.Send(ctx, conv, text, job.ID); err != nil {
		return err
	}
	return nil
}
