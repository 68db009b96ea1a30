// Package convo holds the conversation state store and the takeover
// state machine that decides who answers a conversation.
package convo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/pkg/logger"
)

// ErrInvalidTransition is returned for disallowed mode changes.
var ErrInvalidTransition = errors.New("convo: invalid mode transition")

// Publisher receives mode-change notifications for fan-out to consoles.
type Publisher interface {
	PublishMode(ctx context.Context, conversationID string, mode model.OwnershipMode)
}

// Service mediates all conversation-state access.
type Service struct {
	store store.Store
	pub   Publisher
	log   *logger.Logger
}

// NewService creates the conversation service.
func NewService(st store.Store, pub Publisher, log *logger.Logger) *Service {
	return &Service{store: st, pub: pub, log: log}
}

// Ensure returns the conversation for a client identifier, creating it in
// spectator mode on the first inbound event.
func (s *Service) Ensure(ctx context.Context, clientID string) (*model.Conversation, error) {
	conv, err := s.store.FindConversationByClient(ctx, clientID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	conv = &model.Conversation{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ClientID:       clientID,
		Mode:           model.ModeSpectator,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.store.PutConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a creation race; the other writer's row wins.
			return s.store.FindConversationByClient(ctx, clientID)
		}
		return nil, err
	}
	s.log.Info("conversation created", "conversation_id", conv.ID, "client_id", clientID)
	return conv, nil
}

// Get retrieves a conversation by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// Mode returns the current ownership mode for a conversation.
func (s *Service) Mode(ctx context.Context, id string) (model.OwnershipMode, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return "", err
	}
	return conv.Mode, nil
}

func validTransition(from, to model.OwnershipMode) bool {
	if from == to {
		return true
	}
	switch {
	case from == model.ModeSpectator && to == model.ModeTakeover:
		return true
	case from == model.ModeTakeover && to == model.ModeSpectator:
		return true
	case from == model.ModeSpectator && to == model.ModeAutomatedOnly:
		return true
	case from == model.ModeAutomatedOnly && to == model.ModeSpectator:
		return true
	}
	// automated_only never escalates to a human.
	return false
}

// SetMode transitions the takeover state machine. A concurrent-update
// conflict is resolved by re-reading state and retrying once.
func (s *Service) SetMode(ctx context.Context, id string, mode model.OwnershipMode, operatorID, reason string) (*model.Conversation, error) {
	conv, err := s.setMode(ctx, id, mode, operatorID, reason)
	if errors.Is(err, store.ErrConflict) {
		conv, err = s.setMode(ctx, id, mode, operatorID, reason)
	}
	if err != nil {
		return nil, err
	}

	if s.pub != nil {
		s.pub.PublishMode(ctx, id, mode)
	}
	s.log.Info("conversation mode changed",
		"conversation_id", id, "mode", mode, "operator_id", operatorID, "reason", reason)
	return conv, nil
}

func (s *Service) setMode(ctx context.Context, id string, mode model.OwnershipMode, operatorID, reason string) (*model.Conversation, error) {
	return s.store.UpdateConversation(ctx, id, func(c *model.Conversation) error {
		if !validTransition(c.Mode, mode) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Mode, mode)
		}
		c.Mode = mode
		c.ModeReason = reason
		if mode == model.ModeTakeover {
			c.AssignedOperatorID = operatorID
		} else {
			c.AssignedOperatorID = ""
		}
		return nil
	})
}

// ListByMode lists non-archived conversations for operator dashboards.
func (s *Service) ListByMode(ctx context.Context, mode model.OwnershipMode) ([]*model.Conversation, error) {
	return s.store.ListConversationsByMode(ctx, mode)
}

// Touch records activity and optionally bumps the unread counter.
func (s *Service) Touch(ctx context.Context, id string, unread bool) error {
	_, err := s.store.UpdateConversation(ctx, id, func(c *model.Conversation) error {
		c.LastActivityAt = time.Now()
		if unread {
			c.UnreadCount++
		}
		return nil
	})
	return err
}

// MarkRead clears the unread counter.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	_, err := s.store.UpdateConversation(ctx, id, func(c *model.Conversation) error {
		c.UnreadCount = 0
		return nil
	})
	return err
}

// UpdateProfile mutates the client profile under the single-key lock.
func (s *Service) UpdateProfile(ctx context.Context, id string, fn func(*model.ClientProfile)) (*model.Conversation, error) {
	return s.store.UpdateConversation(ctx, id, func(c *model.Conversation) error {
		fn(&c.Profile)
		return nil
	})
}

// ArchiveIdle archives conversations inactive past the threshold and
// returns their ids. Best-effort; used by the reaper.
func (s *Service) ArchiveIdle(ctx context.Context, olderThan time.Duration) []string {
	convs, err := s.store.ListIdleConversations(ctx, time.Now().Add(-olderThan))
	if err != nil {
		s.log.Warn("failed to list idle conversations", "error", err)
		return nil
	}
	var archived []string
	for _, conv := range convs {
		_, err := s.store.UpdateConversation(ctx, conv.ID, func(c *model.Conversation) error {
			c.Archived = true
			return nil
		})
		if err != nil {
			s.log.Warn("failed to archive conversation", "conversation_id", conv.ID, "error", err)
			continue
		}
		archived = append(archived, conv.ID)
	}
	return archived
}
