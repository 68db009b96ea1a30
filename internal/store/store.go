// Package store defines the persistence boundary for jobs, conversations,
// messages and retry records, with in-memory and sqlite backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/partstream/messaging-backend/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a mutation loses a concurrent update race
// or would violate a state transition rule.
var ErrConflict = errors.New("store: conflict")

// Store is the persistence interface consumed by the queue, the
// conversation service and the sweepers. All mutations are single-key
// atomic: a read-modify-write touches exactly one job, conversation,
// message or retry record.
type Store interface {
	// Jobs
	SaveJob(ctx context.Context, job *model.Job) error
	UpdateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobsByStatus(ctx context.Context, statuses ...model.JobStatus) ([]*model.Job, error)
	DeleteJobs(ctx context.Context, statuses ...model.JobStatus) (int, error)

	// Conversations
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	FindConversationByClient(ctx context.Context, clientID string) (*model.Conversation, error)
	PutConversation(ctx context.Context, conv *model.Conversation) error
	// UpdateConversation applies fn to the stored conversation under the
	// store's single-key lock and persists the result.
	UpdateConversation(ctx context.Context, id string, fn func(*model.Conversation) error) (*model.Conversation, error)
	ListConversationsByMode(ctx context.Context, mode model.OwnershipMode) ([]*model.Conversation, error)
	ListIdleConversations(ctx context.Context, before time.Time) ([]*model.Conversation, error)

	// Messages
	AppendMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// TransitionMessageStatus applies a delivery-status transition if the
	// monotonic ordering allows it, reporting whether it was applied.
	TransitionMessageStatus(ctx context.Context, id string, status model.DeliveryStatus) (bool, error)
	FindMessageByProviderID(ctx context.Context, providerID string) (*model.Message, error)
	FindMessageByJobID(ctx context.Context, jobID string) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error)
	SetMessageProviderID(ctx context.Context, id, providerID string) error

	// Retry records
	PutRetryRecord(ctx context.Context, rec *model.RetryRecord) error
	GetRetryRecord(ctx context.Context, messageID string) (*model.RetryRecord, error)
	DeleteRetryRecord(ctx context.Context, messageID string) error
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*model.RetryRecord, error)

	Close() error
}
