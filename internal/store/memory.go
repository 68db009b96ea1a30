package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/partstream/messaging-backend/internal/model"
)

// Memory is an in-memory Store. It backs tests and single-node
// deployments that can tolerate losing queue state on restart.
type Memory struct {
	jobsMu sync.RWMutex
	jobs   map[string]*model.Job

	convMu   sync.RWMutex
	convs    map[string]*model.Conversation
	byClient map[string]string

	msgMu    sync.RWMutex
	messages map[string]*model.Message
	byConv   map[string][]string

	retryMu sync.RWMutex
	retries map[string]*model.RetryRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]*model.Job),
		convs:    make(map[string]*model.Conversation),
		byClient: make(map[string]string),
		messages: make(map[string]*model.Message),
		byConv:   make(map[string][]string),
		retries:  make(map[string]*model.RetryRecord),
	}
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	return &c
}

func cloneConv(c *model.Conversation) *model.Conversation {
	cc := *c
	return &cc
}

func cloneMsg(m *model.Message) *model.Message {
	c := *m
	return &c
}

// SaveJob stores a new job.
func (m *Memory) SaveJob(ctx context.Context, job *model.Job) error {
	m.jobsMu.Lock()
	defer m.jobsMu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrConflict
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJob replaces a stored job.
func (m *Memory) UpdateJob(ctx context.Context, job *model.Job) error {
	m.jobsMu.Lock()
	defer m.jobsMu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob retrieves a job by id.
func (m *Memory) GetJob(ctx context.Context, id string) (*model.Job, error) {
	m.jobsMu.RLock()
	defer m.jobsMu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

// ListJobsByStatus returns jobs in any of the given statuses, oldest first.
func (m *Memory) ListJobsByStatus(ctx context.Context, statuses ...model.JobStatus) ([]*model.Job, error) {
	want := make(map[model.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	m.jobsMu.RLock()
	defer m.jobsMu.RUnlock()
	var out []*model.Job
	for _, j := range m.jobs {
		if want[j.Status] {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// DeleteJobs removes jobs in any of the given statuses.
func (m *Memory) DeleteJobs(ctx context.Context, statuses ...model.JobStatus) (int, error) {
	want := make(map[model.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	m.jobsMu.Lock()
	defer m.jobsMu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if want[j.Status] {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

// GetConversation retrieves a conversation by id.
func (m *Memory) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	m.convMu.RLock()
	defer m.convMu.RUnlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConv(c), nil
}

// FindConversationByClient looks a conversation up by client identifier.
func (m *Memory) FindConversationByClient(ctx context.Context, clientID string) (*model.Conversation, error) {
	m.convMu.RLock()
	defer m.convMu.RUnlock()
	id, ok := m.byClient[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConv(m.convs[id]), nil
}

// PutConversation stores a conversation.
func (m *Memory) PutConversation(ctx context.Context, conv *model.Conversation) error {
	m.convMu.Lock()
	defer m.convMu.Unlock()
	if existing, ok := m.byClient[conv.ClientID]; ok && existing != conv.ID {
		return ErrConflict
	}
	m.convs[conv.ID] = cloneConv(conv)
	m.byClient[conv.ClientID] = conv.ID
	return nil
}

// UpdateConversation applies fn under the store lock.
func (m *Memory) UpdateConversation(ctx context.Context, id string, fn func(*model.Conversation) error) (*model.Conversation, error) {
	m.convMu.Lock()
	defer m.convMu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	updated := cloneConv(c)
	if err := fn(updated); err != nil {
		return nil, err
	}
	m.convs[id] = updated
	return cloneConv(updated), nil
}

// ListConversationsByMode returns non-archived conversations in a mode.
func (m *Memory) ListConversationsByMode(ctx context.Context, mode model.OwnershipMode) ([]*model.Conversation, error) {
	m.convMu.RLock()
	defer m.convMu.RUnlock()
	var out []*model.Conversation
	for _, c := range m.convs {
		if c.Mode == mode && !c.Archived {
			out = append(out, cloneConv(c))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].LastActivityAt.After(out[k].LastActivityAt) })
	return out, nil
}

// ListIdleConversations returns non-archived conversations idle since before.
func (m *Memory) ListIdleConversations(ctx context.Context, before time.Time) ([]*model.Conversation, error) {
	m.convMu.RLock()
	defer m.convMu.RUnlock()
	var out []*model.Conversation
	for _, c := range m.convs {
		if !c.Archived && c.LastActivityAt.Before(before) {
			out = append(out, cloneConv(c))
		}
	}
	return out, nil
}

// AppendMessage stores a new message.
func (m *Memory) AppendMessage(ctx context.Context, msg *model.Message) error {
	m.msgMu.Lock()
	defer m.msgMu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return ErrConflict
	}
	m.messages[msg.ID] = cloneMsg(msg)
	m.byConv[msg.ConversationID] = append(m.byConv[msg.ConversationID], msg.ID)
	return nil
}

// GetMessage retrieves a message by id.
func (m *Memory) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m.msgMu.RLock()
	defer m.msgMu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMsg(msg), nil
}

// TransitionMessageStatus applies a monotonic delivery-status transition.
func (m *Memory) TransitionMessageStatus(ctx context.Context, id string, status model.DeliveryStatus) (bool, error) {
	m.msgMu.Lock()
	defer m.msgMu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	if !msg.Status.CanTransition(status) {
		return false, nil
	}
	msg.Status = status
	return true, nil
}

// FindMessageByProviderID looks a message up by the provider's message id.
func (m *Memory) FindMessageByProviderID(ctx context.Context, providerID string) (*model.Message, error) {
	m.msgMu.RLock()
	defer m.msgMu.RUnlock()
	for _, msg := range m.messages {
		if msg.ProviderMsgID == providerID {
			return cloneMsg(msg), nil
		}
	}
	return nil, ErrNotFound
}

// FindMessageByJobID looks an automated message up by its originating job.
func (m *Memory) FindMessageByJobID(ctx context.Context, jobID string) (*model.Message, error) {
	m.msgMu.RLock()
	defer m.msgMu.RUnlock()
	for _, msg := range m.messages {
		if msg.JobID == jobID && msg.Sender == model.SenderAutomated {
			return cloneMsg(msg), nil
		}
	}
	return nil, ErrNotFound
}

// ListMessages returns the most recent limit messages in chronological order.
func (m *Memory) ListMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	m.msgMu.RLock()
	defer m.msgMu.RUnlock()
	ids := m.byConv[conversationID]
	start := 0
	if limit > 0 && len(ids) > limit {
		start = len(ids) - limit
	}
	out := make([]*model.Message, 0, len(ids)-start)
	for _, id := range ids[start:] {
		out = append(out, cloneMsg(m.messages[id]))
	}
	return out, nil
}

// SetMessageProviderID records the provider-assigned id for a message.
func (m *Memory) SetMessageProviderID(ctx context.Context, id, providerID string) error {
	m.msgMu.Lock()
	defer m.msgMu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.ProviderMsgID = providerID
	return nil
}

// PutRetryRecord stores or replaces a retry record.
func (m *Memory) PutRetryRecord(ctx context.Context, rec *model.RetryRecord) error {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()
	c := *rec
	m.retries[rec.MessageID] = &c
	return nil
}

// GetRetryRecord retrieves a retry record by message id.
func (m *Memory) GetRetryRecord(ctx context.Context, messageID string) (*model.RetryRecord, error) {
	m.retryMu.RLock()
	defer m.retryMu.RUnlock()
	r, ok := m.retries[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

// DeleteRetryRecord removes a retry record.
func (m *Memory) DeleteRetryRecord(ctx context.Context, messageID string) error {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()
	delete(m.retries, messageID)
	return nil
}

// ListDueRetries returns records whose next attempt is due, oldest first.
func (m *Memory) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*model.RetryRecord, error) {
	m.retryMu.RLock()
	defer m.retryMu.RUnlock()
	var out []*model.RetryRecord
	for _, r := range m.retries {
		if !r.NextRetryAt.After(now) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextRetryAt.Before(out[k].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }
