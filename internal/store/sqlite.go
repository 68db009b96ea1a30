package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/partstream/messaging-backend/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	priority TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	not_before INTEGER NOT NULL,
	lease_expires_at INTEGER,
	processed_at INTEGER,
	failure_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL UNIQUE,
	mode TEXT NOT NULL,
	assigned_operator_id TEXT NOT NULL DEFAULT '',
	mode_reason TEXT NOT NULL DEFAULT '',
	profile TEXT NOT NULL DEFAULT '{}',
	unread_count INTEGER NOT NULL DEFAULT 0,
	last_activity_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	archived INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	sender TEXT NOT NULL,
	content TEXT NOT NULL,
	status TEXT NOT NULL,
	provider_msg_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_provider ON messages(provider_msg_id);

CREATE TABLE IF NOT EXISTS retry_records (
	message_id TEXT PRIMARY KEY,
	attempts INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT ''
);
`

// SQLite is a durable Store backed by a local sqlite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn under the worker pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n) }

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// SaveJob stores a new job.
func (s *SQLite) SaveJob(ctx context.Context, job *model.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, priority, payload, status, attempts, max_attempts, created_at, not_before, lease_expires_at, processed_at, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, string(job.Priority), string(payload), string(job.Status),
		job.Attempts, job.MaxAttempts, nanos(job.CreatedAt), nanos(job.NotBefore),
		nullableNanos(job.LeaseExpiresAt), nullableNanos(job.ProcessedAt), job.FailureReason)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrConflict
		}
		return err
	}
	return nil
}

// UpdateJob replaces a stored job.
func (s *SQLite) UpdateJob(ctx context.Context, job *model.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status=?, attempts=?, not_before=?, lease_expires_at=?, processed_at=?, failure_reason=?
		WHERE id=?`,
		string(job.Status), job.Attempts, nanos(job.NotBefore),
		nullableNanos(job.LeaseExpiresAt), nullableNanos(job.ProcessedAt), job.FailureReason, job.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var (
		j          model.Job
		payload    string
		priority   string
		status     string
		createdAt  int64
		notBefore  int64
		lease      sql.NullInt64
		processed  sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.Queue, &priority, &payload, &status, &j.Attempts,
		&j.MaxAttempts, &createdAt, &notBefore, &lease, &processed, &j.FailureReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	j.Priority = model.Priority(priority)
	j.Status = model.JobStatus(status)
	j.CreatedAt = fromNanos(createdAt)
	j.NotBefore = fromNanos(notBefore)
	if lease.Valid {
		t := fromNanos(lease.Int64)
		j.LeaseExpiresAt = &t
	}
	if processed.Valid {
		t := fromNanos(processed.Int64)
		j.ProcessedAt = &t
	}
	return &j, nil
}

const jobCols = "id, queue, priority, payload, status, attempts, max_attempts, created_at, not_before, lease_expires_at, processed_at, failure_reason"

// GetJob retrieves a job by id.
func (s *SQLite) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobCols+" FROM jobs WHERE id=?", id)
	return scanJob(row)
}

func statusPlaceholders(statuses []model.JobStatus) (string, []any) {
	ph := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(ph, ","), args
}

// ListJobsByStatus returns jobs in any of the given statuses, oldest first.
func (s *SQLite) ListJobsByStatus(ctx context.Context, statuses ...model.JobStatus) ([]*model.Job, error) {
	ph, args := statusPlaceholders(statuses)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobCols+" FROM jobs WHERE status IN ("+ph+") ORDER BY created_at", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// DeleteJobs removes jobs in any of the given statuses.
func (s *SQLite) DeleteJobs(ctx context.Context, statuses ...model.JobStatus) (int, error) {
	ph, args := statusPlaceholders(statuses)
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE status IN ("+ph+")", args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const convCols = "id, client_id, mode, assigned_operator_id, mode_reason, profile, unread_count, last_activity_at, created_at, archived"

func scanConv(row interface{ Scan(...any) error }) (*model.Conversation, error) {
	var (
		c        model.Conversation
		mode     string
		profile  string
		lastAct  int64
		created  int64
		archived int
	)
	err := row.Scan(&c.ID, &c.ClientID, &mode, &c.AssignedOperatorID, &c.ModeReason,
		&profile, &c.UnreadCount, &lastAct, &created, &archived)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(profile), &c.Profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	c.Mode = model.OwnershipMode(mode)
	c.LastActivityAt = fromNanos(lastAct)
	c.CreatedAt = fromNanos(created)
	c.Archived = archived != 0
	return &c, nil
}

// GetConversation retrieves a conversation by id.
func (s *SQLite) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+convCols+" FROM conversations WHERE id=?", id)
	return scanConv(row)
}

// FindConversationByClient looks a conversation up by client identifier.
func (s *SQLite) FindConversationByClient(ctx context.Context, clientID string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+convCols+" FROM conversations WHERE client_id=?", clientID)
	return scanConv(row)
}

// PutConversation stores or replaces a conversation.
func (s *SQLite) PutConversation(ctx context.Context, conv *model.Conversation) error {
	profile, err := json.Marshal(conv.Profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	archived := 0
	if conv.Archived {
		archived = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, client_id, mode, assigned_operator_id, mode_reason, profile, unread_count, last_activity_at, created_at, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mode=excluded.mode,
			assigned_operator_id=excluded.assigned_operator_id,
			mode_reason=excluded.mode_reason,
			profile=excluded.profile,
			unread_count=excluded.unread_count,
			last_activity_at=excluded.last_activity_at,
			archived=excluded.archived`,
		conv.ID, conv.ClientID, string(conv.Mode), conv.AssignedOperatorID, conv.ModeReason,
		string(profile), conv.UnreadCount, nanos(conv.LastActivityAt), nanos(conv.CreatedAt), archived)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrConflict
		}
		return err
	}
	return nil
}

// UpdateConversation applies fn inside an immediate transaction so the
// read-modify-write is atomic for that single conversation.
func (s *SQLite) UpdateConversation(ctx context.Context, id string, fn func(*model.Conversation) error) (*model.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+convCols+" FROM conversations WHERE id=?", id)
	conv, err := scanConv(row)
	if err != nil {
		return nil, err
	}
	if err := fn(conv); err != nil {
		return nil, err
	}

	profile, err := json.Marshal(conv.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal profile: %w", err)
	}
	archived := 0
	if conv.Archived {
		archived = 1
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET mode=?, assigned_operator_id=?, mode_reason=?, profile=?, unread_count=?, last_activity_at=?, archived=?
		WHERE id=?`,
		string(conv.Mode), conv.AssignedOperatorID, conv.ModeReason, string(profile),
		conv.UnreadCount, nanos(conv.LastActivityAt), archived, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversationsByMode returns non-archived conversations in a mode.
func (s *SQLite) ListConversationsByMode(ctx context.Context, mode model.OwnershipMode) ([]*model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+convCols+" FROM conversations WHERE mode=? AND archived=0 ORDER BY last_activity_at DESC",
		string(mode))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConvs(rows)
}

// ListIdleConversations returns non-archived conversations idle since before.
func (s *SQLite) ListIdleConversations(ctx context.Context, before time.Time) ([]*model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+convCols+" FROM conversations WHERE archived=0 AND last_activity_at < ?", nanos(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConvs(rows)
}

func collectConvs(rows *sql.Rows) ([]*model.Conversation, error) {
	var out []*model.Conversation
	for rows.Next() {
		c, err := scanConv(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const msgCols = "id, conversation_id, job_id, sender, content, status, provider_msg_id, created_at"

func scanMsg(row interface{ Scan(...any) error }) (*model.Message, error) {
	var (
		m       model.Message
		sender  string
		status  string
		created int64
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.JobID, &sender, &m.Content, &status, &m.ProviderMsgID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Sender = model.SenderKind(sender)
	m.Status = model.DeliveryStatus(status)
	m.CreatedAt = fromNanos(created)
	return &m, nil
}

// AppendMessage stores a new message.
func (s *SQLite) AppendMessage(ctx context.Context, msg *model.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, job_id, sender, content, status, provider_msg_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.JobID, string(msg.Sender), msg.Content,
		string(msg.Status), msg.ProviderMsgID, nanos(msg.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrConflict
		}
		return err
	}
	return nil
}

// GetMessage retrieves a message by id.
func (s *SQLite) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+msgCols+" FROM messages WHERE id=?", id)
	return scanMsg(row)
}

// TransitionMessageStatus applies a monotonic delivery-status transition.
func (s *SQLite) TransitionMessageStatus(ctx context.Context, id string, status model.DeliveryStatus) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+msgCols+" FROM messages WHERE id=?", id)
	msg, err := scanMsg(row)
	if err != nil {
		return false, err
	}
	if !msg.Status.CanTransition(status) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, "UPDATE messages SET status=? WHERE id=?", string(status), id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// FindMessageByProviderID looks a message up by the provider's message id.
func (s *SQLite) FindMessageByProviderID(ctx context.Context, providerID string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+msgCols+" FROM messages WHERE provider_msg_id=? LIMIT 1", providerID)
	return scanMsg(row)
}

// FindMessageByJobID looks an automated message up by its originating job.
func (s *SQLite) FindMessageByJobID(ctx context.Context, jobID string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+msgCols+" FROM messages WHERE job_id=? AND sender=? LIMIT 1",
		jobID, string(model.SenderAutomated))
	return scanMsg(row)
}

// ListMessages returns the most recent limit messages in chronological order.
func (s *SQLite) ListMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+msgCols+` FROM (
			SELECT `+msgCols+` FROM messages WHERE conversation_id=? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMsg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMessageProviderID records the provider-assigned id for a message.
func (s *SQLite) SetMessageProviderID(ctx context.Context, id, providerID string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET provider_msg_id=? WHERE id=?", providerID, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PutRetryRecord stores or replaces a retry record.
func (s *SQLite) PutRetryRecord(ctx context.Context, rec *model.RetryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retry_records (message_id, attempts, next_retry_at, last_error)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			attempts=excluded.attempts,
			next_retry_at=excluded.next_retry_at,
			last_error=excluded.last_error`,
		rec.MessageID, rec.Attempts, nanos(rec.NextRetryAt), rec.LastError)
	return err
}

// GetRetryRecord retrieves a retry record by message id.
func (s *SQLite) GetRetryRecord(ctx context.Context, messageID string) (*model.RetryRecord, error) {
	var (
		rec  model.RetryRecord
		next int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT message_id, attempts, next_retry_at, last_error FROM retry_records WHERE message_id=?",
		messageID).Scan(&rec.MessageID, &rec.Attempts, &next, &rec.LastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.NextRetryAt = fromNanos(next)
	return &rec, nil
}

// DeleteRetryRecord removes a retry record.
func (s *SQLite) DeleteRetryRecord(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM retry_records WHERE message_id=?", messageID)
	return err
}

// ListDueRetries returns records whose next attempt is due, oldest first.
func (s *SQLite) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*model.RetryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT message_id, attempts, next_retry_at, last_error FROM retry_records WHERE next_retry_at <= ? ORDER BY next_retry_at LIMIT ?",
		nanos(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RetryRecord
	for rows.Next() {
		var (
			rec  model.RetryRecord
			next int64
		)
		if err := rows.Scan(&rec.MessageID, &rec.Attempts, &next, &rec.LastError); err != nil {
			return nil, err
		}
		rec.NextRetryAt = fromNanos(next)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
