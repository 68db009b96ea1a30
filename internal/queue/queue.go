// Package queue implements the durable priority job queue with
// at-least-once delivery, leases, retry backoff and a dead-letter state.
package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/pkg/logger"
	"github.com/partstream/messaging-backend/pkg/metrics"
)

// InboundQueue is the name of the single inbound-event queue.
const InboundQueue = "inbound"

// ErrNotDead is returned by ForceRetry for jobs outside the dead-letter
// state.
var ErrNotDead = errors.New("queue: job not dead")

var laneOrder = []model.Priority{model.PriorityHigh, model.PriorityNormal, model.PriorityLow}

// Config tunes queue behavior.
type Config struct {
	Lease       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Queue coordinates job intake and dispatch over a Store.
type Queue struct {
	store  store.Store
	cfg    Config
	log    *logger.Logger
	paused atomic.Bool

	// dispatchMu serializes the pick-and-claim section so a ready job is
	// handed to exactly one in-process worker.
	dispatchMu sync.Mutex

	notify chan struct{}
}

// New creates a queue over the given store.
func New(st store.Store, cfg Config, log *logger.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	return &Queue{
		store:  st,
		cfg:    cfg,
		log:    log,
		notify: make(chan struct{}, 1),
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue creates a job for one inbound event. Storage unavailability is
// surfaced to the caller, never silently dropped.
func (q *Queue) Enqueue(ctx context.Context, ev model.InboundEvent) (string, error) {
	now := time.Now()
	job := &model.Job{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Queue:       InboundQueue,
		Priority:    ev.Priority,
		Payload:     ev,
		Status:      model.JobStatusQueued,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   now,
		NotBefore:   now,
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	metrics.QueueDepth.WithLabelValues(string(job.Priority)).Inc()
	q.signal()
	return job.ID, nil
}

// laneKey maps a client identifier onto a worker index so all jobs for
// one conversation flow through the same logical lane.
func laneKey(clientKey string, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(clientKey))
	return int(h.Sum32() % uint32(lanes))
}

// Dequeue blocks until a ready job assigned to the given lane is
// available, claims it under a lease and returns it.
func (q *Queue) Dequeue(ctx context.Context, lane, lanes int) (*model.Job, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !q.paused.Load() {
			job, err := q.claimNext(ctx, lane, lanes)
			if err != nil {
				return nil, err
			}
			if job != nil {
				return job, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

func (q *Queue) claimNext(ctx context.Context, lane, lanes int) (*model.Job, error) {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	now := time.Now()
	if err := q.promoteDue(ctx, now); err != nil {
		return nil, err
	}

	jobs, err := q.store.ListJobsByStatus(ctx, model.JobStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}

	// Highest lane first, FIFO within a lane (the store lists oldest first).
	for _, prio := range laneOrder {
		for _, job := range jobs {
			if job.Priority != prio || job.NotBefore.After(now) {
				continue
			}
			if laneKey(job.Payload.From, lanes) != lane {
				continue
			}

			lease := now.Add(q.cfg.Lease)
			job.Status = model.JobStatusInProgress
			job.LeaseExpiresAt = &lease
			if err := q.store.UpdateJob(ctx, job); err != nil {
				return nil, fmt.Errorf("failed to claim job: %w", err)
			}
			metrics.QueueDepth.WithLabelValues(string(job.Priority)).Dec()
			return job, nil
		}
	}
	return nil, nil
}

// promoteDue moves retry-scheduled jobs whose backoff elapsed back to queued.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) error {
	jobs, err := q.store.ListJobsByStatus(ctx, model.JobStatusRetryScheduled)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.NotBefore.After(now) {
			continue
		}
		job.Status = model.JobStatusQueued
		if err := q.store.UpdateJob(ctx, job); err != nil {
			return err
		}
		metrics.QueueDepth.WithLabelValues(string(job.Priority)).Inc()
	}
	return nil
}

// Complete marks a job done. Exactly one caller wins for a given id; the
// loser observes the already-completed state and reports false.
func (q *Queue) Complete(ctx context.Context, jobID string) (bool, error) {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != model.JobStatusInProgress {
		return false, nil
	}

	now := time.Now()
	job.Status = model.JobStatusCompleted
	job.ProcessedAt = &now
	job.LeaseExpiresAt = nil
	if err := q.store.UpdateJob(ctx, job); err != nil {
		return false, err
	}
	metrics.JobsTotal.WithLabelValues(string(job.Priority), "completed").Inc()
	return true, nil
}

// Fail records a handler failure: reschedule with exponential backoff
// while the attempt budget lasts, dead-letter once it is exhausted.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) error {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusInProgress {
		return nil
	}

	job.Attempts++
	job.LeaseExpiresAt = nil
	if cause != nil {
		job.FailureReason = cause.Error()
	}

	if job.Attempts >= job.MaxAttempts {
		now := time.Now()
		job.Status = model.JobStatusDead
		job.ProcessedAt = &now
		if err := q.store.UpdateJob(ctx, job); err != nil {
			return err
		}
		metrics.JobsTotal.WithLabelValues(string(job.Priority), "dead").Inc()
		metrics.DeadLetterTotal.Inc()
		q.log.Error("job moved to dead-letter state",
			"job_id", job.ID, "attempts", job.Attempts, "reason", job.FailureReason)
		return nil
	}

	job.Status = model.JobStatusRetryScheduled
	job.NotBefore = time.Now().Add(q.backoffDelay(job.Attempts))
	if err := q.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	metrics.JobRetriesTotal.Inc()
	q.log.Warn("job retry scheduled",
		"job_id", job.ID, "attempts", job.Attempts, "not_before", job.NotBefore)
	return nil
}

// backoffDelay computes base * 2^(attempt-1), capped.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.BackoffCap {
			return q.cfg.BackoffCap
		}
	}
	if d > q.cfg.BackoffCap {
		return q.cfg.BackoffCap
	}
	return d
}

// ReclaimExpired requeues jobs whose lease expired so another worker can
// pick them up. Each reclaim counts as a failed attempt.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	jobs, err := q.store.ListJobsByStatus(ctx, model.JobStatusInProgress)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	n := 0
	for _, job := range jobs {
		if job.LeaseExpiresAt == nil || job.LeaseExpiresAt.After(now) {
			continue
		}
		job.Attempts++
		job.LeaseExpiresAt = nil
		if job.Attempts >= job.MaxAttempts {
			job.Status = model.JobStatusDead
			job.ProcessedAt = &now
			job.FailureReason = "processing lease expired"
			metrics.DeadLetterTotal.Inc()
		} else {
			job.Status = model.JobStatusQueued
			job.NotBefore = now
			metrics.QueueDepth.WithLabelValues(string(job.Priority)).Inc()
		}
		if err := q.store.UpdateJob(ctx, job); err != nil {
			return n, err
		}
		n++
		q.log.Warn("reclaimed expired job lease", "job_id", job.ID, "attempts", job.Attempts)
	}
	if n > 0 {
		q.signal()
	}
	return n, nil
}

// Recover requeues jobs left in progress by a previous process. Called
// once at startup before workers begin.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	jobs, err := q.store.ListJobsByStatus(ctx, model.JobStatusInProgress)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		job.Status = model.JobStatusQueued
		job.LeaseExpiresAt = nil
		job.NotBefore = time.Now()
		if err := q.store.UpdateJob(ctx, job); err != nil {
			return 0, err
		}
		metrics.QueueDepth.WithLabelValues(string(job.Priority)).Inc()
	}
	if len(jobs) > 0 {
		q.log.Info("recovered in-progress jobs from previous run", "count", len(jobs))
		q.signal()
	}
	return len(jobs), nil
}

// Pause stops all lanes; dequeued jobs already leased continue running.
func (q *Queue) Pause() { q.paused.Store(true) }

// Resume restarts dispatch.
func (q *Queue) Resume() {
	q.paused.Store(false)
	q.signal()
}

// Paused reports whether dispatch is paused.
func (q *Queue) Paused() bool { return q.paused.Load() }

// Stats returns queue depth per lane and per-state counts.
func (q *Queue) Stats(ctx context.Context) (*model.QueueStats, error) {
	jobs, err := q.store.ListJobsByStatus(ctx,
		model.JobStatusQueued, model.JobStatusInProgress, model.JobStatusCompleted,
		model.JobStatusRetryScheduled, model.JobStatusDead)
	if err != nil {
		return nil, err
	}

	stats := &model.QueueStats{
		Depth:    make(map[model.Priority]int),
		ByStatus: make(map[model.JobStatus]int),
		Paused:   q.paused.Load(),
	}
	for _, job := range jobs {
		stats.ByStatus[job.Status]++
		if job.Status == model.JobStatusQueued || job.Status == model.JobStatusRetryScheduled {
			stats.Depth[job.Priority]++
		}
	}
	return stats, nil
}

// Inspect returns a single job's state.
func (q *Queue) Inspect(ctx context.Context, jobID string) (*model.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// Purge removes terminal jobs and returns how many were deleted.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	return q.store.DeleteJobs(ctx, model.JobStatusCompleted, model.JobStatusDead)
}

// ForceRetry requeues a dead job with a fresh attempt budget.
func (q *Queue) ForceRetry(ctx context.Context, jobID string) error {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusDead {
		return fmt.Errorf("%w: job %s has status %s", ErrNotDead, jobID, job.Status)
	}

	job.Status = model.JobStatusQueued
	job.Attempts = 0
	job.NotBefore = time.Now()
	job.ProcessedAt = nil
	if err := q.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues(string(job.Priority)).Inc()
	q.signal()
	return nil
}
