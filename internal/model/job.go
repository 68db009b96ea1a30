package model

import (
	"time"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusQueued         JobStatus = "queued"
	JobStatusInProgress     JobStatus = "in_progress"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusRetryScheduled JobStatus = "retry_scheduled"
	JobStatusDead           JobStatus = "dead"
)

// Terminal reports whether a job in this status will never run again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusDead
}

// Job is one unit of asynchronous work derived from a single inbound event.
// A job id is processed by at most one worker at a time; each retry
// increments Attempts, which never exceeds MaxAttempts.
type Job struct {
	ID             string       `json:"id"`
	Queue          string       `json:"queue"`
	Priority       Priority     `json:"priority"`
	Payload        InboundEvent `json:"payload"`
	Status         JobStatus    `json:"status"`
	Attempts       int          `json:"attempts"`
	MaxAttempts    int          `json:"max_attempts"`
	CreatedAt      time.Time    `json:"created_at"`
	NotBefore      time.Time    `json:"not_before"`
	LeaseExpiresAt *time.Time   `json:"lease_expires_at,omitempty"`
	ProcessedAt    *time.Time   `json:"processed_at,omitempty"`
	FailureReason  string       `json:"failure_reason,omitempty"`
}

// QueueStats is a snapshot of queue state for the admin surface.
type QueueStats struct {
	Depth    map[Priority]int  `json:"depth"`
	ByStatus map[JobStatus]int `json:"by_status"`
	Paused   bool              `json:"paused"`
}
