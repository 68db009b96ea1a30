// Package sweeper holds the background loops that keep delivery and
// process-local state healthy: the failed-message retry sweeper and the
// stale-state reaper.
package sweeper

import (
	"context"
	"time"

	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/pkg/logger"
)

const retryBatch = 100

// Redeliverer retries one parked outbound message.
type Redeliverer interface {
	Retry(ctx context.Context, rec *model.RetryRecord) error
}

// RetrySweeper periodically redelivers failed outbound messages whose
// backoff has elapsed. It runs once immediately on start so messages
// parked before a restart are not stranded until the first tick.
type RetrySweeper struct {
	store    store.Store
	delivery Redeliverer
	interval time.Duration
	log      *logger.Logger
}

// NewRetrySweeper creates the sweeper.
func NewRetrySweeper(st store.Store, delivery Redeliverer, interval time.Duration, log *logger.Logger) *RetrySweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RetrySweeper{store: st, delivery: delivery, interval: interval, log: log}
}

// Run blocks until ctx is cancelled.
func (s *RetrySweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *RetrySweeper) sweep(ctx context.Context) {
	due, err := s.store.ListDueRetries(ctx, time.Now(), retryBatch)
	if err != nil {
		s.log.Warn("retry sweep listing failed", "error", err)
		return
	}
	for _, rec := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.delivery.Retry(ctx, rec); err != nil {
			s.log.Warn("message retry failed", "message_id", rec.MessageID, "error", err)
		}
	}
	if len(due) > 0 {
		s.log.Debug("retry sweep done", "due", len(due))
	}
}
