package sweeper

import (
	"context"
	"time"

	"github.com/partstream/messaging-backend/pkg/logger"
	"github.com/partstream/messaging-backend/pkg/metrics"
)

// ReapTarget is one category of stale process state. The function
// returns how many entries it dropped.
type ReapTarget struct {
	Name string
	Reap func(olderThan time.Time) int
}

// Reaper evicts stale in-memory state (dialogue sessions, rate buckets,
// caches, idle conversations) on startup and on a timer. Targets are
// best-effort; a failing target only logs.
type Reaper struct {
	targets  []ReapTarget
	interval time.Duration
	idle     time.Duration
	log      *logger.Logger
}

// NewReaper creates the reaper. idle is the inactivity threshold an
// entry must exceed to be dropped.
func NewReaper(interval, idle time.Duration, log *logger.Logger, targets ...ReapTarget) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if idle <= 0 {
		idle = time.Hour
	}
	return &Reaper{targets: targets, interval: interval, idle: idle, log: log}
}

// Run blocks until ctx is cancelled. One pass runs immediately so state
// surviving a restart is aged out right away.
func (r *Reaper) Run(ctx context.Context) {
	r.reap()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Reaper) reap() {
	cutoff := time.Now().Add(-r.idle)
	for _, target := range r.targets {
		n := target.Reap(cutoff)
		if n > 0 {
			metrics.ReapedEntriesTotal.WithLabelValues(target.Name).Add(float64(n))
			r.log.Info("reaped stale entries", "target", target.Name, "count", n)
		}
	}
}
