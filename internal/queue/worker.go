package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/pkg/logger"
)

// Handler processes one dequeued job. A returned error triggers the
// queue's retry policy; it never crashes the worker.
type Handler func(ctx context.Context, job *model.Job) error

// Pool runs a bounded set of workers against a queue.
type Pool struct {
	queue   *Queue
	handler Handler
	size    int
	log     *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool of the given size.
func NewPool(q *Queue, handler Handler, size int, log *logger.Logger) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{
		queue:   q,
		handler: handler,
		size:    size,
		log:     log,
	}
}

// Start launches the workers and the lease reclaimer.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.wg.Add(1)
	go p.reclaimLoop(ctx)

	p.log.Info("worker pool started", "size", p.size)
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, lane int) {
	defer p.wg.Done()

	for {
		job, err := p.queue.Dequeue(ctx, lane, p.size)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			p.log.Error("dequeue failed", "lane", lane, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(ctx, job)
	}
}

// process runs the handler with panic isolation and a deadline bounded
// by the job lease, then settles the job with the queue.
func (p *Pool) process(ctx context.Context, job *model.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.queue.cfg.Lease)
	defer cancel()

	err := p.invoke(jobCtx, job)

	// Settle against a fresh context so shutdown does not lose the result.
	settleCtx, settleCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer settleCancel()

	if err != nil {
		p.log.Warn("job handler failed", "job_id", job.ID, "attempts", job.Attempts, "error", err)
		if ferr := p.queue.Fail(settleCtx, job.ID, err); ferr != nil {
			p.log.Error("failed to record job failure", "job_id", job.ID, "error", ferr)
		}
		return
	}

	if _, cerr := p.queue.Complete(settleCtx, job.ID); cerr != nil {
		p.log.Error("failed to complete job", "job_id", job.ID, "error", cerr)
	}
}

func (p *Pool) invoke(ctx context.Context, job *model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := p.queue.cfg.Lease / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.ReclaimExpired(ctx); err != nil {
				p.log.Error("lease reclaim failed", "error", err)
			}
		}
	}
}
