// Package ratelimit provides per-client request throttling for all
// ingress paths. State is process-local and rebuilt on restart; the
// Limiter interface allows swapping in a shared store without touching
// call sites.
package ratelimit

import (
	"sync"
	"time"
)

// RouteClass partitions traffic so each class carries independent limits.
type RouteClass string

const (
	ClassGeneral RouteClass = "general"
	ClassAuth    RouteClass = "auth"
	ClassWebhook RouteClass = "webhook"
)

// Limit is the budget for one route class.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter checks whether a client may proceed on a route class.
type Limiter interface {
	Allow(clientKey string, class RouteClass) Decision
	Reset(clientKey string, class RouteClass)
}

type bucket struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// WindowLimiter is a fixed-window in-memory Limiter. Each bucket is
// mutated under its own lock, never a global one.
type WindowLimiter struct {
	limits  map[RouteClass]Limit
	buckets sync.Map // key -> *bucket
	now     func() time.Time
}

// NewWindowLimiter creates a limiter with per-class budgets.
func NewWindowLimiter(limits map[RouteClass]Limit) *WindowLimiter {
	return &WindowLimiter{
		limits: limits,
		now:    time.Now,
	}
}

func (l *WindowLimiter) key(clientKey string, class RouteClass) string {
	return string(class) + ":" + clientKey
}

// Allow checks and consumes one request from the client's budget.
func (l *WindowLimiter) Allow(clientKey string, class RouteClass) Decision {
	limit, ok := l.limits[class]
	if !ok || limit.Requests <= 0 {
		return Decision{Allowed: true}
	}

	v, _ := l.buckets.LoadOrStore(l.key(clientKey, class), &bucket{})
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	if now.Sub(b.windowStart) >= limit.Window {
		b.windowStart = now
		b.count = 0
	}

	if b.count >= limit.Requests {
		return Decision{
			Allowed:    false,
			RetryAfter: limit.Window - now.Sub(b.windowStart),
		}
	}

	b.count++
	return Decision{Allowed: true, Remaining: limit.Requests - b.count}
}

// Reset clears the client's bucket for a route class.
func (l *WindowLimiter) Reset(clientKey string, class RouteClass) {
	l.buckets.Delete(l.key(clientKey, class))
}

// ReapIdle drops buckets whose window started before the threshold and
// returns the number evicted. Safe to run concurrently with live checks.
func (l *WindowLimiter) ReapIdle(olderThan time.Duration) int {
	cutoff := l.now().Add(-olderThan)
	n := 0
	l.buckets.Range(func(key, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		stale := b.windowStart.Before(cutoff)
		b.mu.Unlock()
		if stale {
			l.buckets.Delete(key)
			n++
		}
		return true
	})
	return n
}
