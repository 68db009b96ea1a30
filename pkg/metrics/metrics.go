// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WebhookEventsTotal tracks inbound provider events by classification outcome.
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound provider events by priority and outcome",
		},
		[]string{"priority", "outcome"},
	)

	// QueueDepth tracks queued jobs per priority lane.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Queued jobs per priority lane",
		},
		[]string{"lane"},
	)

	// JobsTotal tracks processed jobs by lane and outcome.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Processed jobs by lane and outcome",
		},
		[]string{"lane", "outcome"},
	)

	// JobRetriesTotal tracks job retries scheduled after handler failures.
	JobRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "job_retries_total",
			Help: "Job retries scheduled after handler failures",
		},
	)

	// DeadLetterTotal tracks jobs that exhausted their retry budget.
	DeadLetterTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_dead_letter_total",
			Help: "Jobs moved to the dead-letter state",
		},
	)

	// ToolCallsTotal tracks dispatched tool calls by name and outcome.
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Dispatched tool calls by name and outcome",
		},
		[]string{"tool", "outcome"},
	)

	// OutboundSendsTotal tracks outbound provider sends by outcome.
	OutboundSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_sends_total",
			Help: "Outbound provider sends by outcome",
		},
		[]string{"outcome"},
	)

	// MessageRetriesTotal tracks delivery retry attempts by the sweeper.
	MessageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_retries_total",
			Help: "Failed-message delivery retries by outcome",
		},
		[]string{"outcome"},
	)

	// ReapedEntriesTotal tracks stale in-memory entries evicted by the reaper.
	ReapedEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reaped_entries_total",
			Help: "Stale in-memory entries evicted by the reaper",
		},
		[]string{"target"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SSEConnectionsActive tracks active operator console connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// RateLimitRejectionsTotal tracks rejected requests by route class.
	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"class"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMUsage records token usage for an LLM completion.
func RecordLLMUsage(model string, tokensIn, tokensOut int) {
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
