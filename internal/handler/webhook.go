package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/partstream/messaging-backend/internal/provider"
	"github.com/partstream/messaging-backend/internal/queue"
	"github.com/partstream/messaging-backend/pkg/logger"
	"github.com/partstream/messaging-backend/pkg/metrics"
)

const maxWebhookBody = 1 << 20

// WebhookHandler is the provider-facing gateway: handshake verification
// and inbound event intake.
type WebhookHandler struct {
	verifyToken string
	queue       *queue.Queue
	logger      *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(verifyToken string, q *queue.Queue, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifyToken: verifyToken,
		queue:       q,
		logger:      log,
	}
}

// Verify handles GET /webhook, the provider's subscription handshake:
// echo the challenge when the token matches.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "" || token == "" || challenge == "" {
		writeError(w, http.StatusBadRequest, "missing handshake parameters")
		return
	}
	if mode != "subscribe" || token != h.verifyToken {
		h.logger.Warn("webhook handshake rejected", "mode", mode)
		writeError(w, http.StatusForbidden, "verification failed")
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// Ingest handles POST /webhook. The provider is acked immediately; all
// parsing and queueing happens after the response so ack latency never
// depends on downstream state.
func (h *WebhookHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		// Still ack: the provider retries on non-2xx and the body is
		// already unusable.
		h.logger.Warn("webhook body read failed", "error", err)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))

	received := time.Now()
	go h.ingest(body, received)
}

func (h *WebhookHandler) ingest(body []byte, received time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events, err := provider.ParseEvents(body, received)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		h.logger.Warn("malformed webhook payload dropped", "error", err)
		return
	}

	for _, ev := range events {
		jobID, err := h.queue.Enqueue(ctx, ev)
		if err != nil {
			metrics.WebhookEventsTotal.WithLabelValues(string(ev.Priority), "enqueue_failed").Inc()
			h.logger.Error("failed to enqueue inbound event",
				"event_id", ev.ID, "from", ev.From, "error", err)
			continue
		}
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Priority), "queued").Inc()
		h.logger.Info("inbound event queued",
			"event_id", ev.ID, "job_id", jobID, "kind", ev.Kind, "priority", ev.Priority)
	}
}
