package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/partstream/messaging-backend/internal/middleware"
	"github.com/partstream/messaging-backend/internal/queue"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/pkg/logger"
)

// AdminHandler is the queue administration surface: stats, pause/resume,
// purge, job inspection and dead-letter replay.
type AdminHandler struct {
	queue  *queue.Queue
	logger *logger.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(q *queue.Queue, log *logger.Logger) *AdminHandler {
	return &AdminHandler{queue: q, logger: log}
}

// Stats handles GET /api/v1/admin/queue
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to collect queue stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Pause handles POST /api/v1/admin/queue/pause
func (h *AdminHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.queue.Pause()
	h.logger.Warn("queue paused", "operator_id", middleware.GetOperatorID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// Resume handles POST /api/v1/admin/queue/resume
func (h *AdminHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.queue.Resume()
	h.logger.Info("queue resumed", "operator_id", middleware.GetOperatorID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type purgeRequest struct {
	Confirm string `json:"confirm"`
}

// Purge handles POST /api/v1/admin/queue/purge. Destructive, so the body
// must carry an explicit confirmation.
func (h *AdminHandler) Purge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Confirm != "purge" {
		writeError(w, http.StatusBadRequest, `purge requires {"confirm":"purge"}`)
		return
	}

	n, err := h.queue.Purge(r.Context())
	if err != nil {
		h.logger.Error("queue purge failed", "error", err)
		writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	h.logger.Warn("queue purged",
		"removed", n, "operator_id", middleware.GetOperatorID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// InspectJob handles GET /api/v1/admin/queue/jobs/{id}
func (h *AdminHandler) InspectJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateJobID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.queue.Inspect(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("job inspection failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "inspection failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// RetryJob handles POST /api/v1/admin/queue/jobs/{id}/retry — requeues a
// dead-lettered job with a fresh attempt budget.
func (h *AdminHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateJobID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.queue.ForceRetry(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, queue.ErrNotDead):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("force retry failed", "job_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "force retry failed")
		}
		return
	}
	h.logger.Info("dead job requeued",
		"job_id", id, "operator_id", middleware.GetOperatorID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
