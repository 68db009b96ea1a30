package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/partstream/messaging-backend/internal/convo"
	"github.com/partstream/messaging-backend/internal/middleware"
	"github.com/partstream/messaging-backend/internal/model"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/internal/tools"
	"github.com/partstream/messaging-backend/pkg/logger"
)

// ConversationHandler is the operator-console API: browsing
// conversations, taking them over and handing them back.
type ConversationHandler struct {
	convos *convo.Service
	store  store.Store
	suite  *tools.Suite
	logger *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(convos *convo.Service, st store.Store, suite *tools.Suite, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		convos: convos,
		store:  st,
		suite:  suite,
		logger: log,
	}
}

// List handles GET /api/v1/conversations?mode=spectator
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = string(model.ModeSpectator)
	}
	if !model.ValidMode(mode) {
		writeError(w, http.StatusBadRequest, "unknown mode")
		return
	}

	convs, err := h.convos.ListByMode(r.Context(), model.OwnershipMode(mode))
	if err != nil {
		h.logger.Error("failed to list conversations", "mode", mode, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	})
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.convos.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Messages handles GET /api/v1/conversations/{id}/messages?limit=50
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.convos.Get(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	msgs, err := h.store.ListMessages(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("failed to list messages", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

type setModeRequest struct {
	Mode       string `json:"mode"`
	OperatorID string `json:"operator_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// SetMode handles PUT /api/v1/conversations/{id}/mode
func (h *ConversationHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !model.ValidMode(req.Mode) {
		writeError(w, http.StatusBadRequest, "unknown mode")
		return
	}

	conv, err := h.convos.SetMode(r.Context(), id, model.OwnershipMode(req.Mode), req.OperatorID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, convo.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("failed to set mode", "conversation_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to set mode")
		}
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// MarkRead handles POST /api/v1/conversations/{id}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.convos.MarkRead(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("failed to mark read", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Handoff handles GET /api/v1/conversations/{id}/handoff — the
// escalation package for the operator taking the conversation.
func (h *ConversationHandler) Handoff(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary := h.suite.Handoff(id)
	if summary == nil {
		writeError(w, http.StatusNotFound, "no handoff summary for conversation")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
