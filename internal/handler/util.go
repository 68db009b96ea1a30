package handler

import (
	"encoding/json"
	"net/http"

	"github.com/partstream/messaging-backend/pkg/logger"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON renders a response body. The status line is gone by the time
// encoding can fail, so a failure is only logged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Global().Warn("response encode failed", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
