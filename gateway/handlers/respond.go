package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("handlers: json encoding failed", "error", err)
	}
}

// writeError emits the {success:false, error} envelope used by every REST
// failure path.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

// internalError logs the full error and returns a user-safe message for the
// response body.
func internalError(operation string, err error) string {
	slog.Error(operation, "error", err)
	return operation
}
