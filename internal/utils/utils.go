package utils

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"cloudpico-ota/internal/jobs"
	"cloudpico-ota/internal/ota"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON", "error", err)
	}
}

// WriteError writes {"error": <status text>, "message": msg}.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{
		"error":   http.StatusText(status),
		"message": msg,
	})
}

// StatusFor maps job store and OTA errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ota.ErrInvalidJob), errors.Is(err, ota.ErrInvalidTopicPart):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteStoreError answers with the status of err. Server errors are logged
// and reported as msg only; client errors carry the error text.
func WriteStoreError(w http.ResponseWriter, err error, msg string) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(msg, "error", err)
		WriteError(w, status, msg)
		return
	}
	WriteError(w, status, err.Error())
}
