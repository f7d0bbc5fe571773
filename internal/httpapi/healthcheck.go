package httpapi

import (
	"database/sql"
	"log/slog"
	"net/http"

	"cloudpico-ota/internal/utils"
)

// ConnChecker reports broker connectivity.
type ConnChecker interface {
	IsConnected() bool
}

type healthchecker struct {
	db   *sql.DB
	mqtt ConnChecker
}

func (h *healthchecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var ok int
	if err := h.db.QueryRowContext(r.Context(), `SELECT 1`).Scan(&ok); err != nil {
		slog.Error("failed to check database connectivity", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to check database connectivity")
		return
	}

	mqtt := "disconnected"
	if h.mqtt != nil && h.mqtt.IsConnected() {
		mqtt = "connected"
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "mqtt": mqtt})
}

func registerHealthcheck(mux *http.ServeMux, db *sql.DB, mqtt ConnChecker) {
	h := &healthchecker{db: db, mqtt: mqtt}
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}
