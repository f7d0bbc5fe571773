package httpapi

import (
	"database/sql"
	"net/http"
	"time"

	"cloudpico-ota/internal/config"
	"cloudpico-ota/internal/jobs"
	"cloudpico-ota/internal/metrics"
)

func NewMux(db *sql.DB, repo jobs.Repository, m *metrics.Metrics, mqtt ConnChecker) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, db, mqtt)
	registerJobs(mux, repo)
	mux.Handle("GET /metrics", m.Handler())
	return mux
}

func NewServer(cfg config.Config, mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           requestLogger(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
