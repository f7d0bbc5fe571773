package httpapi

import (
	"net/http"

	"cloudpico-ota/internal/jobs"
	"cloudpico-ota/internal/utils"
)

type jobsHandler struct {
	repo jobs.Repository
}

func (h *jobsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := h.repo.List()
	if err != nil {
		utils.WriteStoreError(w, err, "failed to list jobs")
		return
	}
	if recs == nil {
		recs = []jobs.Record{}
	}
	utils.WriteJSON(w, http.StatusOK, recs)
}

func (h *jobsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.Get(r.PathValue("id"))
	if err != nil {
		utils.WriteStoreError(w, err, "failed to get job")
		return
	}
	utils.WriteJSON(w, http.StatusOK, rec)
}

func registerJobs(mux *http.ServeMux, repo jobs.Repository) {
	h := &jobsHandler{repo: repo}
	mux.HandleFunc("GET /jobs", h.handleList)
	mux.HandleFunc("GET /jobs/{id}", h.handleGet)
}
