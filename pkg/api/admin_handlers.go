package api

import (
	"net/http"
	"time"

	"github.com/cuemby/bay/pkg/gc"
)

type gcRunRequest struct {
	Tasks []string `json:"tasks,omitempty"`
}

type gcRunResponse struct {
	Results map[string]gc.TaskResult `json:"results"`
}

func (s *Server) handleGCRun(w http.ResponseWriter, r *http.Request) {
	var req gcRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	results, err := s.gcSched.RunOnce(r.Context(), req.Tasks)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gcRunResponse{Results: results})
}

type gcStatusResponse struct {
	Config  gc.Config `json:"config"`
	Running bool      `json:"running"`
	LastRun time.Time `json:"last_run,omitempty"`
}

func (s *Server) handleGCStatus(w http.ResponseWriter, r *http.Request) {
	status := s.gcSched.Status()
	writeJSON(w, http.StatusOK, gcStatusResponse{
		Config:  status.Config,
		Running: status.Running,
		LastRun: status.LastRun,
	})
}
