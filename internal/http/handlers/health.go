package handlers

import (
	"net/http"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
)

type healthResponse struct {
	Status       string        `json:"status"`
	DatabasePath string        `json:"database_path"`
	JobStats     *domain.Stats `json:"job_stats,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Health pings the store and reports job counts. It answers 503 when the
// store cannot be read.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", DatabasePath: a.Location}
	err := a.Repo.Ping(r.Context())
	if err == nil {
		var stats domain.Stats
		if stats, err = a.Repo.Stats(r.Context()); err == nil {
			resp.JobStats = &stats
		}
	}
	if err != nil {
		a.Logger.Error().Err(err).Msg("handlers: health check failed")
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		a.json(w, http.StatusServiceUnavailable, resp)
		return
	}
	a.json(w, http.StatusOK, resp)
}
