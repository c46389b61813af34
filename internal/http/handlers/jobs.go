package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/events"
)

type runResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type statusResponse struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   float64         `json:"created_at"`
	StartedAt   *float64        `json:"started_at,omitempty"`
	CompletedAt *float64        `json:"completed_at,omitempty"`
}

// Run accepts {"workflow": {...}, "images": [...]} and enqueues a pending
// job.
func (a *App) Run(w http.ResponseWriter, r *http.Request) {
	var payload domain.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	payload.Normalize()
	if err := payload.Validate(); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	id, err := a.Repo.Create(r.Context(), payload)
	if err != nil {
		a.storeError(w, r, "create", err)
		return
	}
	a.Logger.Info().Str("job_id", id).Int("images", len(payload.Images)).Msg("handlers: job queued")
	if a.Notifier != nil {
		a.Notifier.Notify()
	}
	a.publish(r.Context(), events.Event{Type: events.JobCreated, JobID: id})
	a.json(w, http.StatusOK, runResponse{JobID: id, Status: string(domain.JobStatusPending)})
}

func (a *App) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	job, err := a.Repo.Get(r.Context(), jobID)
	if err != nil {
		a.storeError(w, r, "get", err)
		return
	}
	a.json(w, http.StatusOK, newStatusResponse(job))
}

func newStatusResponse(job *domain.Job) statusResponse {
	resp := statusResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		Error:       job.Error,
		CreatedAt:   epochSeconds(job.CreatedAt),
		StartedAt:   epochSecondsPtr(job.StartedAt),
		CompletedAt: epochSecondsPtr(job.CompletedAt),
	}
	if job.Status == domain.JobStatusCompleted {
		resp.Result = job.Result
	}
	return resp
}
