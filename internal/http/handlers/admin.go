package handlers

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/events"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/storage"
)

const (
	defaultCleanupMaxAgeHours   = 24
	defaultResetMaxRunningHours = 2
)

// Cleanup purges terminal jobs older than max_age_hours (default 24).
func (a *App) Cleanup(w http.ResponseWriter, r *http.Request) {
	maxAge, err := hoursParam(r, "max_age_hours", defaultCleanupMaxAgeHours)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	n, err := a.Repo.PurgeTerminal(r.Context(), maxAge)
	if err != nil {
		a.storeError(w, r, "purge", err)
		return
	}
	a.Logger.Info().Int64("count", n).Dur("max_age", maxAge).Msg("handlers: cleanup")
	if n > 0 {
		a.publish(r.Context(), events.Event{Type: events.JobsPurged, Count: n})
	}
	a.json(w, http.StatusOK, map[string]any{
		"message":       fmt.Sprintf("Cleaned up %d old jobs", n),
		"deleted_count": n,
	})
}

// ResetStuck fails running jobs older than max_running_time_hours (default 2).
func (a *App) ResetStuck(w http.ResponseWriter, r *http.Request) {
	maxRunning, err := hoursParam(r, "max_running_time_hours", defaultResetMaxRunningHours)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	n, err := a.Repo.ReclaimStuck(r.Context(), maxRunning)
	if err != nil {
		a.storeError(w, r, "reclaim", err)
		return
	}
	a.Logger.Info().Int64("count", n).Dur("max_running", maxRunning).Msg("handlers: reset stuck jobs")
	if n > 0 {
		a.publish(r.Context(), events.Event{Type: events.JobsReclaimed, Count: n})
	}
	a.json(w, http.StatusOK, map[string]any{
		"message":     fmt.Sprintf("Reset %d stuck jobs", n),
		"reset_count": n,
	})
}

// DeleteJob removes a terminal job and any artifacts it stored.
func (a *App) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	if err := a.Repo.Delete(r.Context(), jobID); err != nil {
		a.storeError(w, r, "delete", err)
		return
	}
	if a.Artifacts != nil {
		if err := a.Artifacts.RemoveAll(r.Context(), storage.JobPrefix(jobID)); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("handlers: remove artifacts failed")
		}
	}
	a.publish(r.Context(), events.Event{Type: events.JobDeleted, JobID: jobID})
	a.json(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Job %s deleted successfully", jobID),
	})
}

// hoursParam reads a non-negative decimal number of hours from the query.
func hoursParam(r *http.Request, name string, fallback float64) (time.Duration, error) {
	hours := fallback
	if v := r.URL.Query().Get(name); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return 0, fmt.Errorf("%s must be a number", name)
		}
		if parsed < 0 {
			return 0, fmt.Errorf("%s must not be negative", name)
		}
		hours = parsed
	}
	d := hours * float64(time.Hour)
	if d >= math.MaxInt64 {
		return 0, fmt.Errorf("%s is too large", name)
	}
	return time.Duration(d), nil
}
