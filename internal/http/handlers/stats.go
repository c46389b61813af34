package handlers

import (
	"net/http"
	"strconv"
	"unicode/utf8"
)

const recentErrorMaxLen = 100

type recentJob struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	CreatedAt   float64  `json:"created_at"`
	StartedAt   *float64 `json:"started_at"`
	CompletedAt *float64 `json:"completed_at"`
	Error       *string  `json:"error"`
}

type statsResponse struct {
	TotalJobs     int64 `json:"total_jobs"`
	PendingJobs   int64 `json:"pending_jobs"`
	RunningJobs   int64 `json:"running_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
}

type statsWithRecentResponse struct {
	statsResponse
	RecentJobs []recentJob `json:"recent_jobs"`
}

func (a *App) Stats(w http.ResponseWriter, r *http.Request) {
	includeRecent := false
	if v := r.URL.Query().Get("include_recent"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "include_recent must be a boolean")
			return
		}
		includeRecent = parsed
	}

	stats, err := a.Repo.Stats(r.Context())
	if err != nil {
		a.storeError(w, r, "stats", err)
		return
	}
	resp := statsResponse{
		TotalJobs:     stats.Total,
		PendingJobs:   stats.Pending,
		RunningJobs:   stats.Running,
		CompletedJobs: stats.Completed,
		FailedJobs:    stats.Failed,
	}
	if !includeRecent {
		a.json(w, http.StatusOK, resp)
		return
	}

	limit := a.RecentLimit
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	jobs, err := a.Repo.Recent(r.Context(), limit)
	if err != nil {
		a.storeError(w, r, "recent", err)
		return
	}
	out := statsWithRecentResponse{statsResponse: resp}
	out.RecentJobs = make([]recentJob, 0, len(jobs))
	for _, job := range jobs {
		item := recentJob{
			ID:          job.ID,
			Status:      string(job.Status),
			CreatedAt:   epochSeconds(job.CreatedAt),
			StartedAt:   epochSecondsPtr(job.StartedAt),
			CompletedAt: epochSecondsPtr(job.CompletedAt),
		}
		if job.Error != "" {
			msg := truncate(job.Error, recentErrorMaxLen)
			item.Error = &msg
		}
		out.RecentJobs = append(out.RecentJobs, item)
	}

	a.json(w, http.StatusOK, out)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
