package domain

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobStatuses lists every status in lifecycle order.
var JobStatuses = []JobStatus{JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed}

// Terminal reports whether no further transitions can happen from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// StuckJobError is recorded on running jobs reclaimed by maintenance.
const StuckJobError = "Job timed out (stuck in running state)"

// Job encapsulates the lifecycle of one image generation request.
type Job struct {
	ID          string
	Status      JobStatus
	Payload     Payload
	Result      json.RawMessage
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Stats holds job counts per status.
type Stats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// Add increments the counter for status by n and keeps Total in sync.
func (s *Stats) Add(status JobStatus, n int64) {
	switch status {
	case JobStatusPending:
		s.Pending += n
	case JobStatusRunning:
		s.Running += n
	case JobStatusCompleted:
		s.Completed += n
	case JobStatusFailed:
		s.Failed += n
	default:
		return
	}
	s.Total += n
}

// LaterOf returns t unless it is before floor, in which case floor is
// returned. Stores use it to keep created_at <= started_at <= completed_at
// even when the wall clock steps backwards.
func LaterOf(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}
