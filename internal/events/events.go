// Package events publishes job lifecycle notifications. Publishing is best
// effort: the job store stays the source of truth and a failed publish never
// fails the operation that triggered it.
package events

import (
	"context"
	"sync"
	"time"
)

// Type names a lifecycle transition.
type Type string

const (
	JobCreated    Type = "job.created"
	JobRunning    Type = "job.running"
	JobCompleted  Type = "job.completed"
	JobFailed     Type = "job.failed"
	JobDeleted    Type = "job.deleted"
	JobsReclaimed Type = "jobs.reclaimed"
	JobsPurged    Type = "jobs.purged"
)

// Event is the JSON document sent to subscribers.
type Event struct {
	Type  Type      `json:"type"`
	JobID string    `json:"job_id,omitempty"`
	Error string    `json:"error,omitempty"`
	Count int64     `json:"count,omitempty"`
	At    time.Time `json:"at"`
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the recorded event types in publish order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
