package domain

import (
	"context"
	"encoding/json"
	"time"
)

// JobRepository is the durable job table. It is the only component allowed
// to change a job's status; every method is a single atomic unit against the
// backing store and no implementation caches job state between calls.
type JobRepository interface {
	// Create inserts a pending job and returns its new id.
	Create(ctx context.Context, payload Payload) (string, error)
	Get(ctx context.Context, id string) (*Job, error)
	// ClaimNext moves the oldest pending job to running. It returns
	// ErrNoJobAvailable when nothing is pending or a job is already running.
	ClaimNext(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, id string, message string) error
	// ReclaimStuck fails every running job started more than maxRunningAge ago.
	ReclaimStuck(ctx context.Context, maxRunningAge time.Duration) (int64, error)
	// PurgeTerminal deletes terminal jobs completed more than maxAge ago.
	PurgeTerminal(ctx context.Context, maxAge time.Duration) (int64, error)
	// Delete removes a terminal job.
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (Stats, error)
	// Recent lists up to limit jobs, newest first.
	Recent(ctx context.Context, limit int) ([]Job, error)
	Ping(ctx context.Context) error
	Close() error
}
