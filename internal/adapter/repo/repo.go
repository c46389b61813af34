// Package repo holds the JobRepository engines: SQLite (default), PostgreSQL
// and in-memory. All three share the same status-conditional semantics so the
// single-running-job invariant holds no matter which one backs the queue.
package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/infra"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type options struct {
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a repository.
type Option func(*options)

// WithClock overrides the time source used for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger used for storage diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func newOptions(opts []Option) options {
	o := options{
		now:    func() time.Time { return time.Now().UTC() },
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open builds the repository selected by cfg.StoreDriver. For postgres the
// returned repository owns the connection pool and closes it on Close.
func Open(ctx context.Context, cfg *infra.Config, logger zerolog.Logger) (domain.JobRepository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	switch cfg.StoreDriver {
	case DriverSQLite, "":
		return OpenSQLite(ctx, cfg.DatabasePath, WithLogger(logger))
	case DriverPostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		r := NewJobRepository(infra.NewSQLRunner(pool, logger), WithLogger(logger))
		r.closer = pool.Close
		if err := r.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return r, nil
	case DriverMemory:
		return NewMemoryJobRepository(WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

// Location describes where jobs are stored, for the health endpoint. It never
// includes credentials.
func Location(cfg *infra.Config) string {
	switch cfg.StoreDriver {
	case DriverPostgres:
		return "postgres"
	case DriverMemory:
		return "memory"
	default:
		return cfg.DatabasePath
	}
}

func classifyMissed(job *domain.Job, err error, mismatch error) error {
	if err != nil {
		return err
	}
	if job == nil {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%w: job %s is %s", mismatch, job.ID, job.Status)
}
