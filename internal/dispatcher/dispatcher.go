// Package dispatcher drains the job queue one job at a time: claim the oldest
// pending job, hand it to the executor, and record the outcome.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/events"
)

const (
	defaultPollInterval = 2 * time.Second
	writeBackTimeout    = 30 * time.Second

	// ShutdownMessage is recorded for a job interrupted by shutdown.
	ShutdownMessage = "interrupted: dispatcher shutting down"
)

// Executor runs one job's payload on the image generation engine.
type Executor interface {
	Execute(ctx context.Context, jobID string, payload domain.Payload) (json.RawMessage, error)
}

// Options configures a Dispatcher. Wake is optional and receives a value
// whenever new work may be available, for example from a Postgres LISTEN
// session.
type Options struct {
	PollInterval time.Duration
	Logger       zerolog.Logger
	Events       events.Publisher
	Wake         <-chan struct{}
}

type Dispatcher struct {
	repo     domain.JobRepository
	executor Executor
	poll     time.Duration
	logger   zerolog.Logger
	events   events.Publisher
	wake     <-chan struct{}
	notify   chan struct{}
}

func New(repo domain.JobRepository, executor Executor, opts Options) *Dispatcher {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	pub := opts.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Dispatcher{
		repo:     repo,
		executor: executor,
		poll:     poll,
		logger:   opts.Logger,
		events:   pub,
		wake:     opts.Wake,
		notify:   make(chan struct{}, 1),
	}
}

// Notify wakes an idle dispatcher. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Run processes jobs until ctx is done. It returns ctx.Err().
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Dur("poll_interval", d.poll).Msg("dispatcher: started")
	defer d.logger.Info().Msg("dispatcher: stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := d.RunOnce(ctx)
		if err != nil {
			d.logger.Error().Err(err).Msg("dispatcher: cycle failed")
		}
		if processed && err == nil {
			continue
		}
		if err := d.idle(ctx); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) idle(ctx context.Context) error {
	timer := time.NewTimer(d.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-d.notify:
	case _, ok := <-d.wake:
		if !ok {
			d.wake = nil
		}
	}
	return nil
}

// RunOnce claims and resolves at most one job. It reports whether a job was
// processed; an empty queue is not an error.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	job, err := d.repo.ClaimNext(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNoJobAvailable) {
			return false, nil
		}
		return false, fmt.Errorf("claim job: %w", err)
	}

	log := d.logger.With().Str("job_id", job.ID).Logger()
	log.Info().Msg("dispatcher: picked job")
	d.publish(ctx, events.Event{Type: events.JobRunning, JobID: job.ID})

	result, execErr := d.execute(ctx, job)
	if execErr == nil {
		execErr = validateResult(result)
	}

	// Record the outcome even when ctx was canceled mid-execution.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
	defer cancel()

	if execErr != nil {
		message := execErr.Error()
		if ctx.Err() != nil {
			message = ShutdownMessage
		}
		log.Warn().Err(execErr).Msg("dispatcher: job failed")
		if err := d.repo.Fail(wctx, job.ID, message); err != nil {
			return true, d.writeBackError(log, "fail", err)
		}
		d.publish(wctx, events.Event{Type: events.JobFailed, JobID: job.ID, Error: message})
		return true, nil
	}

	if err := d.repo.Complete(wctx, job.ID, result); err != nil {
		return true, d.writeBackError(log, "complete", err)
	}
	log.Info().Msg("dispatcher: job completed")
	d.publish(wctx, events.Event{Type: events.JobCompleted, JobID: job.ID})
	return true, nil
}

// writeBackError treats a lost race with maintenance (the job was reclaimed
// while running) as benign.
func (d *Dispatcher) writeBackError(log zerolog.Logger, op string, err error) error {
	if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
		log.Warn().Err(err).Str("op", op).Msg("dispatcher: job changed while running, result discarded")
		return nil
	}
	return fmt.Errorf("%s job: %w", op, err)
}

func (d *Dispatcher) execute(ctx context.Context, job *domain.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("job_id", job.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("dispatcher: executor panicked")
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return d.executor.Execute(ctx, job.ID, job.Payload)
}

// validateResult accepts only a non-empty JSON object.
func validateResult(result json.RawMessage) error {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return &domain.WorkerError{Message: "malformed output: result must be a JSON object"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || len(fields) == 0 {
		return &domain.WorkerError{Message: "malformed output: result is empty"}
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, ev events.Event) {
	ev.At = time.Now().UTC()
	if err := d.events.Publish(ctx, ev); err != nil {
		d.logger.Warn().Err(err).Str("event", string(ev.Type)).Str("job_id", ev.JobID).Msg("dispatcher: publish event failed")
	}
}
