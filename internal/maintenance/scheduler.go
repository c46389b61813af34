// Package maintenance keeps the queue healthy: it fails jobs stuck in running
// and purges old terminal jobs on a fixed interval.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/events"
)

// Report summarises one maintenance cycle.
type Report struct {
	Reclaimed int64
	Purged    int64
}

// Options configures a Scheduler. RetryInterval is the wait before repeating
// a cycle that failed.
type Options struct {
	Interval        time.Duration
	RetryInterval   time.Duration
	StuckJobTimeout time.Duration
	Retention       time.Duration
	Logger          zerolog.Logger
	Events          events.Publisher
}

type Scheduler struct {
	repo   domain.JobRepository
	opts   Options
	logger zerolog.Logger
	events events.Publisher
}

func New(repo domain.JobRepository, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 10 * time.Minute
	}
	pub := opts.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Scheduler{repo: repo, opts: opts, logger: opts.Logger, events: pub}
}

// RunCycle reclaims stuck jobs and then purges expired terminal jobs. A
// failure in one step does not skip the other; both errors are returned.
func (s *Scheduler) RunCycle(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)

	reclaimed, err := s.repo.ReclaimStuck(ctx, s.opts.StuckJobTimeout)
	if err != nil {
		s.logger.Error().Err(err).Msg("maintenance: reclaim stuck jobs failed")
		errs = append(errs, fmt.Errorf("reclaim: %w", err))
	} else {
		report.Reclaimed = reclaimed
		if reclaimed > 0 {
			s.logger.Warn().Int64("count", reclaimed).Dur("max_running", s.opts.StuckJobTimeout).Msg("maintenance: reset stuck jobs")
			s.publish(ctx, events.Event{Type: events.JobsReclaimed, Count: reclaimed})
		}
	}

	purged, err := s.repo.PurgeTerminal(ctx, s.opts.Retention)
	if err != nil {
		s.logger.Error().Err(err).Msg("maintenance: purge old jobs failed")
		errs = append(errs, fmt.Errorf("purge: %w", err))
	} else {
		report.Purged = purged
		if purged > 0 {
			s.logger.Info().Int64("count", purged).Dur("retention", s.opts.Retention).Msg("maintenance: purged old jobs")
			s.publish(ctx, events.Event{Type: events.JobsPurged, Count: purged})
		}
	}

	return report, errors.Join(errs...)
}

// Run performs one cycle immediately, then one per interval until ctx is
// done. A failed cycle is repeated after RetryInterval until it succeeds;
// regular ticks that fall inside that window are skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.opts.Interval).Dur("retry", s.opts.RetryInterval).Msg("maintenance: started")
	s.runUntilClean(ctx)

	cl := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(cron.Every(s.opts.Interval), cron.FuncJob(func() {
		s.runUntilClean(ctx)
	}))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info().Msg("maintenance: stopped")
	return ctx.Err()
}

func (s *Scheduler) runUntilClean(ctx context.Context) {
	for {
		if _, err := s.RunCycle(ctx); err == nil || ctx.Err() != nil {
			return
		}
		s.logger.Warn().Dur("retry_in", s.opts.RetryInterval).Msg("maintenance: cycle failed, retrying")
		t := time.NewTimer(s.opts.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, ev events.Event) {
	ev.At = time.Now().UTC()
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("maintenance: publish event failed")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
