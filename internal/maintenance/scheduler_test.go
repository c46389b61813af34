package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/adapter/repo"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/events"
)

func TestRunCycleReclaimsThenPurges(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := repo.NewMemoryJobRepository(repo.WithClock(func() time.Time { return now }))

	old, _ := store.Create(ctx, domain.Payload{Workflow: json.RawMessage(`{"1":{}}`)})
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := store.Complete(ctx, old, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	stuck, _ := store.Create(ctx, domain.Payload{Workflow: json.RawMessage(`{"2":{}}`)})
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	now = now.Add(3 * time.Hour)
	rec := &events.Recorder{}
	s := New(store, Options{StuckJobTimeout: 2 * time.Hour, Retention: 24 * time.Hour, Logger: zerolog.Nop(), Events: rec})

	report, err := s.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	// The stuck job completes "now", so it is not yet old enough to purge.
	if report.Reclaimed != 1 || report.Purged != 0 {
		t.Fatalf("report = %+v", report)
	}
	job, err := store.Get(ctx, stuck)
	if err != nil || job.Error != domain.StuckJobError {
		t.Fatalf("stuck job = %+v, %v", job, err)
	}

	now = now.Add(25 * time.Hour)
	report, err = s.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Reclaimed != 0 || report.Purged != 2 {
		t.Fatalf("report = %+v", report)
	}
	types := rec.Types()
	if len(types) != 2 || types[0] != events.JobsReclaimed || types[1] != events.JobsPurged {
		t.Fatalf("unexpected events: %v", types)
	}
}

type failingRepo struct {
	domain.JobRepository
	reclaimErr   error
	failFirst    int32
	reclaimCalls atomic.Int32
	purgeCalls   atomic.Int32
}

func (f *failingRepo) ReclaimStuck(context.Context, time.Duration) (int64, error) {
	if n := f.reclaimCalls.Add(1); n <= f.failFirst {
		return 0, domain.NewStorageError("reclaim stuck jobs", errors.New("database is locked"))
	}
	return 0, f.reclaimErr
}

func (f *failingRepo) PurgeTerminal(context.Context, time.Duration) (int64, error) {
	f.purgeCalls.Add(1)
	return 3, nil
}

func TestRunCyclePurgesEvenWhenReclaimFails(t *testing.T) {
	f := &failingRepo{reclaimErr: domain.NewStorageError("reclaim stuck jobs", errors.New("database is locked"))}
	s := New(f, Options{Logger: zerolog.Nop()})

	report, err := s.RunCycle(context.Background())
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if f.purgeCalls.Load() != 1 || report.Purged != 3 {
		t.Fatalf("purge skipped: calls=%d report=%+v", f.purgeCalls.Load(), report)
	}
}

func TestRunPerformsStartupCycleAndStops(t *testing.T) {
	f := &failingRepo{}
	s := New(f, Options{Interval: time.Hour, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for f.purgeCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("startup cycle did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestRunRetriesFailedCycle(t *testing.T) {
	f := &failingRepo{failFirst: 2}
	s := New(f, Options{Interval: time.Hour, RetryInterval: 10 * time.Millisecond, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for f.reclaimCalls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("failed cycle not retried: %d reclaim calls", f.reclaimCalls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	// A clean cycle ends the retries; the next run waits for the hourly tick.
	time.Sleep(50 * time.Millisecond)
	if got := f.reclaimCalls.Load(); got != 3 {
		t.Fatalf("reclaim calls = %d, want 3", got)
	}
	if got := f.purgeCalls.Load(); got != 3 {
		t.Fatalf("purge calls = %d, want 3", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
