package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/adapter/repo"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/events"
)

type executorFunc func(ctx context.Context, jobID string, payload domain.Payload) (json.RawMessage, error)

func (f executorFunc) Execute(ctx context.Context, jobID string, payload domain.Payload) (json.RawMessage, error) {
	return f(ctx, jobID, payload)
}

func newTestDispatcher(t *testing.T, exec Executor, opts ...repo.Option) (*Dispatcher, *repo.MemoryJobRepository, *events.Recorder) {
	t.Helper()
	store := repo.NewMemoryJobRepository(opts...)
	rec := &events.Recorder{}
	d := New(store, exec, Options{PollInterval: time.Hour, Logger: zerolog.Nop(), Events: rec})
	return d, store, rec
}

func enqueue(t *testing.T, store domain.JobRepository) string {
	t.Helper()
	id, err := store.Create(context.Background(), domain.Payload{Workflow: json.RawMessage(`{"9":{}}`)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func getJob(t *testing.T, store domain.JobRepository, id string) *domain.Job {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job
}

func TestRunOnceCompletesJob(t *testing.T) {
	var gotID string
	d, store, rec := newTestDispatcher(t, executorFunc(func(_ context.Context, jobID string, p domain.Payload) (json.RawMessage, error) {
		gotID = jobID
		if string(p.Workflow) != `{"9":{}}` {
			t.Fatalf("unexpected workflow: %s", p.Workflow)
		}
		return json.RawMessage(`{"images":[{"filename":"a.png","type":"base64","data":"AA=="}]}`), nil
	}))
	id := enqueue(t, store)

	processed, err := d.RunOnce(context.Background())
	if err != nil || !processed {
		t.Fatalf("RunOnce = %v, %v", processed, err)
	}
	if gotID != id {
		t.Fatalf("executor got %s, want %s", gotID, id)
	}
	job := getJob(t, store, id)
	if job.Status != domain.JobStatusCompleted || !strings.Contains(string(job.Result), "a.png") {
		t.Fatalf("unexpected job: %+v", job)
	}
	types := rec.Types()
	if len(types) != 2 || types[0] != events.JobRunning || types[1] != events.JobCompleted {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	d, _, rec := newTestDispatcher(t, executorFunc(func(context.Context, string, domain.Payload) (json.RawMessage, error) {
		t.Fatalf("executor must not run on an empty queue")
		return nil, nil
	}))
	processed, err := d.RunOnce(context.Background())
	if err != nil || processed {
		t.Fatalf("RunOnce = %v, %v", processed, err)
	}
	if len(rec.Events()) != 0 {
		t.Fatalf("unexpected events on empty queue")
	}
}

func TestRunOnceRecordsFailures(t *testing.T) {
	tests := []struct {
		name    string
		exec    executorFunc
		wantErr string
	}{
		{
			name: "executor error",
			exec: func(context.Context, string, domain.Payload) (json.RawMessage, error) {
				return nil, &domain.WorkerError{Message: "node 3 failed"}
			},
			wantErr: "node 3 failed",
		},
		{
			name: "panic",
			exec: func(context.Context, string, domain.Payload) (json.RawMessage, error) {
				panic("boom")
			},
			wantErr: "executor panic: boom",
		},
		{
			name: "array result",
			exec: func(context.Context, string, domain.Payload) (json.RawMessage, error) {
				return json.RawMessage(`[1]`), nil
			},
			wantErr: "malformed output",
		},
		{
			name: "empty object",
			exec: func(context.Context, string, domain.Payload) (json.RawMessage, error) {
				return json.RawMessage(`{}`), nil
			},
			wantErr: "malformed output",
		},
		{
			name: "no result",
			exec: func(context.Context, string, domain.Payload) (json.RawMessage, error) {
				return nil, nil
			},
			wantErr: "malformed output",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, store, rec := newTestDispatcher(t, tc.exec)
			id := enqueue(t, store)
			next := enqueue(t, store)

			processed, err := d.RunOnce(context.Background())
			if err != nil || !processed {
				t.Fatalf("RunOnce = %v, %v", processed, err)
			}
			job := getJob(t, store, id)
			if job.Status != domain.JobStatusFailed || !strings.Contains(job.Error, tc.wantErr) {
				t.Fatalf("job = %+v, want failed with %q", job, tc.wantErr)
			}
			if types := rec.Types(); types[len(types)-1] != events.JobFailed {
				t.Fatalf("unexpected events: %v", types)
			}
			// The queue keeps moving after a failure.
			if _, err := d.RunOnce(context.Background()); err != nil {
				t.Fatalf("second RunOnce: %v", err)
			}
			if job := getJob(t, store, next); !job.Status.Terminal() {
				t.Fatalf("next job not processed: %+v", job)
			}
		})
	}
}

func TestRunOnceShutdownMidExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d, store, _ := newTestDispatcher(t, executorFunc(func(ctx context.Context, _ string, _ domain.Payload) (json.RawMessage, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	id := enqueue(t, store)

	if _, err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	job := getJob(t, store, id)
	if job.Status != domain.JobStatusFailed || job.Error != ShutdownMessage {
		t.Fatalf("job = %+v, want failed with shutdown message", job)
	}
}

func TestRunOnceDiscardsResultOfReclaimedJob(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	var store *repo.MemoryJobRepository
	d, store, _ := newTestDispatcher(t, executorFunc(func(ctx context.Context, _ string, _ domain.Payload) (json.RawMessage, error) {
		mu.Lock()
		now = now.Add(3 * time.Hour)
		mu.Unlock()
		if n, err := store.ReclaimStuck(ctx, 2*time.Hour); err != nil || n != 1 {
			t.Fatalf("ReclaimStuck = %d, %v", n, err)
		}
		return json.RawMessage(`{"images":[]}`), nil
	}), repo.WithClock(clock))
	id := enqueue(t, store)

	processed, err := d.RunOnce(context.Background())
	if err != nil || !processed {
		t.Fatalf("RunOnce = %v, %v", processed, err)
	}
	job := getJob(t, store, id)
	if job.Status != domain.JobStatusFailed || job.Error != domain.StuckJobError {
		t.Fatalf("reclaimed job overwritten: %+v", job)
	}
}

func TestRunWakesOnNotify(t *testing.T) {
	done := make(chan string, 1)
	d, store, _ := newTestDispatcher(t, executorFunc(func(_ context.Context, jobID string, _ domain.Payload) (json.RawMessage, error) {
		done <- jobID
		return json.RawMessage(`{"ok":true}`), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	// Let the first empty cycle pass so Run is idling on the hour-long poll.
	time.Sleep(20 * time.Millisecond)
	id := enqueue(t, store)
	d.Notify()

	select {
	case got := <-done:
		if got != id {
			t.Fatalf("executed %s, want %s", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not wake on Notify")
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestRunWakesOnExternalSignal(t *testing.T) {
	wake := make(chan struct{}, 1)
	done := make(chan struct{}, 1)
	store := repo.NewMemoryJobRepository()
	d := New(store, executorFunc(func(context.Context, string, domain.Payload) (json.RawMessage, error) {
		done <- struct{}{}
		return json.RawMessage(`{"ok":true}`), nil
	}), Options{PollInterval: time.Hour, Logger: zerolog.Nop(), Wake: wake})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	enqueue(t, store)
	wake <- struct{}{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not wake on external signal")
	}
}
