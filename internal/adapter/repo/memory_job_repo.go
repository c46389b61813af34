package repo

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
)

var _ domain.JobRepository = (*MemoryJobRepository)(nil)

type memoryJob struct {
	seq int64
	job domain.Job
}

// MemoryJobRepository keeps jobs in process memory. Safe for concurrent use;
// intended for tests and local development since nothing survives a restart.
type MemoryJobRepository struct {
	opts options

	mu   sync.Mutex
	seq  int64
	jobs map[string]*memoryJob
}

func NewMemoryJobRepository(opts ...Option) *MemoryJobRepository {
	return &MemoryJobRepository{
		opts: newOptions(opts),
		jobs: make(map[string]*memoryJob),
	}
}

func (r *MemoryJobRepository) Create(_ context.Context, payload domain.Payload) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	r.seq++
	r.jobs[id] = &memoryJob{
		seq: r.seq,
		job: domain.Job{
			ID:        id,
			Status:    domain.JobStatusPending,
			Payload:   clonePayload(payload),
			CreatedAt: r.opts.now(),
		},
	}
	return id, nil
}

func (r *MemoryJobRepository) Get(_ context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(m.job), nil
}

func (r *MemoryJobRepository) ClaimNext(_ context.Context) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next *memoryJob
	for _, m := range r.jobs {
		switch m.job.Status {
		case domain.JobStatusRunning:
			return nil, domain.ErrNoJobAvailable
		case domain.JobStatusPending:
			if next == nil || before(m, next) {
				next = m
			}
		}
	}
	if next == nil {
		return nil, domain.ErrNoJobAvailable
	}
	started := domain.LaterOf(r.opts.now(), next.job.CreatedAt)
	next.job.Status = domain.JobStatusRunning
	next.job.StartedAt = &started
	return cloneJob(next.job), nil
}

func (r *MemoryJobRepository) Complete(_ context.Context, id string, result json.RawMessage) error {
	return r.finish(id, domain.JobStatusCompleted, result, "")
}

func (r *MemoryJobRepository) Fail(_ context.Context, id string, message string) error {
	return r.finish(id, domain.JobStatusFailed, nil, failureMessage(message))
}

func (r *MemoryJobRepository) finish(id string, status domain.JobStatus, result json.RawMessage, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.job.Status != domain.JobStatusRunning {
		return classifyMissed(&m.job, nil, domain.ErrInvalidTransition)
	}
	r.finishLocked(m, status, result, message)
	return nil
}

func (r *MemoryJobRepository) finishLocked(m *memoryJob, status domain.JobStatus, result json.RawMessage, message string) {
	floor := m.job.CreatedAt
	if m.job.StartedAt != nil {
		floor = *m.job.StartedAt
	}
	completed := domain.LaterOf(r.opts.now(), floor)
	m.job.Status = status
	m.job.CompletedAt = &completed
	if status == domain.JobStatusCompleted {
		m.job.Result = append(json.RawMessage(nil), result...)
	} else {
		m.job.Error = message
	}
}

func (r *MemoryJobRepository) ReclaimStuck(_ context.Context, maxRunningAge time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.opts.now().Add(-maxRunningAge)
	var n int64
	for _, m := range r.jobs {
		if m.job.Status != domain.JobStatusRunning || m.job.StartedAt == nil {
			continue
		}
		if !m.job.StartedAt.Before(cutoff) {
			continue
		}
		r.finishLocked(m, domain.JobStatusFailed, nil, domain.StuckJobError)
		n++
	}
	return n, nil
}

func (r *MemoryJobRepository) PurgeTerminal(_ context.Context, maxAge time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.opts.now().Add(-maxAge)
	var n int64
	for id, m := range r.jobs {
		if !m.job.Status.Terminal() || m.job.CompletedAt == nil {
			continue
		}
		if m.job.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

func (r *MemoryJobRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !m.job.Status.Terminal() {
		return classifyMissed(&m.job, nil, domain.ErrInvalidState)
	}
	delete(r.jobs, id)
	return nil
}

func (r *MemoryJobRepository) Stats(_ context.Context) (domain.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s domain.Stats
	for _, m := range r.jobs {
		s.Add(m.job.Status, 1)
	}
	return s, nil
}

func (r *MemoryJobRepository) Recent(_ context.Context, limit int) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*memoryJob, 0, len(r.jobs))
	for _, m := range r.jobs {
		all = append(all, m)
	}
	sort.Slice(all, func(i, k int) bool { return before(all[k], all[i]) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]domain.Job, 0, len(all))
	for _, m := range all {
		out = append(out, *cloneJob(m.job))
	}
	return out, nil
}

func (r *MemoryJobRepository) Ping(context.Context) error { return nil }

func (r *MemoryJobRepository) Close() error { return nil }

// before orders jobs by creation time, then insertion order.
func before(a, b *memoryJob) bool {
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func cloneJob(j domain.Job) *domain.Job {
	cp := j
	cp.Payload = clonePayload(j.Payload)
	if j.Result != nil {
		cp.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func clonePayload(p domain.Payload) domain.Payload {
	cp := domain.Payload{Workflow: append(json.RawMessage(nil), p.Workflow...)}
	if len(p.Images) > 0 {
		cp.Images = append([]domain.InputImage(nil), p.Images...)
	}
	return cp
}

func failureMessage(message string) string {
	if message == "" {
		return "unknown error"
	}
	return message
}
