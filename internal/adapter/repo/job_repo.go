package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/infra"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/sqlinline"
)

// NotifyChannel is the Postgres channel pinged whenever a job is enqueued.
const NotifyChannel = "jobqueue_jobs"

var _ domain.JobRepository = (*JobRepository)(nil)

// JobRepository implements domain.JobRepository on PostgreSQL.
type JobRepository struct {
	exec   infra.SQLExecutor
	opts   options
	closer func()
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(exec infra.SQLExecutor, opts ...Option) *JobRepository {
	return &JobRepository{exec: exec, opts: newOptions(opts)}
}

// Migrate creates the jobs table and its indexes when missing.
func (r *JobRepository) Migrate(ctx context.Context) error {
	for _, q := range sqlinline.Migrations {
		if _, err := r.exec.Exec(ctx, q); err != nil {
			return domain.NewStorageError("migrate", err)
		}
	}
	return nil
}

// Create inserts a pending job and notifies listening dispatchers.
func (r *JobRepository) Create(ctx context.Context, payload domain.Payload) (string, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return "", domain.NewStorageError("encode job input", err)
	}
	id := uuid.NewString()
	if _, err := r.exec.Exec(ctx, sqlinline.QInsertJob, id, input, r.opts.now()); err != nil {
		return "", domain.NewStorageError("insert job", err)
	}
	if _, err := r.exec.Exec(ctx, sqlinline.QNotifyJobs, NotifyChannel, id); err != nil {
		r.opts.logger.Warn().Err(err).Str("job_id", id).Msg("notify dispatchers failed")
	}
	return id, nil
}

// Get fetches a job by its identifier.
func (r *JobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanPGJob(r.exec.QueryRow(ctx, sqlinline.QSelectJobByID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.NewStorageError("get job", err)
	}
	return job, nil
}

func (r *JobRepository) ClaimNext(ctx context.Context) (*domain.Job, error) {
	job, err := scanPGJob(r.exec.QueryRow(ctx, sqlinline.QClaimNextJob, r.opts.now()))
	if err != nil {
		// A concurrent claimer won the single running slot.
		if errors.Is(err, pgx.ErrNoRows) || infra.IsUniqueViolation(err) {
			return nil, domain.ErrNoJobAvailable
		}
		return nil, domain.NewStorageError("claim job", err)
	}
	return job, nil
}

func (r *JobRepository) Complete(ctx context.Context, id string, result json.RawMessage) error {
	tag, err := r.exec.Exec(ctx, sqlinline.QCompleteJob, id, []byte(result), r.opts.now())
	if err != nil {
		return domain.NewStorageError("complete job", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return r.classify(ctx, id, domain.ErrInvalidTransition)
}

func (r *JobRepository) Fail(ctx context.Context, id string, message string) error {
	tag, err := r.exec.Exec(ctx, sqlinline.QFailJob, id, failureMessage(message), r.opts.now())
	if err != nil {
		return domain.NewStorageError("fail job", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return r.classify(ctx, id, domain.ErrInvalidTransition)
}

func (r *JobRepository) classify(ctx context.Context, id string, mismatch error) error {
	job, err := r.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNotFound
	}
	return classifyMissed(job, err, mismatch)
}

func (r *JobRepository) ReclaimStuck(ctx context.Context, maxRunningAge time.Duration) (int64, error) {
	now := r.opts.now()
	tag, err := r.exec.Exec(ctx, sqlinline.QReclaimStuckJobs, domain.StuckJobError, now, now.Add(-maxRunningAge))
	if err != nil {
		return 0, domain.NewStorageError("reclaim stuck jobs", err)
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepository) PurgeTerminal(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := r.exec.Exec(ctx, sqlinline.QPurgeTerminalJobs, r.opts.now().Add(-maxAge))
	if err != nil {
		return 0, domain.NewStorageError("purge terminal jobs", err)
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.exec.Exec(ctx, sqlinline.QDeleteTerminalJob, id)
	if err != nil {
		return domain.NewStorageError("delete job", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return r.classify(ctx, id, domain.ErrInvalidState)
}

func (r *JobRepository) Stats(ctx context.Context) (domain.Stats, error) {
	var s domain.Stats
	rows, err := r.exec.Query(ctx, sqlinline.QJobStatusCounts)
	if err != nil {
		return s, domain.NewStorageError("job stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return domain.Stats{}, domain.NewStorageError("job stats", err)
		}
		s.Add(domain.JobStatus(status), count)
	}
	if err := rows.Err(); err != nil {
		return domain.Stats{}, domain.NewStorageError("job stats", err)
	}
	return s, nil
}

func (r *JobRepository) Recent(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := r.exec.Query(ctx, sqlinline.QRecentJobs, limit)
	if err != nil {
		return nil, domain.NewStorageError("recent jobs", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanPGJob(rows)
		if err != nil {
			return nil, domain.NewStorageError("recent jobs", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("recent jobs", err)
	}
	return jobs, nil
}

func (r *JobRepository) Ping(ctx context.Context) error {
	var one int
	if err := r.exec.QueryRow(ctx, sqlinline.QPing).Scan(&one); err != nil {
		return domain.NewStorageError("ping", err)
	}
	return nil
}

// Close releases the connection pool when the repository owns it.
func (r *JobRepository) Close() error {
	if r.closer != nil {
		r.closer()
	}
	return nil
}

func scanPGJob(row pgx.Row) (*domain.Job, error) {
	var (
		job         domain.Job
		input       []byte
		status      string
		result      []byte
		errMsg      *string
		createdAt   time.Time
		startedAt   *time.Time
		completedAt *time.Time
	)
	if err := row.Scan(&job.ID, &input, &status, &result, &errMsg, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(input, &job.Payload); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	if errMsg != nil {
		job.Error = *errMsg
	}
	job.CreatedAt = createdAt.UTC()
	job.StartedAt = utcPtr(startedAt)
	job.CompletedAt = utcPtr(completedAt)
	return &job, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
