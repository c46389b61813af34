package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
)

var _ domain.JobRepository = (*SQLiteJobRepository)(nil)

const sqliteBusyTimeout = 30 * time.Second

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	input        TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       TEXT,
	error        TEXT,
	created_at   INTEGER NOT NULL,
	started_at   INTEGER,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs(status, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_single_running ON jobs(status) WHERE status = 'running';
`

const sqliteJobColumns = `id, input, status, result, error, created_at, started_at, completed_at`

// SQLiteJobRepository stores jobs in a single SQLite file. Several processes
// may open the same file: writes are serialized by SQLite's file lock and
// every status change is one conditional statement.
type SQLiteJobRepository struct {
	db   *sql.DB
	path string
	opts options
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteJobRepository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite: database path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: ensure directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, sqliteBusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection per process; cross-process safety comes from the file lock.
	db.SetMaxOpenConns(1)

	r := &SQLiteJobRepository{db: db, path: path, opts: newOptions(opts)}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	r.opts.logger.Debug().Str("path", path).Msg("sqlite: job store ready")
	return r, nil
}

// Path returns the database file location.
func (r *SQLiteJobRepository) Path() string { return r.path }

func (r *SQLiteJobRepository) Create(ctx context.Context, payload domain.Payload) (string, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return "", domain.NewStorageError("encode job input", err)
	}
	id := uuid.NewString()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, input, status, created_at) VALUES (?, ?, ?, ?)`,
		id, string(input), domain.JobStatusPending, toMicros(r.opts.now()),
	)
	if err != nil {
		return "", domain.NewStorageError("insert job", err)
	}
	return id, nil
}

func (r *SQLiteJobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.NewStorageError("get job", err)
	}
	return job, nil
}

func (r *SQLiteJobRepository) ClaimNext(ctx context.Context) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE jobs
SET status = 'running', started_at = MAX(?, created_at)
WHERE seq = (
	SELECT seq FROM jobs
	WHERE status = 'pending'
	ORDER BY created_at ASC, seq ASC
	LIMIT 1
)
AND NOT EXISTS (SELECT 1 FROM jobs WHERE status = 'running')
RETURNING `+sqliteJobColumns, toMicros(r.opts.now()))
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isSQLiteUniqueViolation(err) {
			return nil, domain.ErrNoJobAvailable
		}
		return nil, domain.NewStorageError("claim job", err)
	}
	return job, nil
}

func (r *SQLiteJobRepository) Complete(ctx context.Context, id string, result json.RawMessage) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'completed', result = ?, completed_at = MAX(?, COALESCE(started_at, created_at))
WHERE id = ? AND status = 'running'`,
		string(result), toMicros(r.opts.now()), id,
	)
	return r.checkTransition(ctx, "complete job", id, res, err)
}

func (r *SQLiteJobRepository) Fail(ctx context.Context, id string, message string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'failed', error = ?, completed_at = MAX(?, COALESCE(started_at, created_at))
WHERE id = ? AND status = 'running'`,
		failureMessage(message), toMicros(r.opts.now()), id,
	)
	return r.checkTransition(ctx, "fail job", id, res, err)
}

func (r *SQLiteJobRepository) checkTransition(ctx context.Context, op, id string, res sql.Result, err error) error {
	if err != nil {
		return domain.NewStorageError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError(op, err)
	}
	if n > 0 {
		return nil
	}
	return r.classify(ctx, id, domain.ErrInvalidTransition)
}

func (r *SQLiteJobRepository) classify(ctx context.Context, id string, mismatch error) error {
	job, err := r.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNotFound
	}
	return classifyMissed(job, err, mismatch)
}

func (r *SQLiteJobRepository) ReclaimStuck(ctx context.Context, maxRunningAge time.Duration) (int64, error) {
	now := r.opts.now()
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'failed', error = ?, completed_at = MAX(?, started_at)
WHERE status = 'running' AND started_at IS NOT NULL AND started_at < ?`,
		domain.StuckJobError, toMicros(now), toMicros(now.Add(-maxRunningAge)),
	)
	if err != nil {
		return 0, domain.NewStorageError("reclaim stuck jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.NewStorageError("reclaim stuck jobs", err)
	}
	return n, nil
}

func (r *SQLiteJobRepository) PurgeTerminal(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM jobs
WHERE status IN ('completed', 'failed') AND completed_at IS NOT NULL AND completed_at < ?`,
		toMicros(r.opts.now().Add(-maxAge)),
	)
	if err != nil {
		return 0, domain.NewStorageError("purge terminal jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.NewStorageError("purge terminal jobs", err)
	}
	return n, nil
}

func (r *SQLiteJobRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND status IN ('completed', 'failed')`, id)
	if err != nil {
		return domain.NewStorageError("delete job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError("delete job", err)
	}
	if n > 0 {
		return nil
	}
	return r.classify(ctx, id, domain.ErrInvalidState)
}

func (r *SQLiteJobRepository) Stats(ctx context.Context) (domain.Stats, error) {
	var s domain.Stats
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

func (r *SQLiteJobRepository) Recent(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs ORDER BY created_at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, domain.NewStorageError("recent jobs", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
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

func (r *SQLiteJobRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return domain.NewStorageError("ping", err)
	}
	return nil
}

func (r *SQLiteJobRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*domain.Job, error) {
	var (
		job         domain.Job
		input       string
		status      string
		result      sql.NullString
		errMsg      sql.NullString
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&job.ID, &input, &status, &result, &errMsg, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(input), &job.Payload); err != nil {
		return nil, fmt.Errorf("decode job %s input: %w", job.ID, err)
	}
	job.Status = domain.JobStatus(status)
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.Error = errMsg.String
	job.CreatedAt = fromMicros(createdAt)
	if startedAt.Valid {
		t := fromMicros(startedAt.Int64)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := fromMicros(completedAt.Int64)
		job.CompletedAt = &t
	}
	return &job, nil
}

func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
