package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/infra"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/sqlinline"
)

type simpleRow struct {
	scan func(dest ...any) error
}

func (r simpleRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type stubExecutor struct {
	exec     func(query string, args ...any) (pgconn.CommandTag, error)
	queryRow func(query string, args ...any) pgx.Row
	queries  []string
}

func (s *stubExecutor) record(query string) {
	if _, _, err := infra.ExtractMarker(query); err != nil {
		panic(fmt.Sprintf("query without marker: %q", query))
	}
	s.queries = append(s.queries, query)
}

func (s *stubExecutor) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.record(query)
	if s.exec == nil {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	return s.exec(query, args...)
}

func (s *stubExecutor) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	s.record(query)
	if s.queryRow == nil {
		return simpleRow{}
	}
	return s.queryRow(query, args...)
}

func (s *stubExecutor) Query(_ context.Context, query string, _ ...any) (pgx.Rows, error) {
	s.record(query)
	return nil, errors.New("query not supported by stub")
}

func jobRow(id string, status domain.JobStatus) simpleRow {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return simpleRow{scan: func(dest ...any) error {
		*dest[0].(*string) = id
		*dest[1].(*[]byte) = []byte(`{"workflow":{"3":{}}}`)
		*dest[2].(*string) = string(status)
		*dest[5].(*time.Time) = created
		if status != domain.JobStatusPending {
			started := created.Add(time.Second)
			*dest[6].(**time.Time) = &started
		}
		return nil
	}}
}

func TestPGCreateNotifiesAndToleratesNotifyFailure(t *testing.T) {
	stub := &stubExecutor{}
	stub.exec = func(query string, args ...any) (pgconn.CommandTag, error) {
		if query == sqlinline.QNotifyJobs {
			if args[0] != NotifyChannel {
				t.Fatalf("notify channel = %v", args[0])
			}
			return pgconn.CommandTag{}, errors.New("notify down")
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	r := NewJobRepository(stub)
	id, err := r.Create(context.Background(), testPayload("1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" || len(stub.queries) != 2 || stub.queries[0] != sqlinline.QInsertJob {
		t.Fatalf("unexpected queries: %d, id %q", len(stub.queries), id)
	}
}

func TestPGClaimNextMapsContention(t *testing.T) {
	tests := []struct {
		name    string
		row     pgx.Row
		wantErr error
	}{
		{name: "empty queue", row: simpleRow{}, wantErr: domain.ErrNoJobAvailable},
		{
			name:    "lost race for running slot",
			row:     simpleRow{scan: func(...any) error { return &pgconn.PgError{Code: "23505"} }},
			wantErr: domain.ErrNoJobAvailable,
		},
		{
			name:    "connection failure",
			row:     simpleRow{scan: func(...any) error { return errors.New("conn reset") }},
			wantErr: domain.ErrStorage,
		},
		{name: "claimed", row: jobRow("job-1", domain.JobStatusRunning)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubExecutor{queryRow: func(string, ...any) pgx.Row { return tc.row }}
			job, err := NewJobRepository(stub).ClaimNext(context.Background())
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("got %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ClaimNext: %v", err)
			}
			if job.ID != "job-1" || job.Status != domain.JobStatusRunning || job.StartedAt == nil {
				t.Fatalf("unexpected job: %+v", job)
			}
			if string(job.Payload.Workflow) != `{"3":{}}` {
				t.Fatalf("workflow = %s", job.Payload.Workflow)
			}
		})
	}
}

func TestPGCompleteClassifiesMisses(t *testing.T) {
	tests := []struct {
		name    string
		row     pgx.Row
		wantErr error
	}{
		{name: "missing job", row: simpleRow{}, wantErr: domain.ErrNotFound},
		{name: "pending job", row: jobRow("job-1", domain.JobStatusPending), wantErr: domain.ErrInvalidTransition},
		{name: "already completed", row: jobRow("job-1", domain.JobStatusCompleted), wantErr: domain.ErrInvalidTransition},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubExecutor{queryRow: func(string, ...any) pgx.Row { return tc.row }}
			err := NewJobRepository(stub).Complete(context.Background(), "job-1", json.RawMessage(`{}`))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestPGReclaimUsesInjectedClock(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var gotArgs []any
	stub := &stubExecutor{exec: func(_ string, args ...any) (pgconn.CommandTag, error) {
		gotArgs = args
		return pgconn.NewCommandTag("UPDATE 2"), nil
	}}
	r := NewJobRepository(stub, WithClock(func() time.Time { return now }))
	n, err := r.ReclaimStuck(context.Background(), 2*time.Hour)
	if err != nil || n != 2 {
		t.Fatalf("ReclaimStuck = %d, %v", n, err)
	}
	if gotArgs[0] != domain.StuckJobError || gotArgs[1] != now || gotArgs[2] != now.Add(-2*time.Hour) {
		t.Fatalf("unexpected args: %v", gotArgs)
	}
}

func TestPGDeleteAndMigrate(t *testing.T) {
	stub := &stubExecutor{
		exec: func(string, ...any) (pgconn.CommandTag, error) { return pgconn.NewCommandTag("DELETE 1"), nil },
	}
	r := NewJobRepository(stub)
	if err := r.Delete(context.Background(), "job-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := r.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(stub.queries) != 1+len(sqlinline.Migrations) {
		t.Fatalf("executed %d statements", len(stub.queries))
	}

	stub.exec = func(string, ...any) (pgconn.CommandTag, error) { return pgconn.CommandTag{}, errors.New("disk full") }
	if err := r.Migrate(context.Background()); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("Migrate failure: got %v", err)
	}
}
