// Package client is a typed HTTP client for the job queue API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
)

const defaultBaseURL = "http://localhost:8000"

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api: http %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("api: http %d", e.StatusCode)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case domain.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case domain.ErrInvalidState:
		return e.StatusCode == http.StatusConflict
	case domain.ErrInvalidPayload:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

// JobStats counts jobs per status.
type JobStats = domain.Stats

type Health struct {
	Status       string    `json:"status"`
	DatabasePath string    `json:"database_path"`
	JobStats     *JobStats `json:"job_stats"`
	Error        string    `json:"error"`
}

// JobStatus is the server's view of one job. Timestamps are Unix seconds.
type JobStatus struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result"`
	Error       string          `json:"error"`
	CreatedAt   float64         `json:"created_at"`
	StartedAt   *float64        `json:"started_at"`
	CompletedAt *float64        `json:"completed_at"`
}

// Terminal reports whether the job has finished.
func (s *JobStatus) Terminal() bool {
	return domain.JobStatus(s.Status).Terminal()
}

type RecentJob struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	CreatedAt   float64  `json:"created_at"`
	StartedAt   *float64 `json:"started_at"`
	CompletedAt *float64 `json:"completed_at"`
	Error       *string  `json:"error"`
}

type Stats struct {
	TotalJobs     int64       `json:"total_jobs"`
	PendingJobs   int64       `json:"pending_jobs"`
	RunningJobs   int64       `json:"running_jobs"`
	CompletedJobs int64       `json:"completed_jobs"`
	FailedJobs    int64       `json:"failed_jobs"`
	RecentJobs    []RecentJob `json:"recent_jobs"`
}

type Submitted struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type AdminResult struct {
	Message      string `json:"message"`
	DeletedCount int64  `json:"deleted_count"`
	ResetCount   int64  `json:"reset_count"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	c := &Client{baseURL: base, httpClient: &http.Client{Timeout: 60 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		// An unhealthy server still reports its status body.
		return &out, err
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Stats(ctx context.Context, includeRecent bool) (*Stats, error) {
	q := url.Values{}
	if includeRecent {
		q.Set("include_recent", "true")
	}
	var out Stats
	if err := c.do(ctx, http.MethodGet, "/stats", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit queues a workflow and returns the new job id.
func (c *Client) Submit(ctx context.Context, payload domain.Payload) (*Submitted, error) {
	var out Submitted
	if err := c.do(ctx, http.MethodPost, "/run", nil, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	var out JobStatus
	if err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(jobID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Wait polls the job every interval until it finishes or ctx is done. On
// timeout it returns the last status seen along with the context error.
func (c *Client) Wait(ctx context.Context, jobID string, interval time.Duration) (*JobStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last *JobStatus
	for {
		status, err := c.Status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return last, fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
			}
			return nil, err
		}
		if status.Terminal() {
			return status, nil
		}
		last = status
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Cleanup purges terminal jobs older than maxAgeHours.
func (c *Client) Cleanup(ctx context.Context, maxAgeHours float64) (*AdminResult, error) {
	q := url.Values{"max_age_hours": {formatHours(maxAgeHours)}}
	var out AdminResult
	if err := c.do(ctx, http.MethodPost, "/admin/cleanup", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetStuck fails running jobs older than maxRunningHours.
func (c *Client) ResetStuck(ctx context.Context, maxRunningHours float64) (*AdminResult, error) {
	q := url.Values{"max_running_time_hours": {formatHours(maxRunningHours)}}
	var out AdminResult
	if err := c.do(ctx, http.MethodPost, "/admin/reset-stuck", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Delete(ctx context.Context, jobID string) (*AdminResult, error) {
	var out AdminResult
	if err := c.do(ctx, http.MethodDelete, "/admin/job/"+url.PathEscape(jobID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func formatHours(h float64) string {
	return strconv.FormatFloat(h, 'f', -1, 64)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &e) == nil {
			apiErr.Code = e.Error
			apiErr.Detail = e.Detail
			if apiErr.Detail == "" {
				apiErr.Detail = e.Error
			}
		}
		if out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
