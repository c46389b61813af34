package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
)

// maxWorkerResponseBytes bounds how much of a worker reply is read.
const maxWorkerResponseBytes = 512 << 20

// ArtifactWriter stores decoded output images. storage.FileStore implements it.
type ArtifactWriter interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// WorkerOptions configures a WorkerClient. Timeout bounds one execution and
// zero means no limit. Artifacts is optional.
type WorkerOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Artifacts  ArtifactWriter
	Logger     zerolog.Logger
}

// WorkerClient runs workflows on the image-generation worker over HTTP.
type WorkerClient struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	artifacts  ArtifactWriter
	logger     zerolog.Logger
}

func NewWorkerClient(opts WorkerOptions) *WorkerClient {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = "http://127.0.0.1:8188"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &WorkerClient{
		httpClient: client,
		baseURL:    base,
		timeout:    opts.Timeout,
		artifacts:  opts.Artifacts,
		logger:     opts.Logger,
	}
}

type runRequest struct {
	ID    string         `json:"id"`
	Input domain.Payload `json:"input"`
}

type runResponse struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// Execute sends the payload to the worker and returns its output object.
func (c *WorkerClient) Execute(ctx context.Context, jobID string, payload domain.Payload) (json.RawMessage, error) {
	if c == nil {
		return nil, errors.New("worker client not configured")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(runRequest{ID: jobID, Input: payload})
	if err != nil {
		return nil, &domain.WorkerError{Message: "encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, &domain.WorkerError{Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &domain.WorkerError{Message: fmt.Sprintf("worker timed out after %s", c.timeout), Err: err}
		}
		return nil, &domain.WorkerError{Message: "worker unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkerResponseBytes))
	if err != nil {
		return nil, &domain.WorkerError{Message: "read worker response", Err: err}
	}
	var out runResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode >= http.StatusBadRequest {
		if decodeErr == nil && out.Error != "" {
			return nil, &domain.WorkerError{Message: out.Error}
		}
		return nil, &domain.WorkerError{Message: fmt.Sprintf("worker: http %d", resp.StatusCode)}
	}
	if decodeErr != nil {
		return nil, &domain.WorkerError{Message: "malformed worker response", Err: decodeErr}
	}
	if out.Error != "" {
		return nil, &domain.WorkerError{Message: out.Error}
	}
	output := bytes.TrimSpace(out.Output)
	if len(output) == 0 || bytes.Equal(output, []byte("null")) {
		return nil, &domain.WorkerError{Message: "worker returned no output"}
	}
	if c.artifacts == nil {
		return output, nil
	}
	return c.storeImages(ctx, jobID, output)
}
