package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/storage"
)

func testPayload() domain.Payload {
	return domain.Payload{
		Workflow: json.RawMessage(`{"9":{"class_type":"SaveImage"}}`),
		Images:   []domain.InputImage{{Name: "in.png", Image: "iVBORw0KGgo="}},
	}
}

func TestWorkerClientExecute(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/run" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.ID != "job-1" {
			t.Fatalf("unexpected id: %s", req.ID)
		}
		if len(req.Input.Images) != 1 || req.Input.Images[0].Name != "in.png" {
			t.Fatalf("images not forwarded: %+v", req.Input.Images)
		}
		_, _ = w.Write([]byte(`{"output":{"images":[{"filename":"out.png","type":"s3_url","data":"https://example.com/out.png"}]}}`))
	}))
	defer ts.Close()

	client := NewWorkerClient(WorkerOptions{BaseURL: ts.URL + "/"})
	out, err := client.Execute(context.Background(), "job-1", testPayload())
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !strings.Contains(string(out), "https://example.com/out.png") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestWorkerClientStoresBase64Images(t *testing.T) {
	png := []byte("\x89PNG fake")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"output": map[string]any{
				"images":    []OutputImage{{Filename: "../ComfyUI_0001.png", Type: "base64", Data: base64.StdEncoding.EncodeToString(png)}},
				"prompt_id": "p-1",
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	client := NewWorkerClient(WorkerOptions{BaseURL: ts.URL, Artifacts: store})
	out, err := client.Execute(context.Background(), "job-2", testPayload())
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	var decoded struct {
		Images   []OutputImage `json:"images"`
		PromptID string        `json:"prompt_id"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if decoded.PromptID != "p-1" || len(decoded.Images) != 1 {
		t.Fatalf("unexpected output: %s", out)
	}
	img := decoded.Images[0]
	if img.Type != "file" || img.Data != "generated/job-2/ComfyUI_0001.png" {
		t.Fatalf("image not replaced by file reference: %+v", img)
	}
	data, err := store.Read(context.Background(), img.Data)
	if err != nil || string(data) != string(png) {
		t.Fatalf("stored bytes mismatch: %q, %v", data, err)
	}
}

func TestWorkerClientFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "error field", status: http.StatusOK, body: `{"error":"node 3 failed"}`, wantMsg: "node 3 failed"},
		{name: "http error with detail", status: http.StatusInternalServerError, body: `{"error":"engine crashed"}`, wantMsg: "engine crashed"},
		{name: "http error without body", status: http.StatusBadGateway, body: `oops`, wantMsg: "worker: http 502"},
		{name: "null output", status: http.StatusOK, body: `{"output":null}`, wantMsg: "worker returned no output"},
		{name: "not json", status: http.StatusOK, body: `<html>`, wantMsg: "malformed worker response"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			_, err := NewWorkerClient(WorkerOptions{BaseURL: ts.URL}).Execute(context.Background(), "job-1", testPayload())
			if !errors.Is(err, domain.ErrWorker) {
				t.Fatalf("expected worker error, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("error %q does not mention %q", err.Error(), tc.wantMsg)
			}
		})
	}
}

func TestWorkerClientTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	client := NewWorkerClient(WorkerOptions{BaseURL: ts.URL, Timeout: 50 * time.Millisecond})
	_, err := client.Execute(context.Background(), "job-1", testPayload())
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}
