package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/adapter/repo"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/http/handlers"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/http/httpapi"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadPayload(t *testing.T) {
	dir := t.TempDir()
	workflow := writeFile(t, dir, "workflow.json", []byte(`{"3":{"class_type":"KSampler"}}`))
	image := writeFile(t, dir, "input.png", pngHeader)

	payload, err := loadPayload(workflow, []string{image})
	if err != nil {
		t.Fatalf("loadPayload: %v", err)
	}
	if !strings.Contains(string(payload.Workflow), "KSampler") {
		t.Fatalf("unexpected workflow: %s", payload.Workflow)
	}
	if len(payload.Images) != 1 || payload.Images[0].Name != "input.png" {
		t.Fatalf("unexpected images: %+v", payload.Images)
	}
	if !strings.HasPrefix(payload.Images[0].Image, "data:image/png;base64,") {
		t.Fatalf("image not encoded as png data URI: %.40s", payload.Images[0].Image)
	}
}

func TestLoadPayloadRequestFile(t *testing.T) {
	dir := t.TempDir()
	request := writeFile(t, dir, "request.json",
		[]byte(`{"workflow":{"9":{"class_type":"SaveImage"}},"images":[{"name":"mask.png","image":"iVBORw0KGgo="}]}`))
	extra := writeFile(t, dir, "extra.png", pngHeader)

	payload, err := loadPayload(request, []string{extra})
	if err != nil {
		t.Fatalf("loadPayload: %v", err)
	}
	if string(payload.Workflow) != `{"9":{"class_type":"SaveImage"}}` {
		t.Fatalf("request not unwrapped: %s", payload.Workflow)
	}
	if len(payload.Images) != 2 || payload.Images[0].Name != "mask.png" || payload.Images[1].Name != "extra.png" {
		t.Fatalf("unexpected images: %+v", payload.Images)
	}
}

func TestLoadPayloadRejects(t *testing.T) {
	dir := t.TempDir()
	notImage := writeFile(t, dir, "notes.txt", []byte("plain text"))
	valid := writeFile(t, dir, "workflow.json", []byte(`{"3":{}}`))
	tests := []struct {
		name     string
		workflow string
		images   []string
	}{
		{name: "missing file", workflow: filepath.Join(dir, "nope.json")},
		{name: "not json", workflow: writeFile(t, dir, "bad.json", []byte("{"))},
		{name: "array workflow", workflow: writeFile(t, dir, "array.json", []byte(`[1,2]`))},
		{name: "non-image upload", workflow: valid, images: []string{notImage}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadPayload(tc.workflow, tc.images); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSaveOutputImages(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	result, _ := json.Marshal(map[string]any{
		"images": []outputImage{
			{Filename: "../escape.png", Type: "base64", Data: base64.StdEncoding.EncodeToString(pngHeader)},
			{Filename: "remote.png", Type: "s3_url", Data: "https://bucket.example/remote.png"},
			{Filename: "local.png", Type: "file", Data: "generated/job/local.png"},
		},
	})

	lines, err := saveOutputImages(result, dir)
	if err != nil {
		t.Fatalf("saveOutputImages: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("unexpected report: %v", lines)
	}
	data, err := os.ReadFile(filepath.Join(dir, "escape.png"))
	if err != nil || !bytes.Equal(data, pngHeader) {
		t.Fatalf("image not saved inside output dir: %v", err)
	}
	if !strings.Contains(lines[1], "https://bucket.example/remote.png") || !strings.Contains(lines[2], "generated/job/local.png") {
		t.Fatalf("unexpected report: %v", lines)
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandsAgainstServer(t *testing.T) {
	store := repo.NewMemoryJobRepository()
	app := handlers.NewApp(store, zerolog.Nop())
	ts := httptest.NewServer(httpapi.NewRouter(app, httpapi.Options{Logger: zerolog.Nop()}))
	defer ts.Close()

	workflow := writeFile(t, t.TempDir(), "workflow.json", []byte(`{"3":{"class_type":"KSampler"}}`))
	out, err := runCLI(t, "--server", ts.URL, "submit", workflow)
	if err != nil {
		t.Fatalf("submit: %v (%s)", err, out)
	}
	if !strings.Contains(out, "queued (pending)") {
		t.Fatalf("unexpected submit output: %s", out)
	}
	jobID := strings.Fields(out)[1]

	out, err = runCLI(t, "--server", ts.URL, "status", jobID)
	if err != nil || !strings.Contains(out, `"status": "pending"`) {
		t.Fatalf("status: %v (%s)", err, out)
	}

	out, err = runCLI(t, "--server", ts.URL, "stats", "--recent")
	if err != nil || !strings.Contains(out, `"pending_jobs": 1`) || !strings.Contains(out, jobID) {
		t.Fatalf("stats: %v (%s)", err, out)
	}

	ctx := context.Background()
	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	result, _ := json.Marshal(map[string]any{"images": []outputImage{{Filename: "a.png", Type: "s3_url", Data: "https://x/a.png"}}})
	if err := store.Complete(ctx, jobID, result); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	out, err = runCLI(t, "--server", ts.URL, "wait", jobID, "--interval", "10ms", "--output", t.TempDir())
	if err != nil || !strings.Contains(out, "https://x/a.png") {
		t.Fatalf("wait: %v (%s)", err, out)
	}

	out, err = runCLI(t, "--server", ts.URL, "delete", jobID)
	if err != nil || !strings.Contains(out, "deleted successfully") {
		t.Fatalf("delete: %v (%s)", err, out)
	}
	if _, err := runCLI(t, "--server", ts.URL, "delete", jobID); err == nil {
		t.Fatalf("expected error deleting a missing job")
	}

	out, err = runCLI(t, "--server", ts.URL, "cleanup", "--max-age-hours", "1")
	if err != nil || !strings.Contains(out, "Cleaned up 0 old jobs") {
		t.Fatalf("cleanup: %v (%s)", err, out)
	}
	out, err = runCLI(t, "--server", ts.URL, "reset-stuck")
	if err != nil || !strings.Contains(out, "Reset 0 stuck jobs") {
		t.Fatalf("reset-stuck: %v (%s)", err, out)
	}
}
