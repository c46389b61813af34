package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
)

// loadPayload reads a workflow file and attaches the given images as data
// URIs. The file may hold the bare workflow graph or a full /run request
// of the form {"workflow": {...}, "images": [...]}.
func loadPayload(workflowPath string, imagePaths []string) (domain.Payload, error) {
	raw, err := os.ReadFile(workflowPath)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("read workflow: %w", err)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return domain.Payload{}, fmt.Errorf("parse workflow %s: %w", workflowPath, err)
	}
	payload := domain.Payload{Workflow: raw}
	if wf, ok := top["workflow"]; ok && strings.HasPrefix(strings.TrimSpace(string(wf)), "{") {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return domain.Payload{}, fmt.Errorf("parse request %s: %w", workflowPath, err)
		}
	}

	for _, path := range imagePaths {
		img, err := encodeImage(path)
		if err != nil {
			return domain.Payload{}, err
		}
		payload.Images = append(payload.Images, img)
	}
	payload.Normalize()
	if err := payload.Validate(); err != nil {
		return domain.Payload{}, fmt.Errorf("invalid workflow: %w", err)
	}
	return payload, nil
}

func encodeImage(path string) (domain.InputImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.InputImage{}, fmt.Errorf("read image: %w", err)
	}
	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return domain.InputImage{}, fmt.Errorf("%s is not an image (detected %s)", path, mime.String())
	}
	return domain.InputImage{
		Name:  filepath.Base(path),
		Image: "data:" + mime.String() + ";base64," + base64.StdEncoding.EncodeToString(data),
	}, nil
}

type outputImage struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Data     string `json:"data"`
}

// saveOutputImages writes base64 images from a job result into dir and
// describes where every image can be found.
func saveOutputImages(result json.RawMessage, dir string) ([]string, error) {
	var out struct {
		Images []outputImage `json:"images"`
	}
	if len(result) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("decode job result: %w", err)
	}
	if len(out.Images) == 0 {
		return []string{"no images generated"}, nil
	}

	var lines []string
	for i, img := range out.Images {
		name := filepath.Base(strings.TrimSpace(img.Filename))
		if name == "" || name == "." || name == string(filepath.Separator) {
			name = fmt.Sprintf("generated_image_%d.png", i)
		}
		switch img.Type {
		case "base64":
			data, err := base64.StdEncoding.DecodeString(img.Data)
			if err != nil {
				return lines, fmt.Errorf("decode image %s: %w", name, err)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return lines, fmt.Errorf("create output dir: %w", err)
			}
			target := filepath.Join(dir, name)
			if err := os.WriteFile(target, data, 0o644); err != nil {
				return lines, fmt.Errorf("write image: %w", err)
			}
			lines = append(lines, "saved "+target)
		case "s3_url":
			lines = append(lines, fmt.Sprintf("%s available at %s", name, img.Data))
		case "file":
			lines = append(lines, fmt.Sprintf("%s stored on the server as %s", name, img.Data))
		default:
			lines = append(lines, fmt.Sprintf("%s has unsupported type %q", name, img.Type))
		}
	}
	return lines, nil
}
