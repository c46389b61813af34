package domain

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// InputImage is an auxiliary image uploaded to the engine before the
// workflow runs. Image holds a base64 data URI or plain base64.
type InputImage struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Payload is the opaque job description handed to the engine.
type Payload struct {
	Workflow json.RawMessage `json:"workflow"`
	Images   []InputImage    `json:"images,omitempty"`
}

// Normalize trims image names and drops an explicit empty image list.
func (p *Payload) Normalize() {
	if p == nil {
		return
	}
	for i := range p.Images {
		p.Images[i].Name = strings.TrimSpace(p.Images[i].Name)
		p.Images[i].Image = strings.TrimSpace(p.Images[i].Image)
	}
	if len(p.Images) == 0 {
		p.Images = nil
	}
}

// Validate checks the payload is structurally well formed. It does not
// inspect the workflow graph; that is the engine's concern.
func (p Payload) Validate() error {
	trimmed := bytes.TrimSpace(p.Workflow)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &PayloadError{Field: "workflow", Reason: "is required"}
	}
	var nodes map[string]json.RawMessage
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &nodes) != nil {
		return &PayloadError{Field: "workflow", Reason: "must be a JSON object"}
	}
	seen := make(map[string]struct{}, len(p.Images))
	for i, img := range p.Images {
		field := fmt.Sprintf("images[%d]", i)
		name := strings.TrimSpace(img.Name)
		if name == "" {
			return &PayloadError{Field: field + ".name", Reason: "is required"}
		}
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return &PayloadError{Field: field + ".name", Reason: "must be a plain file name"}
		}
		if _, dup := seen[name]; dup {
			return &PayloadError{Field: field + ".name", Reason: fmt.Sprintf("duplicate image name %q", name)}
		}
		seen[name] = struct{}{}
		if _, err := DecodeImageData(img.Image); err != nil {
			return &PayloadError{Field: field + ".image", Reason: err.Error()}
		}
	}
	return nil
}

// DecodeImageData decodes a base64 data URI ("data:image/png;base64,...")
// or a bare base64 string.
func DecodeImageData(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("is required")
	}
	if strings.HasPrefix(value, "data:") {
		header, data, ok := strings.Cut(value, ",")
		if !ok {
			return nil, fmt.Errorf("data URI has no payload")
		}
		if !strings.HasSuffix(header, ";base64") {
			return nil, fmt.Errorf("data URI must be base64 encoded")
		}
		value = data
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 data")
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("image data is empty")
	}
	return decoded, nil
}

// MustMarshal encodes v and panics on failure. Only use it with values that
// always encode.
func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("json marshal: %w", err))
	}
	return b
}
