package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/storage"
)

// OutputImage is one entry of the worker's output "images" list.
type OutputImage struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Data     string `json:"data"`
}

// storeImages moves base64 images out of the result and onto disk, replacing
// each with a {"type":"file"} reference. Other output keys pass through.
func (c *WorkerClient) storeImages(ctx context.Context, jobID string, output json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(output, &fields); err != nil {
		// Not an object; the dispatcher rejects it.
		return output, nil
	}
	rawImages, ok := fields["images"]
	if !ok {
		return output, nil
	}
	var images []OutputImage
	if err := json.Unmarshal(rawImages, &images); err != nil {
		return output, nil
	}

	stored := 0
	for i, img := range images {
		if img.Type != "base64" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, &domain.WorkerError{Message: fmt.Sprintf("output image %d is not valid base64", i), Err: err}
		}
		name := path.Base(strings.ReplaceAll(img.Filename, "\\", "/"))
		if name == "" || name == "." || name == "/" {
			name = fmt.Sprintf("image_%03d.png", i)
		}
		key, err := c.artifacts.Write(ctx, storage.JobPrefix(jobID)+"/"+name, data)
		if err != nil {
			return nil, &domain.WorkerError{Message: "store output image", Err: err}
		}
		images[i] = OutputImage{Filename: name, Type: "file", Data: key}
		stored++
	}
	if stored == 0 {
		return output, nil
	}
	c.logger.Debug().Str("job_id", jobID).Int("count", stored).Msg("stored output images")

	encoded, err := json.Marshal(images)
	if err != nil {
		return nil, &domain.WorkerError{Message: "encode output images", Err: err}
	}
	fields["images"] = encoded
	return domain.MustMarshal(fields), nil
}
