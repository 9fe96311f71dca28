// Package detect defines the object detector collaborator and a hybrid
// detector that merges a local model with an optional remote one.
//
// Implementations live in sub-packages:
//
//   - httpdetect: posts JPEG frames to a local inference server.
//   - openai: asks a vision-capable chat model for detections.
//   - mock: scripted detector for tests.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/MrWong99/visionvoice/pkg/types"
)

// Detector finds objects in a frame.
//
// Implementations must be safe for concurrent use. Detect must honour ctx
// cancellation.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error)
}

// Func adapts a plain function to [Detector].
type Func func(ctx context.Context, frame types.Frame) ([]types.Detection, error)

// Detect implements [Detector].
func (f Func) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	return f(ctx, frame)
}

// Response is the JSON body exchanged with detection backends.
type Response struct {
	Detections []types.Detection `json:"detections"`
}

// DecodeResponse parses a detection response body.
func DecodeResponse(data []byte) ([]types.Detection, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("detect: decode response: %w", err)
	}
	return r.Detections, nil
}

// EncodeJPEG encodes img at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("detect: frame has no image")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("detect: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b types.BBox) float64 {
	ix := max(0, min(a.X2, b.X2)-max(a.X1, b.X1))
	iy := max(0, min(a.Y2, b.Y2)-max(a.Y1, b.Y1))
	inter := ix * iy
	union := (a.X2-a.X1)*(a.Y2-a.Y1) + (b.X2-b.X1)*(b.Y2-b.Y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
