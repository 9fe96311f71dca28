// Package mock provides a test double for the detect.Detector interface.
//
//	det := &mock.Detector{Detections: []types.Detection{{ID: 1, Class: "person"}}}
//	got, _ := det.Detect(ctx, frame)
//	det.CallCount() // 1
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/visionvoice/pkg/provider/detect"
	"github.com/MrWong99/visionvoice/pkg/types"
)

var _ detect.Detector = (*Detector)(nil)

// Detector is a mock implementation of [detect.Detector].
type Detector struct {
	mu sync.Mutex

	// Detections is returned by Detect when Func is nil.
	Detections []types.Detection

	// Err, if non-nil, is returned by Detect instead of Detections.
	Err error

	// Func, when non-nil, replaces the canned response.
	Func func(ctx context.Context, frame types.Frame) ([]types.Detection, error)

	frames []uint64
}

// Detect implements [detect.Detector].
func (d *Detector) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	d.mu.Lock()
	d.frames = append(d.frames, frame.Seq)
	fn, dets, err := d.Func, d.Detections, d.Err
	d.mu.Unlock()

	if fn != nil {
		return fn(ctx, frame)
	}
	if err != nil {
		return nil, err
	}
	return slices.Clone(dets), nil
}

// Frames returns the sequence numbers of the frames seen so far.
func (d *Detector) Frames() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.frames)
}

// CallCount returns the number of Detect calls.
func (d *Detector) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

// SetDetections replaces the canned response.
func (d *Detector) SetDetections(dets []types.Detection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Detections = dets
}
