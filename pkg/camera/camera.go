// Package camera defines the frame source collaborator and a directory
// replay implementation.
package camera

import (
	"context"

	"github.com/MrWong99/visionvoice/pkg/types"
)

// Sink receives captured frames. It is called from the camera's capture
// goroutine and must return quickly.
type Sink func(types.Frame)

// Camera is a frame source. Implementations must be safe for concurrent use.
type Camera interface {
	// IsReady reports whether the device can deliver frames.
	IsReady() bool

	// StartCapturing delivers frames to sink until StopCapturing, Release,
	// or ctx cancellation. Calling it while already capturing is a no-op.
	StartCapturing(ctx context.Context, sink Sink) error

	// StopCapturing pauses delivery. The camera can be started again.
	StopCapturing()

	// Release stops capturing and frees the device. The camera is not
	// usable afterwards.
	Release() error
}
