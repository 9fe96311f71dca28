// Package mock provides a scriptable [camera.Camera] for tests.
//
//	cam := &mock.Camera{ReadyAfter: 2}
//	cam.IsReady() // false
//	cam.IsReady() // false
//	cam.IsReady() // true
//	cam.Emit(frame) // delivered to the sink passed to StartCapturing
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/visionvoice/pkg/camera"
	"github.com/MrWong99/visionvoice/pkg/types"
)

var _ camera.Camera = (*Camera)(nil)

// Camera is a mock implementation of [camera.Camera].
type Camera struct {
	mu sync.Mutex

	// ReadyAfter is the number of IsReady calls that report false before the
	// camera becomes ready. Negative means never ready.
	ReadyAfter int

	// StartErr is returned by StartCapturing.
	StartErr error

	readyCalls int
	sink       camera.Sink
	starts     int
	stops      int
	released   bool
	notReady   bool
}

// IsReady implements [camera.Camera].
func (c *Camera) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyCalls++
	if c.released || c.notReady || c.ReadyAfter < 0 {
		return false
	}
	return c.readyCalls > c.ReadyAfter
}

// StartCapturing implements [camera.Camera].
func (c *Camera) StartCapturing(_ context.Context, sink camera.Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.StartErr != nil {
		return c.StartErr
	}
	c.sink = sink
	return nil
}

// StopCapturing implements [camera.Camera].
func (c *Camera) StopCapturing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.sink = nil
}

// Release implements [camera.Camera].
func (c *Camera) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	c.sink = nil
	return nil
}

// Emit delivers f to the active sink. It reports false when not capturing.
func (c *Camera) Emit(f types.Frame) bool {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return false
	}
	sink(f)
	return true
}

// SetReady forces IsReady to report false (ready=false) or restores the
// ReadyAfter behaviour (ready=true).
func (c *Camera) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notReady = !ready
}

// ReadyCalls returns the number of IsReady calls.
func (c *Camera) ReadyCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyCalls
}

// Starts returns the number of StartCapturing calls.
func (c *Camera) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

// Stops returns the number of StopCapturing calls.
func (c *Camera) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

// Released reports whether Release was called.
func (c *Camera) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// Capturing reports whether a sink is active.
func (c *Camera) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink != nil
}
