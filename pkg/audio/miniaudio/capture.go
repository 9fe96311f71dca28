package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/visionvoice/pkg/audio"
)

// ErrStreaming is returned by [Capture.Stream] while a stream is open.
var ErrStreaming = errors.New("miniaudio: capture already streaming")

// Capture records 16-bit PCM from the default input device.
type Capture struct {
	log    *slog.Logger
	format audio.Format

	mu        sync.Mutex
	streaming bool
	dropped   atomic.Uint64
}

// NewCapture returns a recorder for format f. The device is opened by
// [Capture.Stream].
func NewCapture(f audio.Format, opts ...Option) *Capture {
	o := buildOptions(opts)
	return &Capture{log: o.log.With("component", "audio.capture"), format: f}
}

// Format returns the recorded format.
func (c *Capture) Format() audio.Format { return c.format }

// Dropped returns how many chunks were discarded because the consumer fell
// behind.
func (c *Capture) Dropped() uint64 { return c.dropped.Load() }

// Stream opens the input device and delivers chunks of roughly 50ms until
// ctx ends, then closes the channel and releases the device.
func (c *Capture) Stream(ctx context.Context) (<-chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming {
		return nil, ErrStreaming
	}

	mctx, err := initContext(c.log)
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(c.format.SampleRate)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(c.format.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(c.format.SampleRate / 20)

	out := make(chan []byte, 64)
	onData := func(_, in []byte, _ uint32) {
		chunk := append([]byte(nil), in...)
		select {
		case out <- chunk:
		default:
			c.dropped.Add(1)
		}
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		releaseContext(mctx)
		return nil, fmt.Errorf("miniaudio: init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		releaseContext(mctx)
		return nil, fmt.Errorf("miniaudio: start capture device: %w", err)
	}
	c.streaming = true
	c.log.Info("capture device started", "format", c.format.String())

	go func() {
		<-ctx.Done()
		if err := device.Stop(); err != nil {
			c.log.Warn("stop capture device", "err", err)
		}
		device.Uninit()
		releaseContext(mctx)
		close(out)

		c.mu.Lock()
		c.streaming = false
		c.mu.Unlock()
		c.log.Info("capture device stopped", "dropped_chunks", c.dropped.Load())
	}()
	return out, nil
}

func releaseContext(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}
