// Package miniaudio plays PCM on the default output device and records the
// default input device through miniaudio (github.com/gen2brain/malgo).
package miniaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/visionvoice/pkg/audio"
)

var _ audio.Player = (*Player)(nil)

type options struct {
	log *slog.Logger
}

// Option configures a [Player] or a [Capture].
type Option func(*options)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{log: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func initContext(log *slog.Logger) (*malgo.AllocatedContext, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug("malgo", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return mctx, nil
}

// Player is an [audio.Player] backed by a malgo playback device. The device
// runs continuously and pulls from an internal buffer; Play appends to the
// buffer and waits until the device callback has consumed it.
type Player struct {
	log    *slog.Logger
	format audio.Format

	mctx   *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	pending []byte
	drained chan struct{}
	halted  bool
	haltCh  chan struct{}
}

// New opens the default playback device for 16-bit PCM in format f and
// starts it.
func New(f audio.Format, opts ...Option) (*Player, error) {
	o := buildOptions(opts)
	p := &Player{
		log:    o.log.With("component", "audio.miniaudio"),
		format: f,
		haltCh: make(chan struct{}),
	}

	mctx, err := initContext(p.log)
	if err != nil {
		return nil, err
	}
	p.mctx = mctx

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(f.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(f.SampleRate / 10)
	cfg.Periods = 4

	p.device, err = malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: p.onData})
	if err != nil {
		p.release()
		return nil, fmt.Errorf("miniaudio: init device: %w", err)
	}
	if err := p.device.Start(); err != nil {
		p.release()
		return nil, fmt.Errorf("miniaudio: start device: %w", err)
	}
	p.log.Info("playback device started", "format", f.String())
	return p, nil
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	p.mu.Lock()
	if p.halted {
		p.mu.Unlock()
		return audio.ErrHalted
	}
	p.pending = append(p.pending, pcm...)
	done := make(chan struct{})
	p.drained = done
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-p.haltCh:
		return audio.ErrHalted
	case <-ctx.Done():
		p.mu.Lock()
		p.pending = nil
		p.drained = nil
		p.mu.Unlock()
		return ctx.Err()
	}
}

// onData is the device callback. It must not block.
func (p *Player) onData(out, _ []byte, _ uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := copy(out, p.pending)
	clear(out[n:])
	p.pending = p.pending[n:]
	if len(p.pending) == 0 && p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
}

// Halt implements [audio.Player]. It stops and releases the device.
func (p *Player) Halt() error {
	p.mu.Lock()
	if p.halted {
		p.mu.Unlock()
		return nil
	}
	p.halted = true
	p.pending = nil
	close(p.haltCh)
	p.mu.Unlock()

	var err error
	if p.device != nil {
		if stopErr := p.device.Stop(); stopErr != nil {
			err = fmt.Errorf("miniaudio: stop device: %w", stopErr)
		}
	}
	p.release()
	return err
}

func (p *Player) release() {
	if p.device != nil {
		p.device.Uninit()
		p.device = nil
	}
	if p.mctx != nil {
		releaseContext(p.mctx)
		p.mctx = nil
	}
}
