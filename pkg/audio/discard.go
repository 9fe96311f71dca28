package audio

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrHalted is returned by Play after the player has been halted.
var ErrHalted = errors.New("audio: player halted")

var _ Player = (*Discard)(nil)

// Discard is a [Player] for headless runs. It drops the audio, optionally
// sleeping for the real playback duration so queue timing stays realistic.
type Discard struct {
	// Format is used to compute playback duration when Realtime is set.
	Format Format

	// Realtime makes Play sleep for the duration of the clip.
	Realtime bool

	halted atomic.Bool
	halt   chan struct{}
	once   atomic.Bool
}

// NewDiscard returns a Discard player.
func NewDiscard(f Format, realtime bool) *Discard {
	return &Discard{Format: f, Realtime: realtime, halt: make(chan struct{})}
}

// Play implements [Player].
func (d *Discard) Play(ctx context.Context, pcm []byte) error {
	if d.halted.Load() {
		return ErrHalted
	}
	if !d.Realtime || d.halt == nil {
		return ctx.Err()
	}
	timer := time.NewTimer(Duration(pcm, d.Format))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-d.halt:
		return ErrHalted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Halt implements [Player].
func (d *Discard) Halt() error {
	d.halted.Store(true)
	if d.halt != nil && d.once.CompareAndSwap(false, true) {
		close(d.halt)
	}
	return nil
}
