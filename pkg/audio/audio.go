// Package audio plays synthesized speech.
//
// A [Player] takes raw 16-bit little-endian PCM and blocks until it has been
// rendered. The speech scheduler owns exactly one player and calls it from a
// single consumer goroutine, so implementations only need to tolerate a
// concurrent [Player.Halt].
package audio

import (
	"context"
	"time"
)

// Player renders PCM audio.
type Player interface {
	// Play blocks until pcm has been rendered, ctx is cancelled, or Halt is
	// called.
	Play(ctx context.Context, pcm []byte) error

	// Halt aborts any in-progress Play and releases the output device.
	// Play calls after Halt return [ErrHalted].
	Halt() error
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is the format engines are asked to produce.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1}

// Duration returns how long pcm takes to play in format f.
func Duration(pcm []byte, f Format) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := len(pcm) / (2 * f.Channels)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}
