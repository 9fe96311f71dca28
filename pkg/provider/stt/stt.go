// Package stt defines the Transcriber interface for speech-to-text backends.
//
// Transcription is batch: the voice command listener segments microphone
// audio into utterances and submits each one whole. Engines that only
// stream are out of scope.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/visionvoice/pkg/audio"
)

// ErrEmptyAudio is returned when Transcribe is called without samples.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Transcriber turns one utterance of 16-bit little-endian PCM into text.
//
// Implementations must be safe for concurrent use. An utterance with no
// recognisable speech yields "" and a nil error.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, f audio.Format) (string, error)
}
