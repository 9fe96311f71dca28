// Package tts defines the Synthesizer interface for speech synthesis engines.
//
// An engine turns one utterance into raw 16-bit little-endian PCM in one
// call. The speech scheduler caches the result by text, so engines do not
// stream and are not expected to deduplicate.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/visionvoice/pkg/types"
)

// Synthesizer is the abstraction over any synthesis engine.
type Synthesizer interface {
	// Synthesize renders text with the given voice and returns PCM audio.
	// An engine that cannot honour a profile field (pitch, emotion) ignores
	// it rather than failing.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)
}

// VoiceLister is implemented by engines that can enumerate their voices.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}
