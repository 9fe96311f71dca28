// Package mock provides a test double for the tts.Synthesizer interface.
//
//	eng := &mock.Synthesizer{Audio: []byte("pcm")}
//	pcm, _ := eng.Synthesize(ctx, "hello", profile)
//	eng.CallCount() // 1
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/visionvoice/pkg/provider/tts"
	"github.com/MrWong99/visionvoice/pkg/types"
)

var (
	_ tts.Synthesizer = (*Synthesizer)(nil)
	_ tts.VoiceLister = (*Synthesizer)(nil)
)

// Call records a single invocation of Synthesize.
type Call struct {
	Text  string
	Voice types.VoiceProfile
}

// Synthesizer is a mock implementation of [tts.Synthesizer].
type Synthesizer struct {
	mu sync.Mutex

	// Audio is returned by Synthesize when Func is nil.
	Audio []byte

	// Err, if non-nil, is returned by Synthesize instead of Audio.
	Err error

	// Func, when non-nil, replaces the canned response.
	Func func(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	calls []Call
}

// Synthesize implements [tts.Synthesizer].
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Text: text, Voice: voice})
	fn, audio, err := s.Func, s.Audio, s.Err
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice)
	}
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), audio...), nil
}

// ListVoices implements [tts.VoiceLister].
func (s *Synthesizer) ListVoices(context.Context) ([]tts.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Voices, nil
}

// Calls returns a copy of the recorded calls.
func (s *Synthesizer) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns the number of Synthesize calls.
func (s *Synthesizer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Reset clears the recorded calls.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}
