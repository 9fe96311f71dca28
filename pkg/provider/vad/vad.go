// Package vad segments a microphone stream into utterances with an energy
// based voice activity detector.
//
// A chunk whose root-mean-square level reaches the threshold counts as
// speech. An utterance starts on the first speech chunk and ends after the
// configured stretch of silence, or when it reaches the maximum length.
// Utterances with less speech than MinSpeech are dropped as noise.
package vad

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/MrWong99/visionvoice/pkg/audio"
)

// EventType is the detector state after a chunk.
type EventType int

const (
	Silence EventType = iota
	SpeechStart
	SpeechContinue
	SpeechEnd
)

func (e EventType) String() string {
	switch e {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	default:
		return "silence"
	}
}

// Config holds the segmenter thresholds.
type Config struct {
	// Format of the incoming 16-bit PCM.
	Format audio.Format

	// Threshold is the RMS level, in sample units (0..32767), at or above
	// which a chunk is speech. Default: 500.
	Threshold float64

	// Silence ends an utterance. Default: 600ms.
	Silence time.Duration

	// MinSpeech discards shorter utterances. Default: 200ms.
	MinSpeech time.Duration

	// MaxUtterance forces an utterance to end. Default: 5s.
	MaxUtterance time.Duration
}

func (c *Config) applyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 500
	}
	if c.Silence <= 0 {
		c.Silence = 600 * time.Millisecond
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = 200 * time.Millisecond
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = 5 * time.Second
	}
}

// Segmenter accumulates chunks into utterances. It is not safe for
// concurrent use.
type Segmenter struct {
	cfg Config

	active  bool
	buf     []byte
	speech  time.Duration
	silence time.Duration
}

// NewSegmenter validates cfg, fills defaults and returns a segmenter.
func NewSegmenter(cfg Config) (*Segmenter, error) {
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		return nil, errors.New("vad: format needs a sample rate and channel count")
	}
	cfg.applyDefaults()
	if cfg.MinSpeech > cfg.MaxUtterance {
		return nil, errors.New("vad: MinSpeech exceeds MaxUtterance")
	}
	return &Segmenter{cfg: cfg}, nil
}

// Push feeds one chunk. When an utterance completes it is returned with
// [SpeechEnd]; otherwise the returned slice is nil.
func (s *Segmenter) Push(chunk []byte) ([]byte, EventType) {
	d := audio.Duration(chunk, s.cfg.Format)
	speech := RMS(chunk) >= s.cfg.Threshold

	if !s.active {
		if !speech {
			return nil, Silence
		}
		s.active = true
		s.buf = append(s.buf[:0], chunk...)
		s.speech, s.silence = d, 0
		return s.checkLength(SpeechStart)
	}

	s.buf = append(s.buf, chunk...)
	if speech {
		s.speech += d
		s.silence = 0
	} else {
		s.silence += d
		if s.silence >= s.cfg.Silence {
			return s.finish()
		}
	}
	return s.checkLength(SpeechContinue)
}

func (s *Segmenter) checkLength(ev EventType) ([]byte, EventType) {
	if audio.Duration(s.buf, s.cfg.Format) >= s.cfg.MaxUtterance {
		return s.finish()
	}
	return nil, ev
}

func (s *Segmenter) finish() ([]byte, EventType) {
	enough := s.speech >= s.cfg.MinSpeech
	utt := s.buf
	s.buf = nil
	s.active, s.speech, s.silence = false, 0, 0
	if !enough {
		return nil, Silence
	}
	return utt, SpeechEnd
}

// Active reports whether an utterance is in progress.
func (s *Segmenter) Active() bool { return s.active }

// Reset drops any partial utterance.
func (s *Segmenter) Reset() {
	s.buf = nil
	s.active, s.speech, s.silence = false, 0, 0
}

// RMS returns the root-mean-square level of 16-bit little-endian PCM, in
// sample units. It is 0 for less than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
