package vad

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/visionvoice/pkg/audio"
)

// chunk100ms is 100ms of 16 kHz mono PCM at a constant level.
func chunk100ms(level int16) []byte {
	out := make([]byte, 3200)
	for i := 0; i < len(out); i += 2 {
		binary.LittleEndian.PutUint16(out[i:], uint16(level))
	}
	return out
}

var (
	loud  = chunk100ms(1000)
	quiet = chunk100ms(0)
)

func newSegmenter(t *testing.T, cfg Config) *Segmenter {
	t.Helper()
	cfg.Format = audio.DefaultFormat
	s, err := NewSegmenter(cfg)
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	return s
}

func push(s *Segmenter, chunks ...[]byte) ([]byte, EventType) {
	var (
		utt []byte
		ev  EventType
	)
	for _, c := range chunks {
		utt, ev = s.Push(c)
	}
	return utt, ev
}

func repeat(c []byte, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = c
	}
	return out
}

func TestSegmenter_SilenceOnly(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, Config{})
	for range 20 {
		if utt, ev := s.Push(quiet); utt != nil || ev != Silence {
			t.Fatalf("Push(quiet) = %d bytes, %v", len(utt), ev)
		}
	}
}

func TestSegmenter_UtteranceEndsAfterSilence(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, Config{Silence: 600 * time.Millisecond})
	if _, ev := s.Push(loud); ev != SpeechStart {
		t.Fatalf("first loud chunk: %v, want speech_start", ev)
	}
	if _, ev := push(s, loud, loud); ev != SpeechContinue {
		t.Fatalf("ongoing speech: %v", ev)
	}
	if utt, ev := push(s, repeat(quiet, 5)...); utt != nil || ev != SpeechContinue {
		t.Fatalf("500ms silence ended utterance early: %v", ev)
	}
	utt, ev := s.Push(quiet)
	if ev != SpeechEnd {
		t.Fatalf("600ms silence: %v, want speech_end", ev)
	}
	if want := 9 * len(loud); len(utt) != want {
		t.Errorf("utterance = %d bytes, want %d", len(utt), want)
	}
	if s.Active() {
		t.Error("still active after end")
	}
}

func TestSegmenter_SpeechResetsSilence(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, Config{Silence: 600 * time.Millisecond})
	chunks := [][]byte{loud, loud}
	chunks = append(chunks, repeat(quiet, 5)...)
	chunks = append(chunks, loud)
	chunks = append(chunks, repeat(quiet, 5)...)
	if utt, ev := push(s, chunks...); utt != nil || ev != SpeechContinue {
		t.Fatalf("got %v before enough trailing silence", ev)
	}
	if _, ev := s.Push(quiet); ev != SpeechEnd {
		t.Errorf("got %v, want speech_end", ev)
	}
}

func TestSegmenter_DropsShortNoise(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, Config{Silence: 300 * time.Millisecond, MinSpeech: 200 * time.Millisecond})
	chunks := append([][]byte{loud}, repeat(quiet, 3)...)
	if utt, ev := push(s, chunks...); utt != nil || ev != Silence {
		t.Errorf("100ms blip: %d bytes, %v; want dropped", len(utt), ev)
	}
	if s.Active() {
		t.Error("active after dropped blip")
	}
}

func TestSegmenter_MaxUtterance(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, Config{MaxUtterance: time.Second})
	if utt, _ := push(s, repeat(loud, 9)...); utt != nil {
		t.Fatal("ended before max length")
	}
	utt, ev := s.Push(loud)
	if ev != SpeechEnd || len(utt) != 10*len(loud) {
		t.Errorf("Push = %d bytes, %v; want forced end at 1s", len(utt), ev)
	}
	if _, ev := s.Push(loud); ev != SpeechStart {
		t.Errorf("next chunk: %v, want a new utterance", ev)
	}
}

func TestSegmenter_Reset(t *testing.T) {
	t.Parallel()

	s := newSegmenter(t, Config{})
	push(s, loud, loud)
	s.Reset()
	if s.Active() {
		t.Fatal("active after Reset")
	}
	if _, ev := s.Push(quiet); ev != Silence {
		t.Errorf("after Reset: %v", ev)
	}
}

func TestNewSegmenter_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := NewSegmenter(Config{}); err == nil {
		t.Error("expected error without format")
	}
	_, err := NewSegmenter(Config{Format: audio.DefaultFormat, MinSpeech: 2 * time.Second, MaxUtterance: time.Second})
	if err == nil {
		t.Error("expected error for MinSpeech > MaxUtterance")
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v", got)
	}
	if got := RMS(loud); math.Abs(got-1000) > 1e-9 {
		t.Errorf("RMS(constant 1000) = %v", got)
	}
	alt := make([]byte, 4)
	neg := int16(-300)
	binary.LittleEndian.PutUint16(alt, uint16(neg))
	binary.LittleEndian.PutUint16(alt[2:], uint16(int16(400)))
	if got, want := RMS(alt), math.Sqrt((300*300+400*400)/2.0); math.Abs(got-want) > 1e-9 {
		t.Errorf("RMS = %v, want %v", got, want)
	}
}

func TestEventType_String(t *testing.T) {
	t.Parallel()

	for ev, want := range map[EventType]string{
		Silence: "silence", SpeechStart: "speech_start",
		SpeechContinue: "speech_continue", SpeechEnd: "speech_end",
	} {
		if got := ev.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", ev, got, want)
		}
	}
}
