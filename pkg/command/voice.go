package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/visionvoice/pkg/audio"
	"github.com/MrWong99/visionvoice/pkg/provider/stt"
	"github.com/MrWong99/visionvoice/pkg/provider/vad"
)

// Microphone streams 16-bit PCM chunks until ctx ends, then closes the
// channel.
type Microphone interface {
	Format() audio.Format
	Stream(ctx context.Context) (<-chan []byte, error)
}

var _ Listener = (*VoiceListener)(nil)

// VoiceOption configures a [VoiceListener].
type VoiceOption func(*VoiceListener)

// WithVoiceLogger sets the logger. Default: [slog.Default].
func WithVoiceLogger(l *slog.Logger) VoiceOption {
	return func(v *VoiceListener) { v.log = l }
}

// WithSegmentation sets the utterance detector thresholds. The format is
// taken from the microphone.
func WithSegmentation(cfg vad.Config) VoiceOption {
	return func(v *VoiceListener) { v.seg = cfg }
}

// WithTranscribeTimeout bounds each transcription. Default: 10s.
func WithTranscribeTimeout(d time.Duration) VoiceOption {
	return func(v *VoiceListener) { v.timeout = d }
}

// VoiceListener turns spoken utterances into commands. Utterances are cut
// from the microphone stream by [vad.Segmenter] and transcribed one at a
// time; audio arriving during a transcription is buffered by the
// microphone.
type VoiceListener struct {
	mic     Microphone
	tr      stt.Transcriber
	seg     vad.Config
	timeout time.Duration
	log     *slog.Logger

	stop chan struct{}
	once sync.Once
}

// NewVoiceListener returns a listener transcribing mic with tr.
func NewVoiceListener(mic Microphone, tr stt.Transcriber, opts ...VoiceOption) *VoiceListener {
	v := &VoiceListener{
		mic:     mic,
		tr:      tr,
		timeout: 10 * time.Second,
		log:     slog.Default(),
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(v)
	}
	v.log = v.log.With("component", "voice_commands")
	return v
}

// Listen implements [Listener]. A failed transcription is logged and
// skipped.
func (v *VoiceListener) Listen(ctx context.Context, h Handler) error {
	cfg := v.seg
	cfg.Format = v.mic.Format()
	seg, err := vad.NewSegmenter(cfg)
	if err != nil {
		return fmt.Errorf("voice commands: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	chunks, err := v.mic.Stream(ctx)
	if err != nil {
		return fmt.Errorf("voice commands: open microphone: %w", err)
	}
	v.log.Info("listening for voice commands", "format", cfg.Format.String())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-v.stop:
			return nil
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			utt, ev := seg.Push(chunk)
			if ev != vad.SpeechEnd {
				continue
			}
			text, err := v.transcribe(ctx, utt, cfg.Format)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					v.log.Warn("transcription failed", "err", err, "audio", audio.Duration(utt, cfg.Format))
				}
				continue
			}
			if text == "" {
				continue
			}
			v.log.Debug("command received", "text", text)
			h(text)
		}
	}
}

func (v *VoiceListener) transcribe(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	text, err := v.tr.Transcribe(ctx, pcm, f)
	if err != nil {
		return "", err
	}
	return normalize(text), nil
}

// normalize trims whitespace and trailing punctuation so "Toggle mode."
// matches the "toggle mode" keyword.
func normalize(text string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(text), ".!?,;:"))
}

// Stop implements [Listener].
func (v *VoiceListener) Stop() {
	v.once.Do(func() { close(v.stop) })
}
