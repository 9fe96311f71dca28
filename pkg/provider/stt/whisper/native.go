package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/visionvoice/pkg/audio"
	"github.com/MrWong99/visionvoice/pkg/provider/stt"
)

// modelRate is the only sample rate whisper models accept.
const modelRate = 16000

var _ stt.Transcriber = (*Native)(nil)

// NativeOption configures a [Native] transcriber.
type NativeOption func(*Native)

// WithNativeLanguage sets the language code. Default: "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(n *Native) { n.language = lang }
}

// Native is a [stt.Transcriber] running whisper.cpp in-process. The model is
// loaded once; each call gets its own context, so calls may overlap.
type Native struct {
	language string

	mu    sync.RWMutex
	model whisperlib.Model
}

// NewNative loads the model at modelPath. Call Close when done.
func NewNative(modelPath string, opts ...NativeOption) (*Native, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	n := &Native{language: defaultLanguage}
	for _, o := range opts {
		o(n)
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	n.model = model
	return n, nil
}

// Transcribe implements [stt.Transcriber]. Audio in other formats is
// down-mixed and resampled to 16 kHz mono first.
func (n *Native) Transcribe(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
	if len(pcm) == 0 {
		return "", stt.ErrEmptyAudio
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.model == nil {
		return "", errors.New("whisper: model closed")
	}

	wctx, err := n.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(n.language); err != nil {
		return "", fmt.Errorf("whisper: set language %q: %w", n.language, err)
	}
	if err := wctx.Process(toModelSamples(pcm, f), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		parts = append(parts, seg.Text)
	}
	return cleanText(strings.Join(parts, " ")), nil
}

// Close releases the model. Later Transcribe calls fail.
func (n *Native) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.model == nil {
		return nil
	}
	err := n.model.Close()
	n.model = nil
	return err
}
