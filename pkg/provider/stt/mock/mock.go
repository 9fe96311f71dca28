// Package mock provides a test double for [stt.Transcriber].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/visionvoice/pkg/audio"
	"github.com/MrWong99/visionvoice/pkg/provider/stt"
)

var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber returns Texts in order, one per call, then "".
type Transcriber struct {
	mu sync.Mutex

	// Texts are returned by successive Transcribe calls.
	Texts []string

	// Err, if non-nil, is returned instead of text.
	Err error

	calls [][]byte
}

// Transcribe implements [stt.Transcriber].
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte, _ audio.Format) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, append([]byte(nil), pcm...))
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if t.Err != nil {
		return "", t.Err
	}
	if len(t.Texts) == 0 {
		return "", nil
	}
	text := t.Texts[0]
	t.Texts = t.Texts[1:]
	return text, nil
}

// Calls returns the utterances received so far.
func (t *Transcriber) Calls() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.calls...)
}
