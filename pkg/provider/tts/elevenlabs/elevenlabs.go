// Package elevenlabs is the online synthesis engine, backed by the
// ElevenLabs streaming WebSocket API.
//
// Each Synthesize call opens one socket, sends the whole utterance followed
// by a flush, and collects PCM chunks until the server marks the stream
// final. Utterances are short and cached by the caller, so a connection per
// call keeps the engine stateless.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/visionvoice/pkg/provider/tts"
	"github.com/MrWong99/visionvoice/pkg/types"
)

var (
	_ tts.Synthesizer = (*Engine)(nil)
	_ tts.VoiceLister = (*Engine)(nil)
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultAPIBase   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// ErrServer is wrapped by errors reported in-band by the service.
var ErrServer = errors.New("elevenlabs: server error")

// Option configures an [Engine].
type Option func(*Engine)

// WithModel sets the model ID. Default: "eleven_flash_v2_5".
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithOutputFormat sets the audio output format. Default: "pcm_16000".
func WithOutputFormat(format string) Option {
	return func(e *Engine) { e.outputFormat = format }
}

// WithBaseURLs overrides the WebSocket and REST endpoints.
func WithBaseURLs(wsBase, apiBase string) Option {
	return func(e *Engine) {
		e.wsBase = strings.TrimRight(wsBase, "/")
		e.apiBase = strings.TrimRight(apiBase, "/")
	}
}

// Engine implements [tts.Synthesizer] backed by ElevenLabs.
type Engine struct {
	apiKey       string
	model        string
	outputFormat string
	wsBase       string
	apiBase      string
	httpClient   *http.Client
}

// New creates an engine. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	e := &Engine{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		apiBase:      defaultAPIBase,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Name identifies the engine in logs and metrics.
func (e *Engine) Name() string { return "elevenlabs" }

// ---- WebSocket message types ----

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// boiMessage opens the stream ("beginning of input").
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// streamURL returns the stream-input endpoint for a voice.
func (e *Engine) streamURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", e.model)
	q.Set("output_format", e.outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", e.wsBase, url.PathEscape(voiceID), q.Encode())
}

// settingsFor maps a profile onto ElevenLabs voice settings. Pitch and
// emotion have no ElevenLabs equivalent.
func settingsFor(v types.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if v.Speed > 0 && v.Speed != 1.0 {
		vs.Speed = min(max(v.Speed, 0.7), 1.2)
	}
	return vs
}

// Synthesize implements [tts.Synthesizer].
func (e *Engine) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	if voice.VoiceID == "" {
		return nil, errors.New("elevenlabs: voice id must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, e.streamURL(voice.VoiceID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()

	msgs := []any{
		boiMessage{Text: " ", VoiceSettings: settingsFor(voice), XiAPIKey: e.apiKey},
		textMessage{Text: text + " ", TryTriggerGeneration: true},
		textMessage{Text: ""},
	}
	for _, m := range msgs {
		data, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return nil, fmt.Errorf("elevenlabs: write: %w", err)
		}
	}

	var pcm []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && len(pcm) > 0 {
				return pcm, nil
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrServer, resp.Error)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			pcm = append(pcm, chunk...)
		}
		if resp.IsFinal {
			_ = conn.Close(websocket.StatusNormalClosure, "done")
			if len(pcm) == 0 {
				return nil, fmt.Errorf("%w: empty stream %s", ErrServer, resp.Message)
			}
			return pcm, nil
		}
	}
}

// ---- ListVoices ----

type voicesResponse struct {
	Voices []struct {
		VoiceID  string            `json:"voice_id"`
		Name     string            `json:"name"`
		Category string            `json:"category"`
		Labels   map[string]string `json:"labels"`
	} `json:"voices"`
}

// ListVoices implements [tts.VoiceLister].
func (e *Engine) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.apiBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	out := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		labels := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			labels[k] = val
		}
		if v.Category != "" {
			labels["category"] = v.Category
		}
		out = append(out, tts.Voice{ID: v.VoiceID, Name: v.Name, Engine: "elevenlabs", Labels: labels})
	}
	return out, nil
}
