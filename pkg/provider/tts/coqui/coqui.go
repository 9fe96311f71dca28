// Package coqui is the offline synthesis engine. It talks to a Coqui TTS
// server running on the device (or the local network) over plain HTTP.
//
// Two server flavours are supported:
//
//   - APIModeStandard (default): the stock Coqui TTS server. Synthesis is
//     GET /api/tts with query parameters; voices come from GET /details.
//
//   - APIModeXTTS: the XTTS v2 API server. Synthesis is POST /tts_to_audio/
//     with a JSON body; voices come from GET /studio_speakers.
//
// Both return WAV; the engine strips the container and returns PCM,
// resampled to the configured output rate when one is set.
//
//	eng, err := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	pcm, err := eng.Synthesize(ctx, "person ahead", profile)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/visionvoice/pkg/audio"
	"github.com/MrWong99/visionvoice/pkg/provider/tts"
	"github.com/MrWong99/visionvoice/pkg/types"
)

var (
	_ tts.Synthesizer = (*Engine)(nil)
	_ tts.VoiceLister = (*Engine)(nil)
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
	xttsEndpoint           = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
)

// APIMode selects which Coqui server API the engine targets.
type APIMode string

const (
	// APIModeStandard targets the stock Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"

	// APIModeXTTS targets the XTTS v2 API server (/tts_to_audio/). It
	// requires a speaker (VoiceID) on every request.
	APIModeXTTS APIMode = "xtts"
)

// Option configures an [Engine].
type Option func(*Engine)

// WithLanguage sets the language code sent to the server. Default: "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.httpClient.Timeout = d }
}

// WithAPIMode selects the server flavour. Default: [APIModeStandard].
func WithAPIMode(mode APIMode) Option {
	return func(e *Engine) { e.apiMode = mode }
}

// WithOutputSampleRate resamples mono output to rate. Zero (the default)
// keeps the model's native rate.
func WithOutputSampleRate(rate int) Option {
	return func(e *Engine) { e.outputRate = rate }
}

// WithHTTPClient replaces the HTTP client. Apply it before WithTimeout.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// Engine implements [tts.Synthesizer] against a Coqui server.
type Engine struct {
	serverURL  string
	language   string
	apiMode    APIMode
	outputRate int
	httpClient *http.Client
}

// New creates an engine for the server at serverURL
// (e.g. "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	e := &Engine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Name identifies the engine in logs and metrics.
func (e *Engine) Name() string { return "coqui" }

type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize implements [tts.Synthesizer]. Speed, pitch, and emotion are not
// supported by either server API and are ignored.
func (e *Engine) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	var (
		req *http.Request
		err error
	)
	switch e.apiMode {
	case APIModeXTTS:
		if voice.VoiceID == "" {
			return nil, errors.New("coqui: voice id must not be empty in xtts mode")
		}
		body, _ := json.Marshal(xttsRequest{Text: text, SpeakerWav: voice.VoiceID, Language: e.language})
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+xttsEndpoint, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		params := url.Values{}
		params.Set("text", text)
		if voice.VoiceID != "" {
			params.Set("speaker_id", voice.VoiceID)
		}
		if e.language != "" {
			params.Set("language_id", e.language)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	wav, err := e.do(req)
	if err != nil {
		return nil, err
	}
	info, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	pcm := info.PCM(wav)
	if e.outputRate > 0 && info.Format.Channels == 1 {
		pcm = audio.ResampleMono16(pcm, info.Format.SampleRate, e.outputRate)
	}
	return pcm, nil
}

func (e *Engine) do(req *http.Request) ([]byte, error) {
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read %s response: %w", req.URL.Path, err)
	}
	return data, nil
}

type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Speakers  []string `json:"speakers"`
}

// ListVoices implements [tts.VoiceLister]. Standard mode reports one voice
// per speaker of a multi-speaker model, or a single voice named after the
// model. XTTS mode reports the studio speakers.
func (e *Engine) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	endpoint := detailsEndpoint
	if e.apiMode == APIModeXTTS {
		endpoint = studioSpeakersEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	data, err := e.do(req)
	if err != nil {
		return nil, err
	}

	if e.apiMode == APIModeXTTS {
		var speakers map[string]json.RawMessage
		if err := json.Unmarshal(data, &speakers); err != nil {
			return nil, fmt.Errorf("coqui: decode studio speakers: %w", err)
		}
		names := make([]string, 0, len(speakers))
		for name := range speakers {
			names = append(names, name)
		}
		return voices(names, map[string]string{"type": "studio"}), nil
	}

	var details detailsResponse
	if err := json.Unmarshal(data, &details); err != nil {
		return nil, fmt.Errorf("coqui: decode details: %w", err)
	}
	if len(details.Speakers) > 0 {
		return voices(slices.Clone(details.Speakers), map[string]string{"type": "speaker", "model_name": details.ModelName}), nil
	}
	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return voices([]string{name}, map[string]string{"type": "single-speaker", "model_name": name}), nil
}

// voices builds a sorted catalogue sharing one label set.
func voices(names []string, labels map[string]string) []tts.Voice {
	slices.Sort(names)
	out := make([]tts.Voice, 0, len(names))
	for _, n := range names {
		out = append(out, tts.Voice{ID: n, Name: n, Engine: "coqui", Labels: labels})
	}
	return out
}
