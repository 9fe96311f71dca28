package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/visionvoice/pkg/audio"
	"github.com/MrWong99/visionvoice/pkg/types"
)

func pcmOf(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func mustNew(t *testing.T, serverURL string, opts ...Option) *Engine {
	t.Helper()
	e, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): %v", serverURL, err)
	}
	return e
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty serverURL")
	}

	e := mustNew(t, "http://localhost:5002/", WithLanguage("de"), WithTimeout(5*time.Second))
	if e.serverURL != "http://localhost:5002" {
		t.Errorf("serverURL = %q, trailing slash not trimmed", e.serverURL)
	}
	if e.language != "de" || e.httpClient.Timeout != 5*time.Second || e.apiMode != APIModeStandard {
		t.Errorf("options not applied: %+v", e)
	}
}

func TestSynthesize_Standard(t *testing.T) {
	t.Parallel()

	want := pcmOf(1, 2, 3, 4)
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != apiTTSEndpoint {
			http.Error(w, "unexpected", http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		gotQuery = map[string]string{"text": q.Get("text"), "speaker_id": q.Get("speaker_id"), "language_id": q.Get("language_id")}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(audio.EncodeWAV(want, audio.Format{SampleRate: 22050, Channels: 1}))
	}))
	defer srv.Close()

	e := mustNew(t, srv.URL)
	got, err := e.Synthesize(context.Background(), "car on the left", types.VoiceProfile{VoiceID: "p225"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !slices.Equal(got, want) {
		t.Errorf("pcm = %v, want %v", got, want)
	}
	if gotQuery["text"] != "car on the left" || gotQuery["speaker_id"] != "p225" || gotQuery["language_id"] != "en" {
		t.Errorf("query = %v", gotQuery)
	}
}

func TestSynthesize_XTTS(t *testing.T) {
	t.Parallel()

	var body xttsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != xttsEndpoint {
			http.Error(w, "unexpected", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write(audio.EncodeWAV(pcmOf(7, 8), audio.Format{SampleRate: 24000, Channels: 1}))
	}))
	defer srv.Close()

	e := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))

	if _, err := e.Synthesize(context.Background(), "hi", types.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice id in xtts mode")
	}

	got, err := e.Synthesize(context.Background(), "hi", types.VoiceProfile{VoiceID: "female_02"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("pcm len = %d, want 4", len(got))
	}
	if body.SpeakerWav != "female_02" || body.Text != "hi" || body.Language != "en" {
		t.Errorf("request body = %+v", body)
	}
}

func TestSynthesize_Resamples(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(audio.EncodeWAV(pcmOf(0, 100, 200, 300), audio.Format{SampleRate: 8000, Channels: 1}))
	}))
	defer srv.Close()

	e := mustNew(t, srv.URL, WithOutputSampleRate(16000))
	got, err := e.Synthesize(context.Background(), "x", types.DefaultVoiceProfile())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(got) != 16 {
		t.Errorf("resampled len = %d bytes, want 16", len(got))
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantSub string
	}{
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) { http.Error(w, "boom", http.StatusInternalServerError) },
			wantSub: "status 500",
		},
		{
			name:    "not wav",
			handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("hello")) },
			wantSub: "RIFF",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := mustNew(t, srv.URL).Synthesize(context.Background(), "x", types.DefaultVoiceProfile())
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("err = %v, want it to mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestSynthesize_ContextCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := mustNew(t, srv.URL).Synthesize(ctx, "x", types.DefaultVoiceProfile()); err == nil {
		t.Error("expected error after context deadline")
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mode    APIMode
		path    string
		body    string
		wantIDs []string
	}{
		{"standard multi-speaker", APIModeStandard, detailsEndpoint, `{"model_name":"vctk","speakers":["p326","p225"]}`, []string{"p225", "p326"}},
		{"standard single-speaker", APIModeStandard, detailsEndpoint, `{"model_name":"ljspeech"}`, []string{"ljspeech"}},
		{"standard unnamed", APIModeStandard, detailsEndpoint, `{}`, []string{"default"}},
		{"xtts studio", APIModeXTTS, studioSpeakersEndpoint, `{"Claribel Dervla":{},"Ana Florence":{}}`, []string{"Ana Florence", "Claribel Dervla"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.path {
					http.NotFound(w, r)
					return
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := mustNew(t, srv.URL, WithAPIMode(tt.mode)).ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			ids := make([]string, len(got))
			for i, v := range got {
				ids[i] = v.ID
				if v.Engine != "coqui" {
					t.Errorf("voice %q engine = %q", v.ID, v.Engine)
				}
			}
			if !slices.Equal(ids, tt.wantIDs) {
				t.Errorf("ids = %v, want %v", ids, tt.wantIDs)
			}
		})
	}
}
