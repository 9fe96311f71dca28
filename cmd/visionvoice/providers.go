package main

import (
	"log/slog"

	"github.com/MrWong99/visionvoice/internal/config"
	"github.com/MrWong99/visionvoice/pkg/audio"
	"github.com/MrWong99/visionvoice/pkg/audio/miniaudio"
	"github.com/MrWong99/visionvoice/pkg/camera"
	"github.com/MrWong99/visionvoice/pkg/provider/detect"
	"github.com/MrWong99/visionvoice/pkg/provider/detect/httpdetect"
	"github.com/MrWong99/visionvoice/pkg/provider/detect/openai"
	"github.com/MrWong99/visionvoice/pkg/provider/stt"
	"github.com/MrWong99/visionvoice/pkg/provider/stt/deepgram"
	"github.com/MrWong99/visionvoice/pkg/provider/stt/whisper"
	"github.com/MrWong99/visionvoice/pkg/provider/tts"
	"github.com/MrWong99/visionvoice/pkg/provider/tts/coqui"
	"github.com/MrWong99/visionvoice/pkg/provider/tts/elevenlabs"
)

// registerBuiltinProviders wires the provider factories that ship with
// visionvoice into reg. Detector calls are bounded by cfg.Detector.Timeout.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config, log *slog.Logger) {
	timeout := cfg.Detector.Timeout

	// ── Detectors ─────────────────────────────────────────────────────────────

	reg.RegisterDetector("http", func(entry config.ProviderEntry) (detect.Detector, error) {
		opts := []httpdetect.Option{httpdetect.WithTimeout(timeout)}
		if q := entry.OptionInt("jpeg_quality", 0); q > 0 {
			opts = append(opts, httpdetect.WithQuality(q))
		}
		return httpdetect.New(entry.BaseURL, opts...)
	})

	reg.RegisterDetector("openai", func(entry config.ProviderEntry) (detect.Detector, error) {
		opts := []openai.Option{openai.WithTimeout(timeout)}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if d := entry.OptionString("detail", ""); d != "" {
			opts = append(opts, openai.WithDetail(d))
		}
		if n := entry.OptionInt("max_retries", 0); n > 0 {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if f := entry.OptionString("output_format", ""); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		opts := []coqui.Option{coqui.WithOutputSampleRate(cfg.Audio.SampleRate)}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptionString("api_mode", ""); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Cameras ───────────────────────────────────────────────────────────────

	reg.RegisterCamera("replay", func(c config.CameraConfig) (camera.Camera, error) {
		return camera.NewReplay(c.SourceDir,
			camera.WithFPS(c.FPS),
			camera.WithLoop(true),
			camera.WithLogger(log),
		), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("malgo", func(c config.AudioConfig) (audio.Player, error) {
		return miniaudio.New(audio.Format{SampleRate: c.SampleRate, Channels: c.Channels},
			miniaudio.WithLogger(log))
	})

	reg.RegisterAudio("discard", func(c config.AudioConfig) (audio.Player, error) {
		return audio.NewDiscard(audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}, true), nil
	})

	// ── Speech recognition ────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path", "")
		}
		var opts []whisper.NativeOption
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		c := cfg.Commands
		opts := []deepgram.Option{
			deepgram.WithKeywords(2, c.Start, c.Stop, c.ToggleMode, c.Battery),
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	for kind, names := range reg.Names() {
		log.Debug("registered providers", "kind", kind, "names", names)
	}
}
