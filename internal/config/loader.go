package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"detector": {"http", "openai", "mock"},
	"tts":      {"elevenlabs", "coqui", "mock"},
	"camera":   {"replay", "mock"},
	"audio":    {"malgo", "discard"},
	"stt":      {"whisper", "whisper-native", "deepgram", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. Call it after
// [ApplyDefaults]. It returns a joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Camera
	validateProviderName("camera", cfg.Camera.Name)
	if cfg.Camera.FPS <= 0 {
		errs = append(errs, fmt.Errorf("camera.fps %.2f must be positive", cfg.Camera.FPS))
	}
	if cfg.Camera.ReadyRetries < 1 {
		errs = append(errs, fmt.Errorf("camera.ready_retries %d must be at least 1", cfg.Camera.ReadyRetries))
	}
	if cfg.Camera.Name == "replay" && cfg.Camera.SourceDir == "" {
		slog.Warn("camera.source_dir is empty; the replay camera will never become ready")
	}

	// Processing
	p := cfg.Processing
	if !p.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("processing.mode %q is invalid; valid values: quality, fast", p.Mode))
	}
	if p.Workers < 1 {
		errs = append(errs, fmt.Errorf("processing.workers %d must be at least 1", p.Workers))
	}
	for name, r := range map[string]struct{ w, h int }{
		"resolution":     {p.Resolution.Width, p.Resolution.Height},
		"min_resolution": {p.MinResolution.Width, p.MinResolution.Height},
		"max_resolution": {p.MaxResolution.Width, p.MaxResolution.Height},
	} {
		if r.w <= 0 || r.h <= 0 {
			errs = append(errs, fmt.Errorf("processing.%s %dx%d must be positive", name, r.w, r.h))
		}
	}
	if p.MinResolution.Pixels() > p.MaxResolution.Pixels() {
		errs = append(errs, fmt.Errorf("processing.min_resolution %dx%d exceeds max_resolution %dx%d",
			p.MinResolution.Width, p.MinResolution.Height, p.MaxResolution.Width, p.MaxResolution.Height))
	}
	if p.LowLatency >= p.HighLatency {
		errs = append(errs, fmt.Errorf("processing.low_latency %s must be below high_latency %s", p.LowLatency, p.HighLatency))
	}
	if p.EvalFrames < 1 {
		errs = append(errs, fmt.Errorf("processing.eval_frames %d must be at least 1", p.EvalFrames))
	}

	// Scene rules
	seen := make(map[string]int, len(cfg.Scene.Rules))
	for i, rule := range cfg.Scene.Rules {
		prefix := fmt.Sprintf("scene.rules[%d]", i)
		if rule.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[rule.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of scene.rules[%d]", prefix, rule.Name, prev))
			}
			seen[rule.Name] = i
		}
		if len(rule.Required) == 0 {
			errs = append(errs, fmt.Errorf("%s.required must list at least one class", prefix))
		}
	}

	// Detector
	validateProviderName("detector", cfg.Detector.Local.Name)
	if cfg.Detector.UseCloud {
		validateProviderName("detector", cfg.Detector.Cloud.Name)
		if cfg.Detector.Cloud.Name == "openai" && cfg.Detector.Cloud.APIKey == "" {
			errs = append(errs, errors.New("detector.cloud.api_key is required when detector.use_cloud is set"))
		}
	}

	// TTS
	t := cfg.TTS
	validateProviderName("tts", t.Offline.Name)
	if t.UseOnline {
		validateProviderName("tts", t.Online.Name)
		if t.Online.Name == "elevenlabs" && t.Online.APIKey == "" {
			errs = append(errs, errors.New("tts.online.api_key is required when tts.use_online is set"))
		}
	}
	if t.Voice.Speed < 0.5 || t.Voice.Speed > 2.0 {
		errs = append(errs, fmt.Errorf("tts.voice.speed %.2f is out of range [0.5, 2.0]", t.Voice.Speed))
	}
	if t.Voice.Pitch < -10 || t.Voice.Pitch > 10 {
		errs = append(errs, fmt.Errorf("tts.voice.pitch %.2f is out of range [-10, 10]", t.Voice.Pitch))
	}
	if t.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("tts.queue_capacity %d must be at least 1", t.QueueCapacity))
	}
	if !t.Cache.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("tts.cache.backend %q is invalid; valid values: file, sqlite, postgres, none", t.Cache.Backend))
	}
	if t.Cache.Backend == CachePostgres && t.Cache.DSN == "" {
		errs = append(errs, errors.New("tts.cache.dsn is required when tts.cache.backend is postgres"))
	}

	// Audio
	validateProviderName("audio", cfg.Audio.Backend)
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be 1 or 2", cfg.Audio.Channels))
	}

	// Commands
	keywords := map[string]string{}
	for field, kw := range map[string]string{
		"start":       cfg.Commands.Start,
		"stop":        cfg.Commands.Stop,
		"toggle_mode": cfg.Commands.ToggleMode,
		"battery":     cfg.Commands.Battery,
	} {
		norm := strings.ToLower(strings.TrimSpace(kw))
		if other, ok := keywords[norm]; ok {
			a, b := min(field, other), max(field, other)
			errs = append(errs, fmt.Errorf("commands.%s and commands.%s share the keyword %q", a, b, norm))
		}
		keywords[norm] = field
	}

	// Input
	switch in := cfg.Input; in.Source {
	case InputStdin:
	case InputVoice:
		validateProviderName("stt", in.STT.Name)
		if in.STT.Name == "deepgram" && in.STT.APIKey == "" {
			errs = append(errs, errors.New("input.stt.api_key is required for deepgram"))
		}
		if in.MaxUtterance <= in.Silence {
			errs = append(errs, fmt.Errorf("input.max_utterance %s must exceed input.silence %s", in.MaxUtterance, in.Silence))
		}
	default:
		errs = append(errs, fmt.Errorf("input.source %q is invalid; valid values: stdin, voice", in.Source))
	}

	// Narration
	if v := cfg.Narration.Verbosity; v < 1 || v > 3 {
		errs = append(errs, fmt.Errorf("narration.verbosity %d is out of range [1, 3]", v))
	}

	// Power
	if b := cfg.Power.BatteryPercent; b < 0 || b > 100 {
		errs = append(errs, fmt.Errorf("power.battery_percent %d is out of range [0, 100]", b))
	}
	if l := cfg.Power.LowThreshold; l < 0 || l > 100 {
		errs = append(errs, fmt.Errorf("power.low_threshold %d is out of range [0, 100]", l))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
