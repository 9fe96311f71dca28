// Package config provides the configuration schema, loader, live override
// store, hot-reload watcher, and provider registry for visionvoice.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/visionvoice/internal/scene"
	"github.com/MrWong99/visionvoice/pkg/types"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Unrecognised values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Mode selects the processing trade-off. It is toggled at runtime through
// the "processing.mode" override.
type Mode string

const (
	ModeQuality Mode = "quality"
	ModeFast    Mode = "fast"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeQuality || m == ModeFast
}

// Toggle returns the other mode. Anything unrecognised toggles to quality.
func (m Mode) Toggle() Mode {
	if m == ModeQuality {
		return ModeFast
	}
	return ModeQuality
}

// CacheBackend selects the speech cache store.
type CacheBackend string

const (
	CacheFile     CacheBackend = "file"
	CacheSQLite   CacheBackend = "sqlite"
	CachePostgres CacheBackend = "postgres"
	CacheNone     CacheBackend = "none"
)

// IsValid reports whether b is a recognised cache backend.
func (b CacheBackend) IsValid() bool {
	switch b {
	case CacheFile, CacheSQLite, CachePostgres, CacheNone:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Camera     CameraConfig     `yaml:"camera"`
	Processing ProcessingConfig `yaml:"processing"`
	Scene      SceneConfig      `yaml:"scene"`
	Narration  NarrationConfig  `yaml:"narration"`
	Detector   DetectorConfig   `yaml:"detector"`
	TTS        TTSConfig        `yaml:"tts"`
	Audio      AudioConfig      `yaml:"audio"`
	Commands   CommandsConfig   `yaml:"commands"`
	Input      InputConfig      `yaml:"input"`
	Power      PowerConfig      `yaml:"power"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// ListenAddr is the address of the health and metrics server (e.g.
	// ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// LockFile guards against two instances driving the same camera and
	// cache. Empty disables locking.
	LockFile string `yaml:"lock_file"`
}

// CameraConfig configures frame capture.
type CameraConfig struct {
	// Name selects the registered camera implementation. Default: "replay".
	Name string `yaml:"name"`

	// SourceDir holds the images replayed by the "replay" camera.
	SourceDir string `yaml:"source_dir"`

	// FPS is the capture rate. Default: 5.
	FPS float64 `yaml:"fps"`

	// ReadyRetries is how often readiness is polled at start. Default: 5.
	ReadyRetries int `yaml:"ready_retries"`

	// ReadyInterval is the pause between readiness polls. Default: 1s.
	ReadyInterval time.Duration `yaml:"ready_interval"`
}

// ProcessingConfig configures the per-frame pipeline and the adaptive
// resolution controller.
type ProcessingConfig struct {
	// Resolution is the initial working resolution. Default: 1280x720.
	Resolution types.Resolution `yaml:"resolution"`

	// Mode is the initial processing mode. Default: quality.
	Mode Mode `yaml:"mode"`

	// Workers bounds concurrent detection calls. Default: 4.
	Workers int `yaml:"workers"`

	// MinResolution is the floor for downscaling. Default: 640x480.
	MinResolution types.Resolution `yaml:"min_resolution"`

	// MaxResolution is the ceiling for upscaling. Default: 1920x1080.
	MaxResolution types.Resolution `yaml:"max_resolution"`

	// HighLatency halves the resolution when exceeded. Default: 1s.
	HighLatency time.Duration `yaml:"high_latency"`

	// LowLatency allows doubling the resolution when latency is below it
	// and throughput is under TargetFPS. Default: 500ms.
	LowLatency time.Duration `yaml:"low_latency"`

	// TargetFPS is the throughput below which upscaling is considered.
	// Default: 15.
	TargetFPS float64 `yaml:"target_fps"`

	// EvalFrames is the number of new frames needed per evaluation.
	// Default: 10.
	EvalFrames int `yaml:"eval_frames"`

	// MonitorInterval is the controller tick. Default: 1s.
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// SceneConfig configures the scene tracker.
type SceneConfig struct {
	ContextWindow     int          `yaml:"context_window"`
	Rules             []scene.Rule `yaml:"rules"`
	SpeedThreshold    float64      `yaml:"speed_threshold"`
	DistanceThreshold float64      `yaml:"distance_threshold"`
	HorizontalOffset  float64      `yaml:"horizontal_offset"`
	VerticalOffset    float64      `yaml:"vertical_offset"`
	CrowdThreshold    int          `yaml:"crowd_threshold"`
}

// Tracker converts the section to a [scene.Config].
func (c SceneConfig) Tracker() scene.Config {
	return scene.Config{
		ContextWindow:     c.ContextWindow,
		Rules:             c.Rules,
		SpeedThreshold:    c.SpeedThreshold,
		DistanceThreshold: c.DistanceThreshold,
		HorizontalOffset:  c.HorizontalOffset,
		VerticalOffset:    c.VerticalOffset,
		CrowdThreshold:    c.CrowdThreshold,
	}
}

// NarrationConfig controls what is said about each analysed scene.
type NarrationConfig struct {
	// Verbosity is 1 (warnings only), 2 (nearby objects and scene type) or
	// 3 (everything). Default: 2.
	Verbosity int `yaml:"verbosity"`

	// RepeatWindow suppresses a narration identical to the previous one
	// until it has elapsed. Default: 3s.
	RepeatWindow time.Duration `yaml:"repeat_window"`

	// TemplateFile replaces the built-in English phrases. Optional.
	TemplateFile string `yaml:"template_file"`
}

// DetectorConfig selects the object detectors.
type DetectorConfig struct {
	// Local is the on-device detector. Default name: "http".
	Local ProviderEntry `yaml:"local"`

	// UseCloud adds the cloud detector and merges its results with the local
	// ones.
	UseCloud bool `yaml:"use_cloud"`

	// Cloud is the remote detector. Default name: "openai".
	Cloud ProviderEntry `yaml:"cloud"`

	// Timeout bounds each detection call. Default: 5s.
	Timeout time.Duration `yaml:"timeout"`
}

// TTSConfig configures speech synthesis and playback scheduling.
type TTSConfig struct {
	// UseOnline tries the online engine before the offline one.
	UseOnline bool `yaml:"use_online"`

	// Online is the network engine. Default name: "elevenlabs".
	Online ProviderEntry `yaml:"online"`

	// Offline is the local engine. Default name: "coqui".
	Offline ProviderEntry `yaml:"offline"`

	// Voice is the initial voice profile. It can be changed without a restart.
	Voice types.VoiceProfile `yaml:"voice"`

	// QueueCapacity bounds the playback queue. Default: 10.
	QueueCapacity int `yaml:"queue_capacity"`

	// SynthWorkers bounds concurrent synthesis calls. Default: 2.
	SynthWorkers int `yaml:"synth_workers"`

	// SynthBacklog bounds cache misses waiting for a worker. Default: 32.
	SynthBacklog int `yaml:"synth_backlog"`

	Cache CacheConfig `yaml:"cache"`
}

// CacheConfig selects the speech cache store.
type CacheConfig struct {
	// Backend is file, sqlite, postgres, or none. Default: file.
	Backend CacheBackend `yaml:"backend"`

	// Path is the directory (file) or database file (sqlite).
	// Default: "cache/tts".
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string for the postgres backend.
	DSN string `yaml:"dsn"`
}

// AudioConfig configures the output device.
type AudioConfig struct {
	// Backend is "malgo" for a real device or "discard" for headless runs.
	// Default: malgo.
	Backend string `yaml:"backend"`

	// SampleRate of the synthesized PCM. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels of the synthesized PCM. Default: 1.
	Channels int `yaml:"channels"`
}

// CommandsConfig overrides the spoken command keywords. Matching is
// case-insensitive on the trimmed utterance.
type CommandsConfig struct {
	Start      string `yaml:"start"`
	Stop       string `yaml:"stop"`
	ToggleMode string `yaml:"toggle_mode"`
	Battery    string `yaml:"battery"`

	// Fallback is spoken for unrecognised commands.
	Fallback string `yaml:"fallback"`
}

// Command input sources.
const (
	InputStdin = "stdin"
	InputVoice = "voice"
)

// InputConfig selects where user commands come from.
type InputConfig struct {
	// Source is "stdin" (one command per line) or "voice" (microphone and
	// speech recognition). Default: stdin.
	Source string `yaml:"source"`

	// STT is the speech recogniser of the voice source. Default name:
	// "whisper".
	STT ProviderEntry `yaml:"stt"`

	// Threshold is the RMS level (0..32767) at which microphone audio counts
	// as speech. Default: 500.
	Threshold float64 `yaml:"threshold"`

	// Silence ends an utterance. Default: 600ms.
	Silence time.Duration `yaml:"silence"`

	// MaxUtterance cuts off long utterances. Default: 5s.
	MaxUtterance time.Duration `yaml:"max_utterance"`
}

// PowerConfig configures the battery source.
type PowerConfig struct {
	// BatteryPercent is reported by the static power source. Default: 100.
	BatteryPercent int `yaml:"battery_percent"`

	// LowThreshold is the battery percentage at or below which the pipeline
	// enters low-power mode and forces fast processing. Default: 15.
	LowThreshold int `yaml:"low_threshold"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "elevenlabs", "coqui").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] when it is a string, else def.
func (e ProviderEntry) OptionString(key, def string) string {
	if v, ok := e.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// OptionInt returns Options[key] when it is an integer, else def.
func (e ProviderEntry) OptionInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Camera.Name, "replay")
	setDefault(&cfg.Camera.FPS, 5)
	setDefault(&cfg.Camera.ReadyRetries, 5)
	setDefault(&cfg.Camera.ReadyInterval, time.Second)

	p := &cfg.Processing
	setDefault(&p.Resolution, types.Resolution{Width: 1280, Height: 720})
	setDefault(&p.Mode, ModeQuality)
	setDefault(&p.Workers, 4)
	setDefault(&p.MinResolution, types.Resolution{Width: 640, Height: 480})
	setDefault(&p.MaxResolution, types.Resolution{Width: 1920, Height: 1080})
	setDefault(&p.HighLatency, time.Second)
	setDefault(&p.LowLatency, 500*time.Millisecond)
	setDefault(&p.TargetFPS, 15)
	setDefault(&p.EvalFrames, 10)
	setDefault(&p.MonitorInterval, time.Second)

	sd := scene.DefaultConfig()
	s := &cfg.Scene
	setDefault(&s.ContextWindow, sd.ContextWindow)
	if s.Rules == nil {
		s.Rules = sd.Rules
	}
	setDefault(&s.SpeedThreshold, sd.SpeedThreshold)
	setDefault(&s.DistanceThreshold, sd.DistanceThreshold)
	setDefault(&s.HorizontalOffset, sd.HorizontalOffset)
	setDefault(&s.VerticalOffset, sd.VerticalOffset)
	setDefault(&s.CrowdThreshold, sd.CrowdThreshold)

	setDefault(&cfg.Narration.Verbosity, 2)
	setDefault(&cfg.Narration.RepeatWindow, 3*time.Second)

	setDefault(&cfg.Detector.Local.Name, "http")
	setDefault(&cfg.Detector.Cloud.Name, "openai")
	setDefault(&cfg.Detector.Timeout, 5*time.Second)

	t := &cfg.TTS
	setDefault(&t.Online.Name, "elevenlabs")
	setDefault(&t.Offline.Name, "coqui")
	setDefault(&t.Voice, types.DefaultVoiceProfile())
	setDefault(&t.QueueCapacity, 10)
	setDefault(&t.SynthWorkers, 2)
	setDefault(&t.SynthBacklog, 32)
	setDefault(&t.Cache.Backend, CacheFile)
	if t.Cache.Backend == CacheFile || t.Cache.Backend == CacheSQLite {
		setDefault(&t.Cache.Path, "cache/tts")
	}

	setDefault(&cfg.Audio.Backend, "malgo")
	setDefault(&cfg.Audio.SampleRate, 16000)
	setDefault(&cfg.Audio.Channels, 1)

	c := &cfg.Commands
	setDefault(&c.Start, "start")
	setDefault(&c.Stop, "stop")
	setDefault(&c.ToggleMode, "toggle mode")
	setDefault(&c.Battery, "battery")
	setDefault(&c.Fallback, "command not recognized")

	in := &cfg.Input
	setDefault(&in.Source, InputStdin)
	setDefault(&in.STT.Name, "whisper")
	setDefault(&in.Threshold, 500)
	setDefault(&in.Silence, 600*time.Millisecond)
	setDefault(&in.MaxUtterance, 5*time.Second)

	setDefault(&cfg.Power.BatteryPercent, 100)
	setDefault(&cfg.Power.LowThreshold, 15)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
