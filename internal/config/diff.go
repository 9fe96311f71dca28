package config

import (
	"slices"

	"github.com/MrWong99/visionvoice/internal/scene"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceChanged bool

	// RulesChanged is true when the scene rules differ in content or order.
	RulesChanged bool

	// Restart lists top-level sections that changed but only take effect
	// after a restart.
	Restart []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && !d.RulesChanged && len(d.Restart) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.TTS.Voice != new.TTS.Voice {
		d.VoiceChanged = true
	}
	if !slices.EqualFunc(old.Scene.Rules, new.Scene.Rules, func(a, b scene.Rule) bool {
		return a.Name == b.Name && slices.Equal(a.Required, b.Required) && slices.Equal(a.Optional, b.Optional)
	}) {
		d.RulesChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LockFile != new.Server.LockFile {
		d.Restart = append(d.Restart, "server")
	}
	if old.Camera != new.Camera {
		d.Restart = append(d.Restart, "camera")
	}
	if old.Processing != new.Processing {
		d.Restart = append(d.Restart, "processing")
	}
	if !sceneThresholdsEqual(old.Scene, new.Scene) {
		d.Restart = append(d.Restart, "scene")
	}
	if old.Narration != new.Narration {
		d.Restart = append(d.Restart, "narration")
	}
	if !providerEqual(old.Detector.Local, new.Detector.Local) || !providerEqual(old.Detector.Cloud, new.Detector.Cloud) ||
		old.Detector.UseCloud != new.Detector.UseCloud || old.Detector.Timeout != new.Detector.Timeout {
		d.Restart = append(d.Restart, "detector")
	}
	ot, nt := old.TTS, new.TTS
	if ot.UseOnline != nt.UseOnline || !providerEqual(ot.Online, nt.Online) || !providerEqual(ot.Offline, nt.Offline) ||
		ot.QueueCapacity != nt.QueueCapacity || ot.SynthWorkers != nt.SynthWorkers ||
		ot.SynthBacklog != nt.SynthBacklog || ot.Cache != nt.Cache {
		d.Restart = append(d.Restart, "tts")
	}
	if old.Audio != new.Audio {
		d.Restart = append(d.Restart, "audio")
	}
	if old.Commands != new.Commands {
		d.Restart = append(d.Restart, "commands")
	}
	oi, ni := old.Input, new.Input
	if oi.Source != ni.Source || !providerEqual(oi.STT, ni.STT) || oi.Threshold != ni.Threshold ||
		oi.Silence != ni.Silence || oi.MaxUtterance != ni.MaxUtterance {
		d.Restart = append(d.Restart, "input")
	}
	if old.Power != new.Power {
		d.Restart = append(d.Restart, "power")
	}
	return d
}

func sceneThresholdsEqual(a, b SceneConfig) bool {
	return a.ContextWindow == b.ContextWindow &&
		a.SpeedThreshold == b.SpeedThreshold &&
		a.DistanceThreshold == b.DistanceThreshold &&
		a.HorizontalOffset == b.HorizontalOffset &&
		a.VerticalOffset == b.VerticalOffset &&
		a.CrowdThreshold == b.CrowdThreshold
}

// providerEqual compares entries, ignoring Options.
func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
