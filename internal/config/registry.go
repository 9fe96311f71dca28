package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/visionvoice/pkg/audio"
	"github.com/MrWong99/visionvoice/pkg/camera"
	"github.com/MrWong99/visionvoice/pkg/provider/detect"
	"github.com/MrWong99/visionvoice/pkg/provider/stt"
	"github.com/MrWong99/visionvoice/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is one kind's name → constructor table.
type factories[C, T any] struct {
	kind string
	m    map[string]func(C) (T, error)
}

func (f *factories[C, T]) create(name string, cfg C) (T, error) {
	factory, ok := f.m[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, name)
	}
	return factory(cfg)
}

// Registry maps provider names to their constructors for each collaborator
// kind. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	detectors factories[ProviderEntry, detect.Detector]
	tts       factories[ProviderEntry, tts.Synthesizer]
	cameras   factories[CameraConfig, camera.Camera]
	audio     factories[AudioConfig, audio.Player]
	stt       factories[ProviderEntry, stt.Transcriber]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		detectors: factories[ProviderEntry, detect.Detector]{kind: "detector", m: map[string]func(ProviderEntry) (detect.Detector, error){}},
		tts:       factories[ProviderEntry, tts.Synthesizer]{kind: "tts", m: map[string]func(ProviderEntry) (tts.Synthesizer, error){}},
		cameras:   factories[CameraConfig, camera.Camera]{kind: "camera", m: map[string]func(CameraConfig) (camera.Camera, error){}},
		audio:     factories[AudioConfig, audio.Player]{kind: "audio", m: map[string]func(AudioConfig) (audio.Player, error){}},
		stt:       factories[ProviderEntry, stt.Transcriber]{kind: "stt", m: map[string]func(ProviderEntry) (stt.Transcriber, error){}},
	}
}

// RegisterDetector registers a detector factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterDetector(name string, factory func(ProviderEntry) (detect.Detector, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors.m[name] = factory
}

// RegisterTTS registers a synthesis engine factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.m[name] = factory
}

// RegisterCamera registers a camera factory under name.
func (r *Registry) RegisterCamera(name string, factory func(CameraConfig) (camera.Camera, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cameras.m[name] = factory
}

// RegisterAudio registers an audio player factory under name.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (audio.Player, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio.m[name] = factory
}

// RegisterSTT registers a speech recogniser factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = factory
}

// CreateDetector instantiates the detector registered under entry.Name.
// Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateDetector(entry ProviderEntry) (detect.Detector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.detectors.create(entry.Name, entry)
}

// CreateTTS instantiates the synthesis engine registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Synthesizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tts.create(entry.Name, entry)
}

// CreateCamera instantiates the camera registered under cfg.Name.
func (r *Registry) CreateCamera(cfg CameraConfig) (camera.Camera, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cameras.create(cfg.Name, cfg)
}

// CreateAudio instantiates the player registered under cfg.Backend.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Player, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.audio.create(cfg.Backend, cfg)
}

// CreateSTT instantiates the speech recogniser registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.create(entry.Name, entry)
}

// Names returns the registered names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		r.detectors.kind: sortedKeys(r.detectors.m),
		r.tts.kind:       sortedKeys(r.tts.m),
		r.cameras.kind:   sortedKeys(r.cameras.m),
		r.audio.kind:     sortedKeys(r.audio.m),
		r.stt.kind:       sortedKeys(r.stt.m),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
