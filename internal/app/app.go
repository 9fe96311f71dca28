// Package app wires every visionvoice subsystem into a running application.
//
// [New] builds the event bus, speech scheduler, scene tracker, narrator,
// detector chain and pipeline orchestrator from the config and the
// collaborators in [Providers]. [App.Run] starts them and blocks until the
// context ends; [App.Shutdown] tears everything down in order.
//
// Tests inject doubles through [Providers] and the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/MrWong99/visionvoice/internal/config"
	"github.com/MrWong99/visionvoice/internal/eventbus"
	"github.com/MrWong99/visionvoice/internal/health"
	"github.com/MrWong99/visionvoice/internal/narrate"
	"github.com/MrWong99/visionvoice/internal/observe"
	"github.com/MrWong99/visionvoice/internal/pipeline"
	"github.com/MrWong99/visionvoice/internal/preprocess"
	"github.com/MrWong99/visionvoice/internal/scene"
	"github.com/MrWong99/visionvoice/internal/speech"
	"github.com/MrWong99/visionvoice/pkg/audio"
	"github.com/MrWong99/visionvoice/pkg/camera"
	"github.com/MrWong99/visionvoice/pkg/command"
	"github.com/MrWong99/visionvoice/pkg/provider/detect"
	"github.com/MrWong99/visionvoice/pkg/provider/tts"
)

// ErrAlreadyRunning is returned by [New] when another process holds the
// configured lock file.
var ErrAlreadyRunning = errors.New("app: another instance is already running")

// Providers holds the collaborators built by main from the registry. Camera,
// Local, Offline and Player are required; the rest may be nil.
type Providers struct {
	Camera   camera.Camera
	Listener command.Listener
	Local    detect.Detector
	Cloud    detect.Detector
	Online   tts.Synthesizer
	Offline  tts.Synthesizer
	Player   audio.Player
	Power    pipeline.PowerSource
}

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	providers  *Providers
	log        *slog.Logger
	level      *slog.LevelVar
	configPath string
	version    string

	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	lock      *flock.Flock

	bus       *eventbus.Bus
	overrides *config.Overrides
	cache     speech.CacheStore
	speaker   *speech.Scheduler
	tracker   *scene.Tracker
	pipeline  *pipeline.Orchestrator
	status    *health.Server
	watcher   *config.Watcher

	// closers run in order during Shutdown, after the pipeline has stopped.
	closers []func(context.Context) error

	mu       sync.Mutex
	stopOnce sync.Once
	stopErr  error
}

// Option configures an [App].
type Option func(*App)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics injects metric instruments and skips SDK provider setup.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCache injects a speech cache instead of opening the configured one.
func WithCache(c speech.CacheStore) Option {
	return func(a *App) { a.cache = c }
}

// WithConfigPath enables hot reload by watching path while running.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithVersion sets the service version reported in telemetry.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds an App. On error every resource acquired so far is released.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if err := a.checkProviders(); err != nil {
		return nil, err
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"lock", a.initLock},
		{"telemetry", a.initTelemetry},
		{"cache", a.initCache},
		{"speech", a.initSpeech},
		{"pipeline", a.initPipeline},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.runClosers(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}
	a.initStatus()
	return a, nil
}

func (a *App) checkProviders() error {
	p := a.providers
	if p == nil {
		return errors.New("app: providers must not be nil")
	}
	var missing []string
	if p.Camera == nil {
		missing = append(missing, "camera")
	}
	if p.Local == nil {
		missing = append(missing, "local detector")
	}
	if p.Offline == nil && p.Online == nil {
		missing = append(missing, "synthesizer")
	}
	if p.Player == nil {
		missing = append(missing, "player")
	}
	if len(missing) > 0 {
		return fmt.Errorf("app: missing providers: %v", missing)
	}
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initLock(context.Context) error {
	path := a.cfg.Server.LockFile
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, path)
	}
	a.lock = lock
	a.closers = append(a.closers, func(context.Context) error { return lock.Unlock() })
	return nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: a.version})
	if err != nil {
		return err
	}
	a.telemetry = tel
	a.metrics = tel.Metrics
	a.closers = append(a.closers, tel.Shutdown)
	return nil
}

func (a *App) initCache(ctx context.Context) error {
	if a.cache == nil {
		c, err := openCache(ctx, a.cfg.TTS.Cache)
		if err != nil {
			return err
		}
		a.cache = c
	}
	cache := a.cache
	a.closers = append(a.closers, func(context.Context) error { return cache.Close() })
	a.log.Info("speech cache ready", "backend", a.cfg.TTS.Cache.Backend)
	return nil
}

// openCache opens the store selected by cfg.Backend.
func openCache(ctx context.Context, cfg config.CacheConfig) (speech.CacheStore, error) {
	switch cfg.Backend {
	case config.CacheFile:
		return speech.NewFileCache(cfg.Path)
	case config.CacheSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
		return speech.OpenSQLiteCache(ctx, cfg.Path)
	case config.CachePostgres:
		c, err := speech.OpenPostgresCache(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := c.Migrate(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	case config.CacheNone, "":
		return speech.NopCache{}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func (a *App) initSpeech(context.Context) error {
	a.bus = eventbus.New(eventbus.WithLogger(a.log), eventbus.WithMetrics(a.metrics))

	t := a.cfg.TTS
	opts := []speech.Option{
		speech.WithCache(a.cache),
		speech.WithLogger(a.log),
		speech.WithMetrics(a.metrics),
		speech.WithOnAudio(a.publishAudio),
	}
	if a.providers.Online != nil {
		opts = append(opts, speech.WithOnline(a.providers.Online))
	}
	s, err := speech.New(speech.Config{
		QueueCapacity: t.QueueCapacity,
		Workers:       t.SynthWorkers,
		Backlog:       t.SynthBacklog,
		UseOnline:     t.UseOnline,
		Profile:       t.Voice,
	}, a.providers.Player, a.providers.Offline, opts...)
	if err != nil {
		return err
	}
	a.speaker = s
	return nil
}

func (a *App) publishAudio(engine string, size int, cached bool) {
	a.bus.Publish(eventbus.NewEvent(eventbus.AudioSynthesized, "speech",
		eventbus.AudioPayload{Engine: engine, Bytes: size, Cached: cached}))
}

func (a *App) initPipeline(context.Context) error {
	a.tracker = scene.New(a.cfg.Scene.Tracker(), scene.WithLogger(a.log))

	nopts := []narrate.Option{
		narrate.WithVerbosity(a.cfg.Narration.Verbosity),
		narrate.WithLogger(a.log),
	}
	if path := a.cfg.Narration.TemplateFile; path != "" {
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read narration templates: %w", err)
		}
		nopts = append(nopts, narrate.WithTemplates(string(src)))
	}
	narrator, err := narrate.New(nopts...)
	if err != nil {
		return err
	}

	a.overrides = config.NewOverrides()
	var det detect.Detector = a.providers.Local
	if a.providers.Cloud != nil {
		det = detect.NewHybrid(a.providers.Local,
			detect.WithRemote(a.providers.Cloud),
			detect.WithRemoteGate(a.cloudAllowed),
			detect.WithLogger(a.log),
		)
	}

	orch, err := pipeline.New(a.cfg, pipeline.Deps{
		Bus:          a.bus,
		Camera:       a.providers.Camera,
		Listener:     a.providers.Listener,
		Preprocessor: preprocess.New(),
		Detector:     det,
		Tracker:      a.tracker,
		Narrator:     narrator,
		Speaker:      a.speaker,
		Overrides:    a.overrides,
		Power:        a.providers.Power,
	}, pipeline.WithLogger(a.log), pipeline.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.pipeline = orch
	return nil
}

// cloudAllowed skips the remote detector in fast mode.
func (a *App) cloudAllowed() bool {
	return config.Lookup(a.overrides, config.KeyMode, a.cfg.Processing.Mode) != config.ModeFast
}

func (a *App) initStatus() {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return
	}
	h := health.New(health.CameraChecker(a.providers.Camera), health.BusChecker(a.bus))
	var metrics http.Handler
	if a.telemetry != nil {
		metrics = a.telemetry.Handler()
	}
	a.status = health.NewServer(addr, h, metrics, observe.Middleware(a.metrics, a.log), a.log)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts dispatch, speech, the status server, the config watcher and the
// pipeline, then blocks until ctx ends. It returns an error when the pipeline
// cannot start (for example [pipeline.ErrCameraNotReady]).
//
// Cancelling ctx only makes Run return. Dispatch, speech and the pipeline
// keep running, with in-flight calls intact, until [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	workCtx := context.WithoutCancel(ctx)
	go func() {
		if err := a.bus.Run(workCtx); err != nil {
			a.log.Error("event dispatch stopped", "err", err)
		}
	}()
	a.speaker.Start(workCtx)

	if a.status != nil {
		if err := a.status.Start(); err != nil {
			return fmt.Errorf("app: status server: %w", err)
		}
	}
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig, config.WithLogger(a.log))
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.mu.Lock()
		a.watcher = w
		a.mu.Unlock()
	}

	if err := a.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.log.Info("visionvoice running",
		"camera", a.cfg.Camera.Name,
		"cloud_detection", a.providers.Cloud != nil,
		"online_tts", a.cfg.TTS.UseOnline && a.providers.Online != nil)

	<-ctx.Done()
	return ctx.Err()
}

// applyConfig applies the hot-reloadable parts of a changed config file.
func (a *App) applyConfig(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged {
		a.speaker.UpdateProfile(updated.TTS.Voice)
	}
	if d.RulesChanged {
		a.tracker.SetRules(updated.Scene.Rules)
	}
	if len(d.Restart) > 0 {
		a.log.Warn("config sections changed that need a restart", "sections", d.Restart)
	}
}

// Pipeline returns the orchestrator, for status reporting.
func (a *App) Pipeline() *pipeline.Orchestrator { return a.pipeline }

// StatusAddr returns the bound status server address, or "" when disabled.
func (a *App) StatusAddr() string {
	if a.status == nil {
		return ""
	}
	return a.status.Addr()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the pipeline (which stops the camera, listener, speech and
// bus), then the watcher and the status server, and finally releases the
// cache, the telemetry providers and the lock. Errors are joined. It is
// idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		a.log.Info("shutting down")

		if err := a.pipeline.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		a.mu.Lock()
		w := a.watcher
		a.mu.Unlock()
		if w != nil {
			w.Stop()
		}
		if a.status != nil {
			if err := a.status.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("status server: %w", err))
			}
		}
		if err := a.runClosers(ctx); err != nil {
			errs = append(errs, err)
		}
		a.stopErr = errors.Join(errs...)
		a.log.Info("shutdown complete")
	})
	return a.stopErr
}

// runClosers runs closers in reverse acquisition order.
func (a *App) runClosers(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
