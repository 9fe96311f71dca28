// Package speech turns narration text into audible speech.
//
// A [Scheduler] looks every utterance up in a content-addressed cache. Hits
// are queued for playback immediately; misses are handed to a small pool of
// synthesis workers that try the online engine and fall back to the offline
// engine exactly once. One consumer goroutine plays queued clips in batches,
// highest priority first within each batch.
//
// The playback queue is bounded. Queuing a clip blocks while it is full,
// which throttles producers to the speed of the audio device; cache misses
// never block the caller.
package speech

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/visionvoice/internal/observe"
	"github.com/MrWong99/visionvoice/internal/resilience"
	"github.com/MrWong99/visionvoice/pkg/audio"
	"github.com/MrWong99/visionvoice/pkg/provider/tts"
	"github.com/MrWong99/visionvoice/pkg/types"
)

// PriorityInterrupt sorts ahead of every narration priority. It does not
// preempt a clip that is already playing.
const PriorityInterrupt = math.MaxInt32

var (
	// ErrBacklogFull is returned by Speak when a cache miss cannot be queued
	// for synthesis. The utterance is dropped.
	ErrBacklogFull = errors.New("speech: synthesis backlog full")

	errEmptyAudio = errors.New("speech: engine returned no audio")
)

// Engine roles, used as fallback entry names and metric labels.
const (
	EngineOnline  = "online"
	EngineOffline = "offline"
)

// Config tunes a [Scheduler]. Zero fields take the documented defaults.
type Config struct {
	// QueueCapacity bounds the playback queue. Default: 10.
	QueueCapacity int

	// Workers bounds concurrent synthesis calls. Default: 2.
	Workers int

	// Backlog bounds cache misses waiting for a worker. Default: 32.
	Backlog int

	// UseOnline tries the online engine first when one is configured.
	UseOnline bool

	// Profile is the initial voice. Default: [types.DefaultVoiceProfile].
	Profile types.VoiceProfile

	// IdleInterval is the pause after each played batch. Default: 100ms.
	IdleInterval time.Duration

	// StopTimeout bounds how long Stop waits for the consumer. Default: 1s.
	StopTimeout time.Duration

	// Breaker puts each engine behind a circuit breaker. Default: nil, every
	// request calls its engines.
	Breaker *resilience.CircuitBreakerConfig
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 10
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Backlog <= 0 {
		c.Backlog = 32
	}
	if c.Profile == (types.VoiceProfile{}) {
		c.Profile = types.DefaultVoiceProfile()
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 100 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = time.Second
	}
	return c
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithOnline sets the online engine. It is only used when Config.UseOnline
// is true.
func WithOnline(s tts.Synthesizer) Option {
	return func(sc *Scheduler) { sc.online = s }
}

// WithCache sets the cache store. Default: [NopCache].
func WithCache(c CacheStore) Option {
	return func(sc *Scheduler) { sc.cache = c }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(sc *Scheduler) { sc.log = l }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(sc *Scheduler) { sc.metrics = m }
}

// WithOnAudio registers a callback invoked whenever audio for an utterance
// becomes available, either from the cache (engine "cache") or from a
// synthesis engine. It runs on the calling goroutine and must not block.
func WithOnAudio(fn func(engine string, size int, cached bool)) Option {
	return func(sc *Scheduler) { sc.onAudio = fn }
}

type request struct {
	text     string
	key      string
	priority int
}

// Scheduler caches, synthesizes, and plays speech.
type Scheduler struct {
	cfg     Config
	player  audio.Player
	online  tts.Synthesizer
	offline tts.Synthesizer
	engines *resilience.FallbackGroup[tts.Synthesizer]
	cache   CacheStore
	log     *slog.Logger
	metrics *observe.Metrics
	onAudio func(engine string, size int, cached bool)

	profile atomic.Pointer[types.VoiceProfile]
	queue   *queue

	// mu guards sends on backlog against the close in Stop, and the start
	// state.
	mu      sync.RWMutex
	backlog chan request
	stopped atomic.Bool
	started bool
	cancel  context.CancelFunc

	done   chan struct{}
	played atomic.Int64
}

// New creates a Scheduler that plays through player and synthesizes with
// offline (and the online engine, if configured). Call [Scheduler.Start] to
// begin playback.
func New(cfg Config, player audio.Player, offline tts.Synthesizer, opts ...Option) (*Scheduler, error) {
	if player == nil {
		return nil, errors.New("speech: player must not be nil")
	}
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:     cfg,
		player:  player,
		offline: offline,
		cache:   NopCache{},
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
		queue:   newQueue(cfg.QueueCapacity),
		backlog: make(chan request, cfg.Backlog),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "speech")
	profile := cfg.Profile
	s.profile.Store(&profile)

	engines, err := s.buildEngines()
	if err != nil {
		return nil, err
	}
	s.engines = engines
	return s, nil
}

// buildEngines orders the engines: online then offline when online is
// enabled, otherwise offline alone. Two entries give exactly one fallback hop.
func (s *Scheduler) buildEngines() (*resilience.FallbackGroup[tts.Synthesizer], error) {
	fbCfg := resilience.FallbackConfig{CircuitBreaker: s.cfg.Breaker, Logger: s.log}
	useOnline := s.cfg.UseOnline && s.online != nil

	switch {
	case useOnline:
		g := resilience.NewFallbackGroup(s.online, EngineOnline, fbCfg)
		if s.offline != nil {
			g.AddFallback(EngineOffline, s.offline)
		}
		return g, nil
	case s.offline != nil:
		return resilience.NewFallbackGroup(s.offline, EngineOffline, fbCfg), nil
	default:
		return nil, errors.New("speech: no synthesis engine configured")
	}
}

// Start launches the synthesis dispatcher and the playback consumer. The
// scheduler runs until Stop; cancelling ctx also stops in-flight synthesis,
// so callers that want Stop to be the only way out pass a context without
// cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped.Load() {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.dispatch(ctx) }()
	go func() { defer wg.Done(); s.consume(ctx) }()
	go func() { wg.Wait(); close(s.done) }()

	s.log.Info("speech scheduler started",
		"engines", s.engines.Names(),
		"queue_capacity", s.cfg.QueueCapacity,
		"workers", s.cfg.Workers,
	)
}

// Speak requests that text be spoken with the given priority. Blank text is
// ignored. A cached utterance is queued before Speak returns, waiting for a
// free slot if the queue is full; an uncached one is handed to the synthesis
// pool and Speak returns immediately.
func (s *Scheduler) Speak(ctx context.Context, text string, priority int) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if s.stopped.Load() {
		return ErrStopped
	}

	key := CacheKey(text)
	pcm, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		s.metrics.RecordCacheLookup(ctx, "hit")
		s.audioReady("cache", len(pcm), true)
		return s.enqueue(ctx, text, pcm, priority)
	case errors.Is(err, ErrCacheMiss):
		s.metrics.RecordCacheLookup(ctx, "miss")
	default:
		s.metrics.RecordCacheLookup(ctx, "error")
		s.log.Warn("cache lookup failed, treating as miss", "err", err)
	}
	return s.submit(ctx, request{text: text, key: key, priority: priority})
}

func (s *Scheduler) submit(ctx context.Context, req request) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped.Load() {
		return ErrStopped
	}
	select {
	case s.backlog <- req:
		return nil
	default:
		s.metrics.RecordSpeechDropped(ctx, "backlog_full")
		s.log.Warn("synthesis backlog full, dropping utterance", "text", req.text)
		return ErrBacklogFull
	}
}

func (s *Scheduler) enqueue(ctx context.Context, text string, pcm []byte, priority int) error {
	if err := s.queue.push(ctx, item{pcm: pcm, priority: priority, text: text}); err != nil {
		return err
	}
	s.metrics.QueueDepth.Add(ctx, 1)
	return nil
}

// dispatch feeds backlog requests to a bounded worker group until the
// backlog is closed, then waits for running workers.
func (s *Scheduler) dispatch(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for req := range s.backlog {
		g.Go(func() error {
			s.synthesize(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) synthesize(ctx context.Context, req request) {
	profile := s.Profile()
	var served string
	pcm, err := resilience.ExecuteWithResult(s.engines, func(name string, eng tts.Synthesizer) ([]byte, error) {
		served = name
		start := time.Now()
		pcm, err := eng.Synthesize(ctx, req.text, profile)
		if err == nil && len(pcm) == 0 {
			err = errEmptyAudio
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordSynth(ctx, name, status, time.Since(start).Seconds())
		return pcm, err
	})
	if err != nil {
		s.metrics.RecordSpeechDropped(ctx, "synthesis")
		s.log.Debug("synthesis failed, dropping utterance", "text", req.text, "err", err)
		return
	}

	s.audioReady(served, len(pcm), false)
	if err := s.cache.Put(ctx, req.key, pcm); err != nil {
		s.log.Warn("cache write failed", "err", err)
	}
	if err := s.enqueue(ctx, req.text, pcm, req.priority); err != nil {
		s.metrics.RecordSpeechDropped(ctx, "stopped")
		s.log.Debug("dropping synthesized utterance", "text", req.text, "err", err)
	}
}

func (s *Scheduler) audioReady(engine string, size int, cached bool) {
	if s.onAudio != nil {
		s.onAudio(engine, size, cached)
	}
}

// consume plays queued clips until the queue is closed. Each drained batch
// is stable-sorted by descending priority, so equal priorities keep their
// arrival order.
func (s *Scheduler) consume(ctx context.Context) {
	for {
		batch := s.queue.drain()
		if batch == nil {
			return
		}
		s.metrics.QueueDepth.Add(ctx, -int64(len(batch)))
		slices.SortStableFunc(batch, func(a, b item) int { return cmp.Compare(b.priority, a.priority) })

		for _, it := range batch {
			if s.stopped.Load() {
				return
			}
			start := time.Now()
			err := s.player.Play(ctx, it.pcm)
			if err != nil {
				if s.stopped.Load() || errors.Is(err, audio.ErrHalted) || ctx.Err() != nil {
					return
				}
				s.log.Warn("playback failed", "text", it.text, "err", err)
				continue
			}
			s.played.Add(1)
			s.metrics.PlaybackDuration.Record(ctx, time.Since(start).Seconds())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.IdleInterval):
		}
	}
}

// UpdateProfile replaces the voice used by synthesis calls that start after
// it returns. Cached and queued audio is unaffected.
func (s *Scheduler) UpdateProfile(p types.VoiceProfile) {
	s.profile.Store(&p)
	s.log.Info("voice profile updated", "voice", p.VoiceID, "speed", p.Speed, "emotion", p.Emotion)
}

// Profile returns the active voice profile.
func (s *Scheduler) Profile() types.VoiceProfile {
	return *s.profile.Load()
}

// Pending returns the number of clips waiting for playback.
func (s *Scheduler) Pending() int { return s.queue.len() }

// Played returns the number of clips played to completion.
func (s *Scheduler) Played() int64 { return s.played.Load() }

// Stop halts playback and shuts the workers down. It waits for the consumer
// for at most Config.StopTimeout (or until ctx ends) and then returns
// regardless. Queued clips are discarded. Stop is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		return nil
	}
	s.stopped.Store(true)
	close(s.backlog)
	started, cancel := s.started, s.cancel
	s.mu.Unlock()

	if dropped := s.queue.close(); dropped > 0 {
		s.log.Debug("discarding queued clips", "count", dropped)
		s.metrics.QueueDepth.Add(ctx, -int64(dropped))
	}
	var errs []error
	if err := s.player.Halt(); err != nil {
		errs = append(errs, fmt.Errorf("speech: halt player: %w", err))
	}
	if !started {
		return errors.Join(errs...)
	}
	cancel()

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		s.log.Info("speech scheduler stopped", "played", s.played.Load())
	case <-timer.C:
		s.log.Warn("speech scheduler did not stop in time", "timeout", s.cfg.StopTimeout)
	case <-ctx.Done():
		s.log.Warn("speech scheduler stop abandoned", "err", ctx.Err())
	}
	return errors.Join(errs...)
}
