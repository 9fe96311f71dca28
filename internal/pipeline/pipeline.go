// Package pipeline drives the camera-to-speech loop.
//
// The [Orchestrator] waits for the camera, then wires it, the command
// listener, and the speech scheduler to the event bus. Captured frames land
// in a single-slot mailbox; one frame goroutine takes the latest frame and
// runs it through preprocess, detect, analyse, narrate and speak. Only one
// frame is analysed at a time and frames that arrive meanwhile replace each
// other.
//
// A monitor goroutine ticks once per interval. It raises an alert when the
// camera drops out, signals low-power mode from the battery level, and lets
// the [Adaptive] controller move the working resolution, which is kept in
// the live [config.Overrides] store.
//
// Errors inside a frame never stop the loop: they are logged, counted and
// published as an ERROR alert, and the frame is discarded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/visionvoice/internal/config"
	"github.com/MrWong99/visionvoice/internal/eventbus"
	"github.com/MrWong99/visionvoice/internal/observe"
	"github.com/MrWong99/visionvoice/internal/speech"
	"github.com/MrWong99/visionvoice/pkg/camera"
	"github.com/MrWong99/visionvoice/pkg/command"
	"github.com/MrWong99/visionvoice/pkg/provider/detect"
	"github.com/MrWong99/visionvoice/pkg/types"
)

// ErrCameraNotReady is returned by [Orchestrator.Start] when the camera does
// not become ready within the configured attempts.
var ErrCameraNotReady = errors.New("pipeline: camera not ready")

// PriorityResponse is the speech priority of command acknowledgements.
const PriorityResponse = 2

// Event sources and bus priorities.
const (
	sourceCamera   = "camera"
	sourceListener = "listener"
	sourcePipeline = "pipeline"
	sourceMonitor  = "monitor"

	commandPriority = eventbus.DefaultPriority + 3
	alertPriority   = eventbus.DefaultPriority + 4

	// announceBacklog bounds system messages waiting for the speaker.
	announceBacklog = 16
)

// Spoken responses.
const (
	msgStarted        = "system started"
	msgPaused         = "system paused"
	msgModeSwitched   = "switched to %s mode"
	msgBattery        = "battery at %d percent"
	msgBatteryUnknown = "battery level unavailable"
	msgCameraLost     = "camera disconnected"
	msgCameraBack     = "camera reconnected"
	msgLowPower       = "battery low, switching to fast mode"
)

// Preprocessor scales and enhances a frame. enhance is true in quality mode.
type Preprocessor interface {
	Process(frame types.Frame, res types.Resolution, enhance bool) (types.Frame, error)
}

// Analyzer turns detections into a scene snapshot.
type Analyzer interface {
	Analyze(dets []types.Detection, frame types.Frame) types.SceneSnapshot
}

// Narrator renders a snapshot as text; "" means nothing to say.
type Narrator interface {
	Generate(s types.SceneSnapshot) string
}

// Speaker queues text for playback.
type Speaker interface {
	Speak(ctx context.Context, text string, priority int) error
	Stop(ctx context.Context) error
}

// Deps are the collaborators of an [Orchestrator]. Listener, Overrides and
// Power are optional; everything else is required.
type Deps struct {
	Bus          *eventbus.Bus
	Camera       camera.Camera
	Listener     command.Listener
	Preprocessor Preprocessor
	Detector     detect.Detector
	Tracker      Analyzer
	Narrator     Narrator
	Speaker      Speaker
	Overrides    *config.Overrides
	Power        PowerSource
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the clock, for tests. Default: [time.Now].
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the frame loop, command handling and adaptive control.
type Orchestrator struct {
	cfg      *config.Config
	deps     Deps
	keywords Keywords
	log      *slog.Logger
	metrics  *observe.Metrics
	now      func() time.Time

	adaptive *Adaptive
	mailbox  *mailbox
	announce chan announcement
	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	active     atomic.Bool
	processed  atomic.Uint64
	cameraLost atomic.Bool

	// Touched only by the monitor goroutine.
	lowSignalled bool

	// Touched only by the frame goroutine.
	lastText string
	lastAt   time.Time

	mu         sync.Mutex
	started    bool
	runCtx     context.Context
	cancel     context.CancelFunc
	subs       []eventbus.SubscriptionID
	modeBefore config.Mode
	lowPower   bool
	frameWG    sync.WaitGroup
	bgWG       sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates deps and returns an idle orchestrator. Call
// [Orchestrator.Start] to begin processing.
func New(cfg *config.Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	var missing []string
	for name, ok := range map[string]bool{
		"bus":          deps.Bus != nil,
		"camera":       deps.Camera != nil,
		"preprocessor": deps.Preprocessor != nil,
		"detector":     deps.Detector != nil,
		"tracker":      deps.Tracker != nil,
		"narrator":     deps.Narrator != nil,
		"speaker":      deps.Speaker != nil,
	} {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("pipeline: missing dependencies: %v", missing)
	}

	o := &Orchestrator{
		cfg:  cfg,
		deps: deps,
		keywords: Keywords{
			Start:      cfg.Commands.Start,
			Stop:       cfg.Commands.Stop,
			ToggleMode: cfg.Commands.ToggleMode,
			Battery:    cfg.Commands.Battery,
		},
		now:      time.Now,
		mailbox:  newMailbox(),
		announce: make(chan announcement, announceBacklog),
		sem:      semaphore.NewWeighted(int64(max(cfg.Processing.Workers, 1))),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("component", "pipeline")
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.deps.Overrides == nil {
		o.deps.Overrides = config.NewOverrides()
	}
	if o.deps.Power == nil {
		o.deps.Power = NewStaticPower(cfg.Power.BatteryPercent)
	}
	if o.deps.Overrides.Get(config.KeyResolution, nil) == nil {
		o.deps.Overrides.Update(config.KeyResolution, cfg.Processing.Resolution)
	}
	if o.deps.Overrides.Get(config.KeyMode, nil) == nil {
		o.deps.Overrides.Update(config.KeyMode, cfg.Processing.Mode)
	}

	p := cfg.Processing
	o.adaptive = NewAdaptive(AdaptiveConfig{
		Min:         p.MinResolution,
		Max:         p.MaxResolution,
		HighLatency: p.HighLatency,
		LowLatency:  p.LowLatency,
		TargetFPS:   p.TargetFPS,
		EvalFrames:  p.EvalFrames,
	}, o.now)
	return o, nil
}

// Start waits for the camera, subscribes to the bus and starts capture, the
// frame loop, the monitor loop, the announcer and the command listener. The
// bus dispatch loop is run by the caller. Start returns [ErrCameraNotReady]
// (wrapped) when the camera never reports ready.
//
// ctx only bounds the wait for the camera. The goroutines started here keep
// its values but not its cancellation; they run until [Orchestrator.Shutdown].
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("pipeline: already started")
	}
	o.started = true
	o.mu.Unlock()

	if err := o.waitCamera(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	bus := o.deps.Bus
	subs := []eventbus.SubscriptionID{
		bus.Subscribe(eventbus.FrameCaptured, o.onFrame, eventbus.DefaultPriority),
		bus.Subscribe(eventbus.UserCommand, o.onCommand, eventbus.DefaultPriority),
		bus.Subscribe(eventbus.SystemAlert, o.onAlert, eventbus.DefaultPriority),
		bus.Subscribe(eventbus.LowPowerMode, o.onPower, eventbus.DefaultPriority),
	}
	o.mu.Lock()
	o.runCtx, o.cancel = runCtx, cancel
	o.subs = subs
	o.mu.Unlock()

	o.active.Store(true)
	if err := o.deps.Camera.StartCapturing(runCtx, o.sink); err != nil {
		o.active.Store(false)
		cancel()
		for _, id := range subs {
			bus.Unsubscribe(id)
		}
		return fmt.Errorf("pipeline: start camera: %w", err)
	}

	o.frameWG.Add(1)
	go func() {
		defer o.frameWG.Done()
		o.frameLoop(runCtx)
	}()
	o.bgWG.Add(2)
	go func() {
		defer o.bgWG.Done()
		o.monitorLoop(runCtx)
	}()
	go func() {
		defer o.bgWG.Done()
		o.announcer(runCtx)
	}()
	if l := o.deps.Listener; l != nil {
		o.bgWG.Add(1)
		go func() {
			defer o.bgWG.Done()
			if err := l.Listen(runCtx, o.onUtterance); err != nil && runCtx.Err() == nil {
				o.log.Error("command listener stopped", "err", err)
			}
		}()
	}

	res := o.Resolution()
	o.log.Info("pipeline started",
		"width", res.Width, "height", res.Height,
		"mode", o.Mode(), "workers", o.cfg.Processing.Workers)
	return nil
}

func (o *Orchestrator) waitCamera(ctx context.Context) error {
	attempts := max(o.cfg.Camera.ReadyRetries, 1)
	for i := range attempts {
		if o.deps.Camera.IsReady() {
			return nil
		}
		o.log.Warn("camera not ready", "attempt", i+1, "of", attempts)
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(o.cfg.Camera.ReadyInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrCameraNotReady, attempts)
}

// Resolution returns the current working resolution.
func (o *Orchestrator) Resolution() types.Resolution {
	return config.Lookup(o.deps.Overrides, config.KeyResolution, o.cfg.Processing.Resolution)
}

// Mode returns the current processing mode.
func (o *Orchestrator) Mode() config.Mode {
	return config.Lookup(o.deps.Overrides, config.KeyMode, o.cfg.Processing.Mode)
}

// Active reports whether frames are being processed.
func (o *Orchestrator) Active() bool { return o.active.Load() }

// Processed returns the number of frames that completed the pipeline.
func (o *Orchestrator) Processed() uint64 { return o.processed.Load() }

// Dropped returns the number of frames replaced before they were analysed.
func (o *Orchestrator) Dropped() uint64 { return o.mailbox.droppedFrames() }

// CameraReady reports whether the camera is currently ready.
func (o *Orchestrator) CameraReady() bool { return o.deps.Camera.IsReady() }

// ─── Frame path ──────────────────────────────────────────────────────────────

func (o *Orchestrator) sink(f types.Frame) {
	if o.active.Load() {
		o.deps.Bus.Publish(eventbus.NewFrameEvent(sourceCamera, f))
	}
}

func (o *Orchestrator) onFrame(_ context.Context, e eventbus.Event) error {
	p, ok := e.Payload.(eventbus.FramePayload)
	if !ok {
		return fmt.Errorf("pipeline: unexpected payload %T", e.Payload)
	}
	if !o.active.Load() {
		return nil
	}
	if o.mailbox.put(p.Frame) {
		o.log.Debug("frame replaced before analysis", "frame", p.Frame.Seq)
	}
	return nil
}

func (o *Orchestrator) frameLoop(ctx context.Context) {
	for {
		f, ok := o.mailbox.take(ctx)
		if !ok {
			return
		}
		if !o.active.Load() {
			continue
		}
		o.processFrame(ctx, f)
	}
}

func (o *Orchestrator) processFrame(ctx context.Context, f types.Frame) {
	start := o.now()
	ctx, span := observe.StartSpan(ctx, "pipeline.frame")
	span.SetAttributes(attribute.Int64("frame.seq", int64(f.Seq)))
	defer span.End()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return o.runFrame(ctx, f)
	}()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.frameFailed(ctx, f, err)
		return
	}

	latency := o.now().Sub(start)
	o.adaptive.Record(latency)
	o.processed.Add(1)
	o.metrics.FrameDuration.Record(ctx, latency.Seconds())
}

func (o *Orchestrator) runFrame(ctx context.Context, f types.Frame) error {
	bus := o.deps.Bus
	res := o.Resolution()
	pf, err := o.deps.Preprocessor.Process(f, res, o.Mode() == config.ModeQuality)
	if err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}
	bus.Publish(eventbus.NewEvent(eventbus.ImagePreprocessed, sourcePipeline, eventbus.FramePayload{Frame: pf}))

	dets, err := o.detect(ctx, pf)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	bus.Publish(eventbus.NewEvent(eventbus.ObjectsDetected, sourcePipeline,
		eventbus.ObjectsPayload{FrameSeq: pf.Seq, Detections: dets}))

	snap := o.deps.Tracker.Analyze(dets, pf)
	bus.Publish(eventbus.NewEvent(eventbus.SceneAnalyzed, sourcePipeline, eventbus.ScenePayload{Snapshot: snap}))

	text := o.deps.Narrator.Generate(snap)
	if text == "" || o.repeated(text) {
		return nil
	}
	priority := snap.Priority()
	if err := o.deps.Speaker.Speak(ctx, text, priority); err != nil {
		switch {
		case errors.Is(err, speech.ErrBacklogFull), errors.Is(err, speech.ErrStopped):
			o.log.Debug("narration not queued", "frame", f.Seq, "err", err)
			return nil
		default:
			return fmt.Errorf("speak: %w", err)
		}
	}
	o.lastText, o.lastAt = text, o.now()
	bus.Publish(eventbus.NewEvent(eventbus.NarrationGenerated, sourcePipeline,
		eventbus.NarrationPayload{Text: text, Priority: priority}))
	return nil
}

// repeated reports whether text equals the previous narration and the repeat
// window has not elapsed.
func (o *Orchestrator) repeated(text string) bool {
	w := o.cfg.Narration.RepeatWindow
	return w > 0 && text == o.lastText && o.now().Sub(o.lastAt) < w
}

type detection struct {
	dets []types.Detection
	err  error
}

// detect runs the detector on the pool. The caller waits for the result or
// ctx; a call abandoned by the caller still holds its pool slot until the
// detector returns.
func (o *Orchestrator) detect(ctx context.Context, f types.Frame) ([]types.Detection, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	out := make(chan detection, 1)
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		defer o.sem.Release(1)

		dctx := ctx
		if t := o.cfg.Detector.Timeout; t > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		start := o.now()
		dets, err := o.deps.Detector.Detect(dctx, f)
		o.metrics.DetectDuration.Record(ctx, o.now().Sub(start).Seconds())
		out <- detection{dets: dets, err: err}
	}()

	select {
	case r := <-out:
		return r.dets, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) frameFailed(ctx context.Context, f types.Frame, err error) {
	o.log.Error("frame failed", "frame", f.Seq, "err", err)
	o.metrics.FrameErrors.Add(ctx, 1)
	o.deps.Bus.PublishWithPriority(
		eventbus.NewAlertEvent(sourcePipeline, types.AlertError, fmt.Sprintf("frame %d failed: %v", f.Seq, err)),
		alertPriority)
}

// ─── Monitor ─────────────────────────────────────────────────────────────────

func (o *Orchestrator) monitorLoop(ctx context.Context) {
	t := time.NewTicker(o.cfg.Processing.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.monitor(ctx)
		}
	}
}

func (o *Orchestrator) monitor(ctx context.Context) {
	if o.active.Load() {
		ready := o.deps.Camera.IsReady()
		switch {
		case !ready && o.cameraLost.CompareAndSwap(false, true):
			o.raise(types.AlertCritical, msgCameraLost)
		case ready && o.cameraLost.CompareAndSwap(true, false):
			o.raise(types.AlertInfo, msgCameraBack)
		}
	}
	o.checkPower()
	o.adapt(ctx)
}

func (o *Orchestrator) checkPower() {
	pct, err := o.deps.Power.BatteryPercent()
	if err != nil {
		o.log.Debug("battery level unavailable", "err", err)
		return
	}
	low := pct <= o.cfg.Power.LowThreshold
	if low == o.lowSignalled {
		return
	}
	o.lowSignalled = low
	o.deps.Bus.PublishWithPriority(eventbus.NewEvent(eventbus.LowPowerMode, sourceMonitor,
		eventbus.PowerPayload{Enabled: low, BatteryPercent: pct}), alertPriority)
}

func (o *Orchestrator) adapt(ctx context.Context) {
	cur := o.Resolution()
	next, step := o.adaptive.Evaluate(cur)
	if step == StepHold {
		return
	}
	o.deps.Overrides.Update(config.KeyResolution, next)
	o.metrics.RecordResolution(ctx, step.String(), next.Pixels())
	o.log.Info("working resolution changed",
		"step", step.String(),
		"from", fmt.Sprintf("%dx%d", cur.Width, cur.Height),
		"to", fmt.Sprintf("%dx%d", next.Width, next.Height))
}

// Evaluate runs one monitor cycle immediately.
func (o *Orchestrator) Evaluate(ctx context.Context) { o.monitor(ctx) }

func (o *Orchestrator) raise(level types.AlertLevel, msg string) {
	o.deps.Bus.PublishWithPriority(eventbus.NewAlertEvent(sourceMonitor, level, msg), alertPriority)
}

// ─── Commands, alerts, power ─────────────────────────────────────────────────

func (o *Orchestrator) onUtterance(text string) {
	o.deps.Bus.PublishWithPriority(eventbus.NewCommandEvent(sourceListener, text), commandPriority)
}

func (o *Orchestrator) onCommand(ctx context.Context, e eventbus.Event) error {
	p, ok := e.Payload.(eventbus.CommandPayload)
	if !ok {
		return fmt.Errorf("pipeline: unexpected payload %T", e.Payload)
	}
	return o.HandleCommand(ctx, p.Text)
}

// HandleCommand executes a user command and queues the spoken
// acknowledgement without waiting for the speaker. Unrecognised text is
// answered with the configured fallback phrase.
func (o *Orchestrator) HandleCommand(_ context.Context, text string) error {
	cmd := o.keywords.Parse(text)
	o.log.Info("command received", "text", text, "command", cmd.String())

	var reply string
	switch cmd {
	case CommandStart:
		if err := o.resume(); err != nil {
			return err
		}
		reply = msgStarted
	case CommandStop:
		o.pause()
		reply = msgPaused
	case CommandToggleMode:
		m := o.Mode().Toggle()
		o.deps.Overrides.Update(config.KeyMode, m)
		reply = fmt.Sprintf(msgModeSwitched, m)
	case CommandBatteryQuery:
		pct, err := o.deps.Power.BatteryPercent()
		if err != nil {
			o.log.Warn("battery query failed", "err", err)
			reply = msgBatteryUnknown
		} else {
			reply = fmt.Sprintf(msgBattery, pct)
		}
	case CommandUnknown:
		reply = o.cfg.Commands.Fallback
	}
	o.say(reply, PriorityResponse)
	return nil
}

func (o *Orchestrator) resume() error {
	if o.active.Swap(true) {
		return nil
	}
	o.mu.Lock()
	runCtx := o.runCtx
	o.mu.Unlock()
	if runCtx == nil {
		return nil
	}
	if err := o.deps.Camera.StartCapturing(runCtx, o.sink); err != nil {
		o.active.Store(false)
		return fmt.Errorf("pipeline: restart camera: %w", err)
	}
	o.log.Info("processing resumed")
	return nil
}

func (o *Orchestrator) pause() {
	if !o.active.Swap(false) {
		return
	}
	o.deps.Camera.StopCapturing()
	o.mailbox.clear()
	o.log.Info("processing paused")
}

func (o *Orchestrator) onAlert(ctx context.Context, e eventbus.Event) error {
	p, ok := e.Payload.(eventbus.AlertPayload)
	if !ok {
		return fmt.Errorf("pipeline: unexpected payload %T", e.Payload)
	}
	o.log.Log(ctx, alertLevel(p.Level), p.Message, "alert", string(p.Level), "source", p.Source)
	if !p.Level.Urgent() {
		return nil
	}
	o.say(fmt.Sprintf("[%s] %s", p.Level, p.Message), speech.PriorityInterrupt)
	return nil
}

// alertLevel maps alert severities to log levels.
func alertLevel(l types.AlertLevel) slog.Level {
	switch l {
	case types.AlertInfo:
		return slog.LevelInfo
	case types.AlertWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func (o *Orchestrator) onPower(_ context.Context, e eventbus.Event) error {
	p, ok := e.Payload.(eventbus.PowerPayload)
	if !ok {
		return fmt.Errorf("pipeline: unexpected payload %T", e.Payload)
	}
	o.mu.Lock()
	if p.Enabled == o.lowPower {
		o.mu.Unlock()
		return nil
	}
	o.lowPower = p.Enabled
	if p.Enabled {
		o.modeBefore = o.Mode()
		o.deps.Overrides.Update(config.KeyMode, config.ModeFast)
	} else {
		o.deps.Overrides.Update(config.KeyMode, o.modeBefore)
	}
	o.mu.Unlock()

	if !p.Enabled {
		o.log.Info("low-power mode left", "battery", p.BatteryPercent, "mode", o.Mode())
		return nil
	}
	o.log.Warn("low-power mode entered", "battery", p.BatteryPercent)
	o.say(msgLowPower, PriorityResponse)
	return nil
}

type announcement struct {
	text     string
	priority int
}

// say hands a system message to the announcer. Bus handlers call it, so it
// never waits for the speaker; a full announcement backlog loses the message.
func (o *Orchestrator) say(text string, priority int) {
	select {
	case o.announce <- announcement{text: text, priority: priority}:
	default:
		o.log.Warn("announcement backlog full, dropping message", "text", text)
	}
}

// announcer speaks system messages in order. A Speak call waiting for a
// playback slot blocks only this goroutine.
func (o *Orchestrator) announcer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-o.announce:
			err := o.deps.Speaker.Speak(ctx, a.text, a.priority)
			switch {
			case err == nil:
			case errors.Is(err, speech.ErrBacklogFull), errors.Is(err, speech.ErrStopped), ctx.Err() != nil:
				o.log.Debug("system message not queued", "text", a.text, "err", err)
			default:
				o.log.Warn("system message failed", "text", a.text, "err", err)
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops processing and releases collaborators in order: camera,
// command listener, speaker, frame loop and detection pool (bounded by ctx),
// background goroutines, and finally the bus. Errors are joined. Shutdown is
// idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.active.Store(false)

		o.mu.Lock()
		cancel, subs := o.cancel, o.subs
		o.subs = nil
		o.mu.Unlock()

		var errs []error
		for _, id := range subs {
			o.deps.Bus.Unsubscribe(id)
		}

		o.deps.Camera.StopCapturing()
		if err := o.deps.Camera.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release camera: %w", err))
		}
		if o.deps.Listener != nil {
			o.deps.Listener.Stop()
		}
		if err := o.deps.Speaker.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop speaker: %w", err))
		}

		o.mailbox.close()
		if err := wait(ctx, &o.frameWG, &o.inflight); err != nil {
			errs = append(errs, fmt.Errorf("wait for frame loop: %w", err))
		}
		if cancel != nil {
			cancel()
		}
		if err := wait(ctx, &o.bgWG); err != nil {
			errs = append(errs, fmt.Errorf("wait for background loops: %w", err))
		}
		o.deps.Bus.Close()

		o.shutdownErr = errors.Join(errs...)
		o.log.Info("pipeline stopped", "processed", o.processed.Load(), "dropped", o.mailbox.droppedFrames())
	})
	return o.shutdownErr
}

// wait blocks until every group is done or ctx ends.
func wait(ctx context.Context, groups ...*sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		for _, g := range groups {
			g.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
