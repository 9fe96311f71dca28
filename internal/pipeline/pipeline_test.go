package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/visionvoice/internal/config"
	"github.com/MrWong99/visionvoice/internal/eventbus"
	"github.com/MrWong99/visionvoice/internal/observe"
	"github.com/MrWong99/visionvoice/internal/pipeline"
	"github.com/MrWong99/visionvoice/internal/speech"
	cammock "github.com/MrWong99/visionvoice/pkg/camera/mock"
	cmdmock "github.com/MrWong99/visionvoice/pkg/command/mock"
	detmock "github.com/MrWong99/visionvoice/pkg/provider/detect/mock"
	"github.com/MrWong99/visionvoice/pkg/types"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type spoken struct {
	text     string
	priority int
}

type fakeSpeaker struct {
	mu    sync.Mutex
	said  []spoken
	err   error
	stops int

	// hold, when set, makes Speak wait until it is closed, like a full
	// playback queue.
	hold chan struct{}
}

func (s *fakeSpeaker) Speak(_ context.Context, text string, priority int) error {
	if s.hold != nil {
		<-s.hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.said = append(s.said, spoken{text, priority})
	return nil
}

func (s *fakeSpeaker) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSpeaker) Said() []spoken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.said)
}

func (s *fakeSpeaker) Texts() []string {
	var out []string
	for _, sp := range s.Said() {
		out = append(out, sp.text)
	}
	return out
}

func (s *fakeSpeaker) Has(text string) bool { return slices.Contains(s.Texts(), text) }

type preCall struct {
	res     types.Resolution
	enhance bool
}

type fakePre struct {
	mu    sync.Mutex
	calls []preCall
}

func (p *fakePre) Process(f types.Frame, res types.Resolution, enhance bool) (types.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, preCall{res, enhance})
	return f, nil
}

func (p *fakePre) Last() preCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

// fakeAnalyzer names the scene after the frame and panics on panicSeq.
type fakeAnalyzer struct {
	panicSeq uint64
}

func (a *fakeAnalyzer) Analyze(_ []types.Detection, f types.Frame) types.SceneSnapshot {
	if a.panicSeq != 0 && f.Seq == a.panicSeq {
		panic("analyzer exploded")
	}
	return types.SceneSnapshot{
		SceneType: "frame-" + strconv.FormatUint(f.Seq, 10),
		Risks:     []string{"nearby_person"},
	}
}

// fakeNarrator speaks the scene type, or fixed when set.
type fakeNarrator struct {
	fixed string
}

func (n *fakeNarrator) Generate(s types.SceneSnapshot) string {
	if n.fixed != "" {
		return n.fixed
	}
	return s.SceneType
}

// stepClock advances by step on every reading.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

// recorder collects bus events of one type.
type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) handle(_ context.Context, e eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Events() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) alerts() []eventbus.AlertPayload {
	var out []eventbus.AlertPayload
	for _, e := range r.Events() {
		out = append(out, e.Payload.(eventbus.AlertPayload))
	}
	return out
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// sum returns the total of the int64 sum metric name over data points that
// carry key=value, or over all data points when key is empty.
func sum(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			s, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			for _, dp := range s.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fixture struct {
	orch     *pipeline.Orchestrator
	bus      *eventbus.Bus
	cam      *cammock.Camera
	listener *cmdmock.Listener
	det      *detmock.Detector
	pre      *fakePre
	analyzer *fakeAnalyzer
	narrator *fakeNarrator
	speaker  *fakeSpeaker
	power    *pipeline.StaticPower
	reader   *sdkmetric.ManualReader

	narrations *recorder
	alerts     *recorder
}

type fixtureOpts struct {
	cam   *cammock.Camera
	clock func() time.Time
	tune  func(*config.Config)
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Camera.ReadyRetries = 3
	cfg.Camera.ReadyInterval = time.Millisecond
	cfg.Processing.MonitorInterval = time.Hour
	if fo.tune != nil {
		fo.tune(cfg)
	}

	log := slog.New(slog.DiscardHandler)
	metrics, reader := newTestMetrics(t)
	bus := eventbus.New(eventbus.WithLogger(log), eventbus.WithMetrics(metrics))
	busCtx, cancel := context.WithCancel(context.Background())
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		_ = bus.Run(busCtx)
	}()

	f := &fixture{
		bus:        bus,
		cam:        fo.cam,
		listener:   &cmdmock.Listener{},
		det:        &detmock.Detector{Detections: []types.Detection{{ID: 1, Class: "person", Confidence: 0.9}}},
		pre:        &fakePre{},
		analyzer:   &fakeAnalyzer{},
		narrator:   &fakeNarrator{},
		speaker:    &fakeSpeaker{},
		power:      pipeline.NewStaticPower(80),
		reader:     reader,
		narrations: &recorder{},
		alerts:     &recorder{},
	}
	if f.cam == nil {
		f.cam = &cammock.Camera{}
	}
	bus.Subscribe(eventbus.NarrationGenerated, f.narrations.handle, eventbus.DefaultPriority)
	bus.Subscribe(eventbus.SystemAlert, f.alerts.handle, eventbus.DefaultPriority)

	opts := []pipeline.Option{pipeline.WithLogger(log), pipeline.WithMetrics(metrics)}
	if fo.clock != nil {
		opts = append(opts, pipeline.WithClock(fo.clock))
	}
	orch, err := pipeline.New(cfg, pipeline.Deps{
		Bus:          bus,
		Camera:       f.cam,
		Listener:     f.listener,
		Preprocessor: f.pre,
		Detector:     f.det,
		Tracker:      f.analyzer,
		Narrator:     f.narrator,
		Speaker:      f.speaker,
		Power:        f.power,
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.orch = orch

	t.Cleanup(func() {
		ctx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		_ = orch.Shutdown(ctx)
		cancel()
		<-busDone
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !f.listener.WaitListening(ctx) {
		t.Fatal("listener never started")
	}
}

// process emits a frame and waits until the pipeline has finished n frames.
func (f *fixture) process(t *testing.T, seq uint64, n uint64) {
	t.Helper()
	if !f.cam.Emit(types.Frame{Seq: seq, CapturedAt: time.Now()}) {
		t.Fatalf("camera not capturing for frame %d", seq)
	}
	eventually(t, "frame processed", func() bool { return f.orch.Processed() >= n })
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestNew_MissingDeps(t *testing.T) {
	t.Parallel()

	_, err := pipeline.New(config.Default(), pipeline.Deps{Camera: &cammock.Camera{}})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, name := range []string{"bus", "detector", "narrator", "preprocessor", "speaker", "tracker"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not name %s", err, name)
		}
	}
	if strings.Contains(err.Error(), "camera") {
		t.Errorf("error %q names a dependency that was given", err)
	}
}

func TestStart_CameraNeverReady(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{cam: &cammock.Camera{ReadyAfter: -1}})
	err := f.orch.Start(context.Background())
	if !errors.Is(err, pipeline.ErrCameraNotReady) {
		t.Fatalf("err = %v, want ErrCameraNotReady", err)
	}
	if got := f.cam.ReadyCalls(); got != 3 {
		t.Errorf("ReadyCalls = %d, want 3", got)
	}
	if f.cam.Starts() != 0 {
		t.Error("capture started without a ready camera")
	}
}

func TestStart_CameraReadyAfterRetries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{cam: &cammock.Camera{ReadyAfter: 2}})
	f.start(t)
	if got := f.cam.ReadyCalls(); got != 3 {
		t.Errorf("ReadyCalls = %d, want 3", got)
	}
	if !f.cam.Capturing() || !f.orch.Active() {
		t.Error("pipeline not capturing after start")
	}
}

func TestFrameFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{})
	f.start(t)
	f.process(t, 7, 1)

	eventually(t, "narration event", func() bool { return len(f.narrations.Events()) == 1 })
	said := f.speaker.Said()
	if len(said) != 1 || said[0].text != "frame-7" || said[0].priority != types.PriorityRisk {
		t.Errorf("said = %+v, want frame-7 at risk priority", said)
	}
	n := f.narrations.Events()[0].Payload.(eventbus.NarrationPayload)
	if n.Text != "frame-7" {
		t.Errorf("narration = %q", n.Text)
	}
	if got := f.pre.Last(); got.res != (types.Resolution{Width: 1280, Height: 720}) || !got.enhance {
		t.Errorf("preprocess call = %+v, want 1280x720 enhanced", got)
	}
	if !slices.Equal(f.det.Frames(), []uint64{7}) {
		t.Errorf("detector frames = %v", f.det.Frames())
	}
}

func TestFrameFlow_RepeatSuppressed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{})
	f.narrator.fixed = "a person ahead."
	f.start(t)
	f.process(t, 1, 1)
	f.process(t, 2, 2)

	if got := f.speaker.Texts(); len(got) != 1 {
		t.Errorf("spoken = %v, want the repeat suppressed", got)
	}
}

func TestFrameFlow_SpeakerBacklogIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{})
	f.speaker.err = speech.ErrBacklogFull
	f.start(t)
	f.process(t, 1, 1)

	if got := sum(t, f.reader, "visionvoice.frame.errors", "", ""); got != 0 {
		t.Errorf("frame errors = %d, want 0", got)
	}
}

func TestFrameFlow_DetectorErrorRaisesAlert(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{})
	f.det.Err = errors.New("model offline")
	f.start(t)
	f.cam.Emit(types.Frame{Seq: 3})

	eventually(t, "error alert", func() bool { return len(f.alerts.Events()) == 1 })
	a := f.alerts.alerts()[0]
	if a.Level != types.AlertError || !strings.Contains(a.Message, "model offline") {
		t.Errorf("alert = %+v", a)
	}
	if got := sum(t, f.reader, "visionvoice.frame.errors", "", ""); got != 1 {
		t.Errorf("frame errors = %d, want 1", got)
	}
	if f.orch.Processed() != 0 {
		t.Error("failed frame counted as processed")
	}
	if len(f.speaker.Said()) != 0 {
		t.Errorf("ERROR alert was spoken: %v", f.speaker.Texts())
	}

	f.det.Err = nil
	f.process(t, 4, 1)
}

func TestFrameFlow_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{})
	f.analyzer.panicSeq = 1
	f.start(t)
	f.cam.Emit(types.Frame{Seq: 1})
	eventually(t, "panic alert", func() bool { return len(f.alerts.Events()) == 1 })
	if msg := f.alerts.alerts()[0].Message; !strings.Contains(msg, "analyzer exploded") {
		t.Errorf("alert message = %q", msg)
	}

	f.process(t, 2, 1)
	if !f.speaker.Has("frame-2") {
		t.Errorf("spoken = %v, want frame-2", f.speaker.Texts())
	}
}

func TestCommands(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{})
	f.start(t)

	say := func(text, want string) {
		t.Helper()
		if !f.listener.Say(text) {
			t.Fatalf("listener not active for %q", text)
		}
		eventually(t, want, func() bool { return f.speaker.Has(want) })
	}

	say("stop", "system paused")
	if f.orch.Active() || f.cam.Capturing() {
		t.Error("still capturing after stop")
	}
	if f.cam.Emit(types.Frame{Seq: 1}) {
		t.Error("frame delivered while paused")
	}

	say("start", "system started")
	if !f.orch.Active() || f.cam.Starts() != 2 {
		t.Errorf("active=%v starts=%d after start", f.orch.Active(), f.cam.Starts())
	}

	say("toggle mode", "switched to fast mode")
	if f.orch.Mode() != config.ModeFast {
		t.Errorf("mode = %v, want fast", f.orch.Mode())
	}
	f.process(t, 2, 1)
	if f.pre.Last().enhance {
		t.Error("frame enhanced in fast mode")
	}

	say("battery", "battery at 80 percent")
	say("open the pod bay doors", "command not recognized")

	for _, sp := range f.speaker.Said() {
		if sp.text != "frame-2" && sp.priority != pipeline.PriorityResponse {
			t.Errorf("%q spoken at priority %d, want %d", sp.text, sp.priority, pipeline.PriorityResponse)
		}
	}
}

func TestHandleCommand_StartWhileActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{})
	f.start(t)
	if err := f.orch.HandleCommand(context.Background(), "start"); err != nil {
		t.Fatalf("HandleCommand: %v", err)
	}
	if f.cam.Starts() != 1 {
		t.Errorf("Starts = %d, want capture not restarted", f.cam.Starts())
	}
}

func TestAlerts_UrgentSpoken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{})
	f.start(t)
	f.bus.Publish(eventbus.NewAlertEvent("test", types.AlertInfo, "all good"))
	f.bus.Publish(eventbus.NewAlertEvent("test", types.AlertCritical, "obstacle"))

	eventually(t, "critical alert spoken", func() bool { return f.speaker.Has("[CRITICAL] obstacle") })
	said := f.speaker.Said()
	if len(said) != 1 {
		t.Fatalf("said = %+v, want only the critical alert", said)
	}
	if said[0].priority != speech.PriorityInterrupt {
		t.Errorf("priority = %d, want PriorityInterrupt", said[0].priority)
	}
}

func TestAlerts_FullPlaybackQueueDoesNotStallDispatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{})
	hold := make(chan struct{})
	f.speaker.hold = hold
	f.start(t)
	defer close(hold)

	f.bus.Publish(eventbus.NewAlertEvent("test", types.AlertCritical, "curb ahead"))
	f.bus.Publish(eventbus.NewAlertEvent("test", types.AlertInfo, "still running"))
	if !f.listener.Say("battery") {
		t.Fatal("listener not active")
	}

	eventually(t, "later alert dispatched", func() bool { return len(f.alerts.Events()) == 2 })
	if got := f.speaker.Said(); len(got) != 0 {
		t.Errorf("said = %+v while the speaker is blocked", got)
	}
}

func TestMonitor_CameraLostOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{})
	f.start(t)
	ctx := context.Background()

	f.cam.SetReady(false)
	f.orch.Evaluate(ctx)
	f.orch.Evaluate(ctx)
	f.cam.SetReady(true)
	f.orch.Evaluate(ctx)

	eventually(t, "reconnect alert", func() bool {
		for _, a := range f.alerts.alerts() {
			if a.Message == "camera reconnected" {
				return true
			}
		}
		return false
	})
	var levels []types.AlertLevel
	for _, a := range f.alerts.alerts() {
		levels = append(levels, a.Level)
	}
	if !slices.Equal(levels, []types.AlertLevel{types.AlertCritical, types.AlertInfo}) {
		t.Errorf("alert levels = %v, want one CRITICAL then INFO", levels)
	}
	eventually(t, "loss spoken", func() bool { return f.speaker.Has("[CRITICAL] camera disconnected") })
}

func TestMonitor_LowPower(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{})
	f.start(t)
	ctx := context.Background()

	f.power.Set(10)
	f.orch.Evaluate(ctx)
	eventually(t, "low-power announcement", func() bool { return f.speaker.Has("battery low, switching to fast mode") })
	if f.orch.Mode() != config.ModeFast {
		t.Errorf("mode = %v, want fast in low-power mode", f.orch.Mode())
	}

	f.orch.Evaluate(ctx)
	f.power.Set(60)
	f.orch.Evaluate(ctx)
	eventually(t, "mode restored", func() bool { return f.orch.Mode() == config.ModeQuality })

	n := 0
	for _, s := range f.speaker.Texts() {
		if strings.HasPrefix(s, "battery low") {
			n++
		}
	}
	if n != 1 {
		t.Errorf("low-power announced %d times, want 1", n)
	}
}

func TestMonitor_AdaptiveReducesResolution(t *testing.T) {
	t.Parallel()

	clk := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Second}
	f := newFixture(t, fixtureOpts{clock: clk.Now})
	f.start(t)

	for i := range uint64(10) {
		f.process(t, i+1, i+1)
	}
	f.orch.Evaluate(context.Background())

	want := types.Resolution{Width: 640, Height: 480}
	if got := f.orch.Resolution(); got != want {
		t.Fatalf("resolution = %v, want %v", got, want)
	}
	if got := sum(t, f.reader, "visionvoice.adaptive.resolution_changes", "direction", "reduce"); got != 1 {
		t.Errorf("reduce count = %d, want 1", got)
	}

	f.process(t, 11, 11)
	if got := f.pre.Last().res; got != want {
		t.Errorf("frame preprocessed at %v, want %v", got, want)
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{})
	f.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !f.cam.Released() {
		t.Error("camera not released")
	}
	if f.listener.Stops() != 1 {
		t.Errorf("listener stops = %d, want 1", f.listener.Stops())
	}
	if f.orch.Active() {
		t.Error("still active after shutdown")
	}
	eventually(t, "bus stopped", func() bool { return !f.bus.Running() })

	if err := f.orch.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	f.speaker.mu.Lock()
	stops := f.speaker.stops
	f.speaker.mu.Unlock()
	if stops != 1 {
		t.Errorf("speaker stops = %d, want 1", stops)
	}
}

func TestShutdown_FinishesInFlightDetection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixtureOpts{})
	entered := make(chan struct{})
	release := make(chan struct{})
	detErr := make(chan error, 1)
	f.det.Func = func(ctx context.Context, _ types.Frame) ([]types.Detection, error) {
		close(entered)
		<-release
		detErr <- ctx.Err()
		return []types.Detection{{ID: 1, Class: "person"}}, nil
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	if err := f.orch.Start(runCtx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.cam.Emit(types.Frame{Seq: 1})
	<-entered

	// Cancelling the start context, as a signal does, must not abort the call.
	stopRun()
	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdownErr <- f.orch.Shutdown(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-shutdownErr; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-detErr; err != nil {
		t.Errorf("detector context = %v, want it live until the call returned", err)
	}
	if f.orch.Processed() != 1 {
		t.Errorf("Processed = %d, want the in-flight frame completed", f.orch.Processed())
	}
}
