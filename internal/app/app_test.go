package app_test

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/visionvoice/internal/app"
	"github.com/MrWong99/visionvoice/internal/config"
	"github.com/MrWong99/visionvoice/internal/observe"
	"github.com/MrWong99/visionvoice/internal/speech"
	audiomock "github.com/MrWong99/visionvoice/pkg/audio/mock"
	cammock "github.com/MrWong99/visionvoice/pkg/camera/mock"
	cmdmock "github.com/MrWong99/visionvoice/pkg/command/mock"
	detmock "github.com/MrWong99/visionvoice/pkg/provider/detect/mock"
	ttsmock "github.com/MrWong99/visionvoice/pkg/provider/tts/mock"
	"github.com/MrWong99/visionvoice/pkg/types"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.LockFile = filepath.Join(t.TempDir(), "run", "visionvoice.lock")
	cfg.Camera.ReadyRetries = 2
	cfg.Camera.ReadyInterval = time.Millisecond
	cfg.TTS.Cache.Backend = config.CacheNone
	return cfg
}

type fixture struct {
	cam      *cammock.Camera
	listener *cmdmock.Listener
	det      *detmock.Detector
	offline  *ttsmock.Synthesizer
	player   *audiomock.Player
}

func newFixture() *fixture {
	return &fixture{
		cam:      &cammock.Camera{},
		listener: &cmdmock.Listener{},
		det: &detmock.Detector{Detections: []types.Detection{{
			ID: 1, Class: "person", Confidence: 0.9,
			BBox: types.BBox{X1: 40, Y1: 10, X2: 60, Y2: 90},
		}}},
		offline: &ttsmock.Synthesizer{Audio: []byte{1, 0, 2, 0}},
		player:  &audiomock.Player{},
	}
}

func (f *fixture) providers() *app.Providers {
	return &app.Providers{
		Camera:   f.cam,
		Listener: f.listener,
		Local:    f.det,
		Offline:  f.offline,
		Player:   f.player,
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_MissingProviders(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(t), &app.Providers{Camera: &cammock.Camera{}})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"local detector", "synthesizer", "player"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestNew_LockHeld(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.LockFile = filepath.Join(t.TempDir(), "visionvoice.lock")
	other := flock.New(cfg.Server.LockFile)
	if ok, err := other.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	t.Cleanup(func() { _ = other.Unlock() })

	_, err := app.New(context.Background(), cfg, newFixture().providers(),
		app.WithMetrics(testMetrics(t)), app.WithLogger(slog.New(slog.DiscardHandler)))
	if !errors.Is(err, app.ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestNew_UnknownTemplateFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Narration.TemplateFile = filepath.Join(t.TempDir(), "missing.tmpl")
	_, err := app.New(context.Background(), cfg, newFixture().providers(),
		app.WithMetrics(testMetrics(t)), app.WithLogger(slog.New(slog.DiscardHandler)))
	if err == nil || !strings.Contains(err.Error(), "narration templates") {
		t.Fatalf("err = %v, want template read failure", err)
	}

	// The lock taken before the failure must have been released.
	l := flock.New(cfg.Server.LockFile)
	ok, err := l.TryLock()
	if err != nil || !ok {
		t.Fatalf("lock still held after failed New: %v %v", ok, err)
	}
	_ = l.Unlock()
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture()
	cfg := testConfig(t)
	a, err := app.New(context.Background(), cfg, f.providers(),
		app.WithMetrics(testMetrics(t)),
		app.WithCache(speech.NewMemoryCache()),
		app.WithLogger(slog.New(slog.DiscardHandler)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	if !f.listener.WaitListening(waitCtx) {
		t.Fatal("pipeline never started listening")
	}

	frame := types.Frame{Image: image.NewRGBA(image.Rect(0, 0, 100, 100)), Seq: 1, CapturedAt: time.Now()}
	if !f.cam.Emit(frame) {
		t.Fatal("camera not capturing")
	}
	eventually(t, "narration played", func() bool { return f.player.PlayCount() >= 1 })
	if f.offline.CallCount() == 0 {
		t.Error("offline engine never called")
	}

	resp, err := http.Get("http://" + a.StatusAddr() + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz = %d %s", resp.StatusCode, body)
	}

	if !f.listener.Say("battery") {
		t.Fatal("listener inactive")
	}
	eventually(t, "battery reply synthesized", func() bool {
		for _, c := range f.offline.Calls() {
			if c.Text == "battery at 100 percent" {
				return true
			}
		}
		return false
	})

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if !a.Pipeline().Active() || f.cam.Released() {
		t.Error("pipeline torn down by the run context instead of Shutdown")
	}
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutCancel()
	if err := a.Shutdown(shutCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if !f.cam.Released() {
		t.Error("camera not released")
	}
	if f.player.HaltCount() == 0 {
		t.Error("player not halted")
	}
	if err := a.Shutdown(shutCtx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}

	l := flock.New(cfg.Server.LockFile)
	if ok, err := l.TryLock(); err != nil || !ok {
		t.Errorf("lock not released: %v %v", ok, err)
	}
	_ = l.Unlock()
}

func TestRun_CameraNeverReady(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.cam.ReadyAfter = -1
	cfg := testConfig(t)
	cfg.Server.ListenAddr = ""
	a, err := app.New(context.Background(), cfg, f.providers(),
		app.WithMetrics(testMetrics(t)), app.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	err = a.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "camera not ready") {
		t.Fatalf("Run = %v, want camera not ready", err)
	}
	if a.StatusAddr() != "" {
		t.Errorf("StatusAddr = %q, want empty when disabled", a.StatusAddr())
	}
}
