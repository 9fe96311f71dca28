// Command visionvoice narrates a camera feed through speech.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/MrWong99/visionvoice/internal/app"
	"github.com/MrWong99/visionvoice/internal/config"
	"github.com/MrWong99/visionvoice/pkg/audio"
	"github.com/MrWong99/visionvoice/pkg/audio/miniaudio"
	"github.com/MrWong99/visionvoice/pkg/command"
	"github.com/MrWong99/visionvoice/pkg/provider/vad"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listVoices := flag.Bool("list-voices", false, "print the voices of the configured speech engines and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "visionvoice: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "visionvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(level)
	slog.SetDefault(logger)

	slog.Info("visionvoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg, logger)

	providers, closeProviders, err := buildProviders(cfg, reg, logger)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer closeProviders()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *listVoices {
		if err := printVoices(ctx, os.Stdout, providers); err != nil {
			slog.Error("list voices", "err", err)
			return 1
		}
		return 0
	}

	fmt.Println(startupSummary(cfg))

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithConfigPath(*configPath),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// buildProviders instantiates the collaborators named in cfg using reg.
// The cloud detector and the online engine are only built when enabled.
// The returned func releases providers that hold native resources.
func buildProviders(cfg *config.Config, reg *config.Registry, log *slog.Logger) (*app.Providers, func(), error) {
	ps, closers, err := createProviders(cfg, reg, log)
	release := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Warn("release provider", "err", err)
			}
		}
	}
	if err != nil {
		release()
		return nil, nil, err
	}
	return ps, release, nil
}

func createProviders(cfg *config.Config, reg *config.Registry, log *slog.Logger) (*app.Providers, []io.Closer, error) {
	ps := &app.Providers{}
	var (
		closers []io.Closer
		err     error
	)

	switch cfg.Input.Source {
	case config.InputVoice:
		tr, err := reg.CreateSTT(cfg.Input.STT)
		if err != nil {
			return nil, closers, fmt.Errorf("create stt %q: %w", cfg.Input.STT.Name, err)
		}
		if c, ok := tr.(io.Closer); ok {
			closers = append(closers, c)
		}
		mic := miniaudio.NewCapture(audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: 1},
			miniaudio.WithLogger(log))
		ps.Listener = command.NewVoiceListener(mic, tr,
			command.WithVoiceLogger(log),
			command.WithSegmentation(vad.Config{
				Threshold:    cfg.Input.Threshold,
				Silence:      cfg.Input.Silence,
				MaxUtterance: cfg.Input.MaxUtterance,
			}),
		)
	default:
		ps.Listener = command.NewLineReader(os.Stdin, log)
	}

	if ps.Camera, err = reg.CreateCamera(cfg.Camera); err != nil {
		return nil, closers, fmt.Errorf("create camera %q: %w", cfg.Camera.Name, err)
	}
	if ps.Local, err = reg.CreateDetector(cfg.Detector.Local); err != nil {
		return nil, closers, fmt.Errorf("create local detector %q: %w", cfg.Detector.Local.Name, err)
	}
	if cfg.Detector.UseCloud {
		if ps.Cloud, err = reg.CreateDetector(cfg.Detector.Cloud); err != nil {
			return nil, closers, fmt.Errorf("create cloud detector %q: %w", cfg.Detector.Cloud.Name, err)
		}
	}
	if ps.Offline, err = reg.CreateTTS(cfg.TTS.Offline); err != nil {
		return nil, closers, fmt.Errorf("create offline tts %q: %w", cfg.TTS.Offline.Name, err)
	}
	if cfg.TTS.UseOnline {
		if ps.Online, err = reg.CreateTTS(cfg.TTS.Online); err != nil {
			return nil, closers, fmt.Errorf("create online tts %q: %w", cfg.TTS.Online.Name, err)
		}
	}
	if ps.Player, err = reg.CreateAudio(cfg.Audio); err != nil {
		return nil, closers, fmt.Errorf("create audio backend %q: %w", cfg.Audio.Backend, err)
	}

	for kind, name := range map[string]string{
		"camera": cfg.Camera.Name, "detector": cfg.Detector.Local.Name,
		"tts": cfg.TTS.Offline.Name, "audio": cfg.Audio.Backend, "input": cfg.Input.Source,
	} {
		log.Info("provider created", "kind", kind, "name", name)
	}
	return ps, closers, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger writes human-readable text to a terminal and JSON otherwise.
func newLogger(level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	fd := os.Stderr.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
