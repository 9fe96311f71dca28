package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/MrWong99/visionvoice/internal/app"
	"github.com/MrWong99/visionvoice/internal/config"
	"github.com/MrWong99/visionvoice/pkg/provider/tts"
)

func newTable(title string, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle(title)
	tw.AppendHeader(header)
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 1, AlignHeader: text.AlignLeft}})
	return tw
}

// startupSummary renders the effective configuration as a table.
func startupSummary(cfg *config.Config) string {
	tw := newTable("visionvoice "+version, table.Row{"Setting", "Value"})
	tw.AppendRows([]table.Row{
		{"Camera", describe(cfg.Camera.Name, cfg.Camera.SourceDir)},
		{"Local detector", describe(cfg.Detector.Local.Name, cfg.Detector.Local.Model)},
		{"Cloud detector", enabled(cfg.Detector.UseCloud, describe(cfg.Detector.Cloud.Name, cfg.Detector.Cloud.Model))},
		{"Online TTS", enabled(cfg.TTS.UseOnline, describe(cfg.TTS.Online.Name, cfg.TTS.Online.Model))},
		{"Offline TTS", describe(cfg.TTS.Offline.Name, cfg.TTS.Offline.Model)},
		{"Speech cache", string(cfg.TTS.Cache.Backend)},
		{"Audio", fmt.Sprintf("%s %d Hz", cfg.Audio.Backend, cfg.Audio.SampleRate)},
		{"Commands", commandInput(cfg.Input)},
		{"Resolution", cfg.Processing.Resolution.String()},
		{"Mode", string(cfg.Processing.Mode)},
		{"Verbosity", strconv.Itoa(cfg.Narration.Verbosity)},
		{"Status server", enabled(cfg.Server.ListenAddr != "", cfg.Server.ListenAddr)},
	})
	return tw.Render()
}

func describe(name, detail string) string {
	if detail == "" {
		return name
	}
	return name + " / " + detail
}

func commandInput(in config.InputConfig) string {
	if in.Source != config.InputVoice {
		return in.Source
	}
	return "voice / " + describe(in.STT.Name, in.STT.Model)
}

func enabled(on bool, value string) string {
	if !on {
		return "(disabled)"
	}
	return value
}

// printVoices lists the voices of every configured engine that can
// enumerate them.
func printVoices(ctx context.Context, w io.Writer, ps *app.Providers) error {
	tw := newTable("voices", table.Row{"Engine", "ID", "Name", "Labels"})
	for _, s := range []tts.Synthesizer{ps.Online, ps.Offline} {
		lister, ok := s.(tts.VoiceLister)
		if !ok {
			continue
		}
		voices, err := lister.ListVoices(ctx)
		if err != nil {
			return err
		}
		for _, v := range voices {
			tw.AppendRow(table.Row{v.Engine, v.ID, v.Name, formatLabels(v.Labels)})
		}
	}
	_, err := fmt.Fprintln(w, tw.Render())
	return err
}

func formatLabels(labels map[string]string) string {
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	slices.Sort(parts)
	return strings.Join(parts, " ")
}
