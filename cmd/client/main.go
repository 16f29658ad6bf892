// Command client runs the edge voice client: it gates the microphone behind
// a wake word, streams speech to the assistant server over WebSocket, plays
// the synthesized answer and falls back to a hosted LLM when the server is
// unreachable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/TheGitCommit/voice-assistant/internal/client"
	"github.com/TheGitCommit/voice-assistant/internal/config"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/llm/anyllm"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/wake/onnx"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "client.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "client: config file %q not found, copy configs/client.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "client: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voice assistant client starting",
		"config", *configPath,
		"server_url", cfg.ServerURL,
		"log_level", cfg.LogLevel,
	)

	// ── Audio subsystem ───────────────────────────────────────────────────────
	if err := client.InitAudio(); err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer client.TerminateAudio()

	// ── Wake detector ─────────────────────────────────────────────────────────
	wakeOpts := []onnx.Option{
		onnx.WithRuntimeLibrary(cfg.Wake.RuntimeLibrary),
	}
	if cfg.Wake.Threshold > 0 {
		wakeOpts = append(wakeOpts, onnx.WithThreshold(float32(cfg.Wake.Threshold)))
	}
	detector, err := onnx.New(cfg.Wake.Models, wakeOpts...)
	if err != nil {
		slog.Error("failed to load wake models", "err", err)
		return 1
	}
	defer detector.Close()
	slog.Info("wake detector ready", "models", wakeNames(cfg.Wake.Models), "threshold", cfg.Wake.Threshold)

	// ── Microphone and speaker ────────────────────────────────────────────────
	capture, err := client.NewCapture(cfg.Capture, logger)
	if err != nil {
		slog.Error("failed to open microphone", "err", err)
		return 1
	}
	playback := client.NewPlayback(logger)

	// ── Cloud fallback (optional) ─────────────────────────────────────────────
	var fallback *client.Fallback
	if cfg.Fallback.Provider != "" {
		var opts []anyllmlib.Option
		if cfg.Fallback.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.Fallback.APIKey))
		}
		provider, err := anyllm.New(cfg.Fallback.Provider, cfg.Fallback.Model, opts...)
		if err != nil {
			slog.Error("failed to create fallback provider", "provider", cfg.Fallback.Provider, "err", err)
			return 1
		}
		fallback = client.NewFallback(provider, logger)
		slog.Info("cloud fallback ready", "provider", cfg.Fallback.Provider, "model", cfg.Fallback.Model)
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	cli, err := client.New(client.Config{
		Config:   cfg,
		Detector: detector,
		Capture:  capture,
		Playback: playback,
		Fallback: fallback,
		Logger:   logger,
	})
	if err != nil {
		slog.Error("failed to initialise client", "err", err)
		return 1
	}

	slog.Info("client ready, say the wake word or press Ctrl+C to quit")

	if err := cli.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Startup summary ─────────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.ClientConfig) {
	tones := "disabled"
	if cfg.Tones.Enabled {
		tones = "enabled"
	}
	fallback := "(disabled)"
	if cfg.Fallback.Provider != "" {
		fallback = cfg.Fallback.Provider + " / " + cfg.Fallback.Model
	}

	fmt.Println("╔══════════════════════════════════════════════════╗")
	fmt.Printf("║  %-47s ║\n", "voice assistant client")
	fmt.Println("╠══════════════════════════════════════════════════╣")
	printRow("server", cfg.ServerURL)
	printRow("wake", wakeNames(cfg.Wake.Models))
	printRow("capture", fmt.Sprintf("%d Hz, %d samples/frame", cfg.Capture.SampleRate, cfg.Capture.FrameSamples))
	printRow("preroll", fmt.Sprintf("%d ms", cfg.Capture.PrerollMs))
	printRow("tones", tones)
	printRow("fallback", fallback)
	fmt.Println("╚══════════════════════════════════════════════════╝")
}

func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 35 {
		value = value[:34] + "…"
	}
	fmt.Printf("║  %-9s : %-35s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ────────────────────────────────────────────────────────────────────

// wakeNames renders the configured wake model names in a stable order.
func wakeNames(models map[string]string) string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
