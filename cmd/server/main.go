// Command server runs the voice assistant server: the WebSocket audio
// endpoint plus the health and metrics routes, with an optionally supervised
// llama.cpp subprocess behind the LLM client.
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

	"github.com/TheGitCommit/voice-assistant/internal/config"
	"github.com/TheGitCommit/voice-assistant/internal/health"
	"github.com/TheGitCommit/voice-assistant/internal/llamasrv"
	"github.com/TheGitCommit/voice-assistant/internal/observe"
	"github.com/TheGitCommit/voice-assistant/internal/resilience"
	"github.com/TheGitCommit/voice-assistant/internal/server"
	"github.com/TheGitCommit/voice-assistant/internal/session"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/tts"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "server: config file %q not found, copy configs/server.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "server: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voice assistant server starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voice-assistant",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Pipeline engines ──────────────────────────────────────────────────────
	reg := config.DefaultRegistry()

	sttEngine, err := reg.CreateSTT(cfg)
	if err != nil {
		slog.Error("failed to create stt engine", "engine", cfg.STT.Engine, "err", err)
		return 1
	}
	defer closeProvider("stt", sttEngine)
	slog.Info("stt engine ready", "engine", cfg.STT.Engine)

	ttsPrimary, err := reg.CreateTTS(cfg)
	if err != nil {
		slog.Error("failed to create tts engine", "engine", cfg.TTS.Engine, "err", err)
		return 1
	}
	defer closeProvider("tts", ttsPrimary)

	var ttsEngine tts.Provider = ttsPrimary
	ttsSecondary, err := reg.CreateTTSFallback(cfg)
	if err != nil {
		slog.Error("failed to create tts fallback engine", "engine", cfg.TTS.FallbackEngine, "err", err)
		return 1
	}
	if ttsSecondary != nil {
		defer closeProvider("tts fallback", ttsSecondary)
		chain := resilience.NewTTSFallback(ttsPrimary, resilience.FallbackConfig{Logger: logger})
		chain.AddFallback(ttsSecondary)
		ttsEngine = chain
		slog.Info("tts failover chain ready",
			"primary", ttsPrimary.Name(),
			"fallback", ttsSecondary.Name(),
		)
	} else {
		slog.Info("tts engine ready", "engine", ttsPrimary.Name())
	}

	vadEngine, err := reg.CreateVAD(cfg)
	if err != nil {
		slog.Error("failed to create vad engine", "engine", cfg.VAD.Engine, "err", err)
		return 1
	}
	defer closeProvider("vad", vadEngine)

	llmClient, err := config.CreateLLM(cfg)
	if err != nil {
		slog.Error("failed to create llm client", "err", err)
		return 1
	}

	// ── Session store (optional) ──────────────────────────────────────────────
	var store session.Store
	switch {
	case cfg.Sessions.PostgresDSN != "":
		pg, err := session.NewPostgresStore(ctx, cfg.Sessions.PostgresDSN)
		if err != nil {
			slog.Error("failed to open postgres session store", "err", err)
			return 1
		}
		defer pg.Close()
		store = pg
		slog.Info("session store ready", "backend", "postgres")
	case cfg.Sessions.Dir != "":
		fs, err := session.NewFileStore(cfg.Sessions.Dir)
		if err != nil {
			slog.Error("failed to open file session store", "dir", cfg.Sessions.Dir, "err", err)
			return 1
		}
		store = fs
		slog.Info("session store ready", "backend", "file", "dir", cfg.Sessions.Dir)
	default:
		slog.Info("session persistence disabled")
	}

	// ── llama.cpp subprocess (optional) ───────────────────────────────────────
	var llamaReporter health.LlamaReporter
	if cfg.Llama.Enabled {
		sup, err := llamasrv.New(cfg.Llama,
			llamasrv.WithLogger(logger),
			llamasrv.WithMetrics(metrics),
		)
		if err != nil {
			slog.Error("failed to create llama supervisor", "err", err)
			return 1
		}
		if err := sup.Start(); err != nil {
			slog.Error("failed to start llama server", "binary", cfg.Llama.Binary, "err", err)
			return 1
		}
		defer sup.Stop()
		go func() {
			if err := sup.MonitorLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("llama supervision ended", "err", err)
			}
		}()
		llamaReporter = sup
		slog.Info("llama server supervised", "model", cfg.Llama.Model, "port", cfg.Llama.Port)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	srv, err := server.New(server.Config{
		Config:  cfg,
		STT:     sttEngine,
		TTS:     ttsEngine,
		LLM:     llmClient,
		VAD:     vadEngine,
		Store:   store,
		Llama:   llamaReporter,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Startup summary ─────────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	llmTarget := cfg.LLM.BaseURL
	if llmTarget == "" {
		llmTarget = fmt.Sprintf("llama.cpp on :%d", cfg.Llama.Port)
	}
	ttsLabel := cfg.TTS.Engine
	if cfg.TTS.FallbackEngine != "" {
		ttsLabel += " / " + cfg.TTS.FallbackEngine
	}
	sessions := "(disabled)"
	switch {
	case cfg.Sessions.PostgresDSN != "":
		sessions = "postgres"
	case cfg.Sessions.Dir != "":
		sessions = cfg.Sessions.Dir
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Printf("║  %-39s ║\n", "voice assistant server")
	fmt.Println("╠══════════════════════════════════════════╣")
	printRow("listen", cfg.Server.ListenAddr)
	printRow("stt", cfg.STT.Engine)
	printRow("tts", ttsLabel)
	printRow("vad", cfg.VAD.Engine)
	printRow("llm", llmTarget)
	printRow("model", cfg.LLM.Model)
	printRow("sessions", sessions)
	printRow("barge-in", fmt.Sprintf("%d keywords", len(cfg.BargeIn.Keywords)))
	fmt.Println("╚══════════════════════════════════════════╝")
}

func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 27 {
		value = value[:26] + "…"
	}
	fmt.Printf("║  %-9s : %-27s ║\n", key, value)
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

// closeProvider closes engines that hold native sessions or subprocesses.
// Providers without a Close are left alone.
func closeProvider(kind string, p any) {
	c, ok := p.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		slog.Warn("close error", "provider", kind, "err", err)
	}
}
