// Command postvoz runs a live spoken conversation with a speech-to-speech
// model: microphone in, model voice out, transcript on screen.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MrWong99/postvoz/internal/app"
	"github.com/MrWong99/postvoz/internal/config"
	"github.com/MrWong99/postvoz/internal/observe"
	"github.com/MrWong99/postvoz/pkg/audio"
	"github.com/MrWong99/postvoz/pkg/audio/capture"
	"github.com/MrWong99/postvoz/pkg/audio/playback"
	"github.com/MrWong99/postvoz/pkg/provider/s2s"
	geminilive "github.com/MrWong99/postvoz/pkg/provider/s2s/gemini"
	"github.com/MrWong99/postvoz/pkg/provider/s2s/genailive"
	oais2s "github.com/MrWong99/postvoz/pkg/provider/s2s/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	console := flag.Bool("console", false, "start a conversation in the terminal right away")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "postvoz: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "postvoz: %v\n", err)
		}
		return 1
	}
	if *console {
		cfg.Server.Console = true
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("postvoz starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registry:       promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLevelVar(&level),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler()),
	}
	if cfg.Server.Console {
		opts = append(opts, app.WithConsole(os.Stdin, os.Stdout))
	}
	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")

	if watcher != nil {
		watcher.Stop()
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the speech providers and audio devices that
// ship with postvoz into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── S2S ───────────────────────────────────────────────────────────────────
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("genai-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []genailive.Option
		if entry.Model != "" {
			opts = append(opts, genailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(entry.BaseURL))
		}
		return genailive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	// ── Audio devices ─────────────────────────────────────────────────────────
	reg.RegisterCapture("malgo", func(config.CaptureConfig) (audio.CaptureOpener, error) {
		return capture.MalgoOpener{}, nil
	})

	reg.RegisterPlayback("oto", func(c config.PlaybackConfig) (audio.OutputOpener, error) {
		return &playback.OtoOpener{BufferSize: time.Duration(c.BufferMS) * time.Millisecond}, nil
	})

	for _, name := range reg.S2SNames() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        postvoz · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", providerLabel(cfg.Providers.S2S))
	printRow("Voice", orDefault(cfg.Providers.S2S.Option("voice"), "(default)"))
	printRow("API key", keyLabel(cfg.Providers.S2S))
	printRow("Capture", fmt.Sprintf("%s %d Hz", cfg.Audio.Capture.Device, cfg.Audio.Capture.SampleRate))
	printRow("Playback", fmt.Sprintf("%s %d Hz", cfg.Audio.Playback.Device, cfg.Audio.Playback.SampleRate))
	if cfg.Archive.PostgresDSN != "" {
		printRow("Archive", "postgres")
	} else {
		printRow("Archive", "memory")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.Console {
		printRow("Console", "on")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:18] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func keyLabel(e config.ProviderEntry) string {
	if e.Credential() == "" {
		return "(missing)"
	}
	return "(set)"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
