// Package app wires the postvoz subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the archive, audio
// devices and live controller from the config, Run serves the HTTP surface
// (and the optional console) until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithArchive,
// WithDevices, etc.). When an option is not provided, New creates real
// implementations from the config and registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/postvoz/internal/config"
	"github.com/MrWong99/postvoz/internal/live"
	"github.com/MrWong99/postvoz/internal/observe"
	"github.com/MrWong99/postvoz/internal/resilience"
	"github.com/MrWong99/postvoz/pkg/archive"
	"github.com/MrWong99/postvoz/pkg/archive/postgres"
	"github.com/MrWong99/postvoz/pkg/audio"
	"github.com/MrWong99/postvoz/pkg/provider/s2s"
)

// shutdownGrace bounds how long the HTTP server waits for open requests
// when Run's context ends.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg atomic.Pointer[config.Config]
	reg *config.Registry

	log            *slog.Logger
	levelVar       *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler

	archive    archive.Store
	pinger     func(context.Context) error
	breakers   *resilience.Breakers
	devices    live.Devices
	controller *live.Controller
	liveOpts   []live.ControllerOption

	consoleIn  io.Reader
	consoleOut io.Writer

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchive injects an archive store instead of creating one from config.
func WithArchive(s archive.Store) Option {
	return func(a *App) { a.archive = s }
}

// WithDevices injects audio devices instead of creating them from the registry.
func WithDevices(d live.Devices) Option {
	return func(a *App) { a.devices = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets configuration reloads change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithConsole enables the terminal surface: Run starts a session right away,
// prints the transcript to out and stops when a line is read from in.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.consoleIn = in
		a.consoleOut = out
	}
}

// WithControllerOptions passes extra options to the live controller.
func WithControllerOptions(opts ...live.ControllerOption) Option {
	return func(a *App) { a.liveOpts = append(a.liveOpts, opts...) }
}

// New creates a new App from cfg. Providers and devices are resolved through
// reg; the speech provider is resolved again for every session so that
// configuration reloads apply to the next conversation.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{reg: reg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.cfg.Store(cfg)

	// ── Archive ─────────────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, err
	}

	// ── Audio devices ───────────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		a.runClosers()
		return nil, err
	}

	// ── Live controller ─────────────────────────────────────────────────────
	a.breakers = resilience.NewBreakers(resilience.BreakerConfig{
		MaxFailures: cfg.Live.ConnectBreaker.MaxFailures,
		Cooldown:    cfg.Live.ConnectBreaker.Cooldown,
		Logger:      a.log,
	})
	liveOpts := append([]live.ControllerOption{
		live.WithLogger(a.log),
		live.WithMetrics(a.metrics),
		live.WithArchive(a.archive),
		live.WithSubscriberBuffer(cfg.Live.EventBuffer),
	}, a.liveOpts...)
	a.controller = live.NewController(a.plan, a.devices, liveOpts...)

	return a, nil
}

func (a *App) initArchive(ctx context.Context) error {
	if a.archive != nil {
		return nil
	}
	dsn := a.cfg.Load().Archive.PostgresDSN
	if dsn == "" {
		a.archive = archive.NewMemStore()
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("app: archive: %w", err)
	}
	a.archive = store
	a.pinger = store.Ping
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.log.Info("session archive connected", "backend", "postgres")
	return nil
}

func (a *App) initDevices() error {
	cfg := a.cfg.Load()
	if a.devices.Capture == nil {
		c, err := a.reg.CreateCapture(cfg.Audio.Capture)
		if err != nil {
			return fmt.Errorf("app: capture device: %w", err)
		}
		a.devices.Capture = c
	}
	if a.devices.Output == nil {
		o, err := a.reg.CreatePlayback(cfg.Audio.Playback)
		if err != nil {
			return fmt.Errorf("app: playback device: %w", err)
		}
		a.devices.Output = o
	}
	return nil
}

// plan resolves the session plan from the current configuration.
func (a *App) plan() (live.Plan, error) {
	cfg := a.cfg.Load()
	entry := cfg.Providers.S2S
	entry.APIKey = entry.Credential()

	provider, err := a.reg.CreateS2S(entry)
	if err != nil {
		return live.Plan{}, err
	}
	return live.Plan{
		ProviderName: entry.Name,
		Provider:     resilience.GuardS2S(provider, a.breakers.Get(entry.Name)),
		Credential:   entry.APIKey,
		Session:      s2sSession(entry, cfg.Live),
		Capture: audio.Format{
			SampleRate: cfg.Audio.Capture.SampleRate,
			Channels:   1,
		},
		BlockSize:    cfg.Audio.Capture.BlockSize,
		QueueDepth:   cfg.Audio.Capture.QueueDepth,
		PlaybackRate: cfg.Audio.Playback.SampleRate,
	}, nil
}

// s2sSession builds the per-session provider settings from the provider
// options and the live section.
func s2sSession(entry config.ProviderEntry, lc config.LiveConfig) s2s.SessionConfig {
	return s2s.SessionConfig{
		Voice:               entry.Option("voice"),
		Instructions:        entry.Option("instructions"),
		InputTranscription:  lc.TranscribeInput(),
		OutputTranscription: lc.TranscribeOutput(),
	}
}

// Controller returns the live controller.
func (a *App) Controller() *live.Controller { return a.controller }

// Config returns the configuration the next session is built from.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// ApplyConfig installs a reloaded configuration. The log level changes at
// once; session settings apply to the next conversation; fields that need a
// restart are logged and otherwise ignored.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	a.cfg.Store(new)

	if d.SessionChanged {
		a.log.Info("session settings updated, applied on next start",
			"provider", d.ProviderChanged,
			"audio", d.AudioChanged,
			"live", d.LiveChanged,
		)
	}
	for _, field := range d.RestartRequired {
		a.log.Warn("config change requires restart", "field", field)
	}
}

// Run serves the HTTP surface on the configured listen address, and the
// console when enabled, until ctx is cancelled or the console ends. It
// returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := a.cfg.Load()
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if a.consoleIn != nil {
		g.Go(func() error {
			// The console ending is a request to quit.
			defer cancel()
			return a.runConsole(gctx)
		})
	}
	return g.Wait()
}

// Shutdown stops any live session, then runs the closers in order. It is
// safe to call more than once; only the first call has effect.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.controller.Close(ctx); err != nil {
			a.log.Warn("live controller close error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}
