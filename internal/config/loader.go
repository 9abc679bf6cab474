package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s":      {"gemini-live", "genai-live", "openai-realtime"},
	"capture":  {"malgo"},
	"playback": {"oto"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to have been applied and returns a joined error listing all
// validation failures found.
//
// A missing API key is not a validation error: it is reported when a
// session is started, so the server can come up and show the problem.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("capture", cfg.Audio.Capture.Device)
	validateProviderName("playback", cfg.Audio.Playback.Device)

	if cfg.Providers.S2S.Credential() == "" {
		slog.Warn("no API key configured for the speech provider; sessions will fail to start",
			"provider", cfg.Providers.S2S.Name,
		)
	}

	// Audio
	c := cfg.Audio.Capture
	if c.SampleRate != DefaultCaptureRate {
		errs = append(errs, fmt.Errorf("audio.capture.sample_rate %d is unsupported; must be %d", c.SampleRate, DefaultCaptureRate))
	}
	if c.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.block_size %d must be positive", c.BlockSize))
	}
	if c.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.queue_depth %d must be positive", c.QueueDepth))
	}
	p := cfg.Audio.Playback
	if p.SampleRate < 8000 || p.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.playback.sample_rate %d is out of range [8000, 48000]", p.SampleRate))
	}
	if p.BufferMS < 0 {
		errs = append(errs, fmt.Errorf("audio.playback.buffer_ms %d must be positive", p.BufferMS))
	}

	// Live
	if cfg.Live.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("live.event_buffer %d must be positive", cfg.Live.EventBuffer))
	}
	if cfg.Live.ConnectBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("live.connect_breaker.max_failures %d must be positive", cfg.Live.ConnectBreaker.MaxFailures))
	}
	if cfg.Live.ConnectBreaker.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("live.connect_breaker.cooldown %v must be positive", cfg.Live.ConnectBreaker.Cooldown))
	}

	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; finished sessions are kept in memory only")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
