package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when anything used to build the next session
	// changed: the speech provider, audio settings or live options. A
	// running session keeps the settings it was started with.
	SessionChanged  bool
	ProviderChanged bool
	AudioChanged    bool // block size, queue depth or rates; devices are listed in RestartRequired
	LiveChanged     bool

	// RestartRequired lists changed fields that only take effect after a
	// process restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.ProviderChanged = !sameEntry(old.Providers.S2S, new.Providers.S2S)
	d.AudioChanged = old.Audio != new.Audio
	d.LiveChanged = !sameLive(old.Live, new.Live)
	d.SessionChanged = d.ProviderChanged || d.AudioChanged || d.LiveChanged

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.Console != new.Server.Console {
		d.RestartRequired = append(d.RestartRequired, "server.console")
	}
	if old.Archive.PostgresDSN != new.Archive.PostgresDSN {
		d.RestartRequired = append(d.RestartRequired, "archive.postgres_dsn")
	}
	// Devices are opened once at startup.
	if old.Audio.Capture.Device != new.Audio.Capture.Device {
		d.RestartRequired = append(d.RestartRequired, "audio.capture.device")
	}
	if old.Audio.Playback.Device != new.Audio.Playback.Device {
		d.RestartRequired = append(d.RestartRequired, "audio.playback.device")
	}
	if old.Audio.Playback.BufferMS != new.Audio.Playback.BufferMS {
		d.RestartRequired = append(d.RestartRequired, "audio.playback.buffer_ms")
	}
	if old.Live.EventBuffer != new.Live.EventBuffer {
		d.RestartRequired = append(d.RestartRequired, "live.event_buffer")
	}
	if old.Live.ConnectBreaker != new.Live.ConnectBreaker {
		d.RestartRequired = append(d.RestartRequired, "live.connect_breaker")
	}

	return d
}

// sameEntry compares two provider entries, including their options.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k := range a.Options {
		if a.Option(k) != b.Option(k) {
			return false
		}
		if _, ok := b.Options[k]; !ok {
			return false
		}
	}
	return true
}

func sameLive(a, b LiveConfig) bool {
	return a.TranscribeInput() == b.TranscribeInput() &&
		a.TranscribeOutput() == b.TranscribeOutput()
}
