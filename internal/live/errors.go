package live

import (
	"errors"
	"fmt"
)

// ErrMissingCredential is wrapped in a [ConfigError] when no API key is
// configured for the selected provider.
var ErrMissingCredential = errors.New("API key not found")

// ErrStoppedDuringStart is returned by [Session.Start] when Stop was called
// while the devices were being opened. The session is then closed and holds
// no resources.
var ErrStoppedDuringStart = errors.New("live: session stopped during start")

// ConfigError reports a configuration problem detected before any resource
// is acquired.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "live: config: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// DeviceError reports that an audio device could not be acquired. It is
// returned before the transport connects.
type DeviceError struct {
	// Device is "capture" or "playback".
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("live: %s device: %v", e.Device, e.Err)
}
func (e *DeviceError) Unwrap() error { return e.Err }

// TransportError reports that the remote endpoint sent an error or the
// connection dropped. It always ends the session in [StateFailed].
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Provider == "" {
		return "live: transport: " + e.Err.Error()
	}
	return fmt.Sprintf("live: transport (%s): %v", e.Provider, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// userMessage returns the human-readable text shown in status lines, without
// the package prefixes.
func userMessage(err error) string {
	var (
		ce *ConfigError
		de *DeviceError
		te *TransportError
	)
	switch {
	case errors.As(err, &ce):
		return ce.Err.Error()
	case errors.As(err, &de):
		return rootCause(de.Err).Error()
	case errors.As(err, &te):
		return te.Err.Error()
	case err != nil:
		return err.Error()
	}
	return ""
}

// rootCause strips the wrapping added by the audio packages so device
// failures read as the driver reported them.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// resultLabel maps a start error onto the session_starts metric result.
func resultLabel(err error) string {
	var (
		ce *ConfigError
		de *DeviceError
		te *TransportError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ce):
		return "config_error"
	case errors.As(err, &de):
		return "device_error"
	case errors.As(err, &te):
		return "transport_error"
	}
	return "error"
}
