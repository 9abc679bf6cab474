// Package s2s defines the Provider interface for live speech-to-speech
// endpoints.
//
// An S2S provider wraps a real-time voice AI service that accepts microphone
// audio and returns synthesised speech plus running transcriptions in a
// single stateful session. Examples include the Gemini Live API and the
// OpenAI Realtime API.
//
// The central abstraction is SessionHandle: outbound audio goes in through
// SendAudio, and everything the remote sends (the open acknowledgement,
// audio chunks, transcription deltas, turn markers, errors) comes back as an
// ordered stream of [Event] values.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"time"

	"github.com/MrWong99/postvoz/pkg/audio"
)

// EventType classifies an inbound session event.
type EventType int

const (
	// EventOpen is emitted once, when the remote acknowledges the session
	// setup and is ready to receive audio.
	EventOpen EventType = iota

	// EventInputTranscript carries a text delta recognised from the user's
	// speech.
	EventInputTranscript

	// EventOutputTranscript carries a text delta of the model's spoken reply.
	EventOutputTranscript

	// EventAudio carries one base64 PCM16 chunk of synthesised speech.
	EventAudio

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventInterrupted reports that the model stopped its reply because the
	// user started speaking.
	EventInterrupted

	// EventError reports an error sent by the remote endpoint. The session
	// should be torn down.
	EventError
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "OPEN"
	case EventInputTranscript:
		return "INPUT_TRANSCRIPT"
	case EventOutputTranscript:
		return "OUTPUT_TRANSCRIPT"
	case EventAudio:
		return "AUDIO"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one inbound message from the remote endpoint.
type Event struct {
	Type EventType

	// Text is set for transcript events.
	Text string

	// Audio is the base64-encoded PCM16 payload of an EventAudio.
	Audio string

	// Err is set for EventError.
	Err error
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider-specific name of the prebuilt voice. Empty means
	// the provider default.
	Voice string

	// Instructions is the system-level prompt for the session.
	Instructions string

	// InputTranscription requests transcription of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcription of the model's speech.
	OutputTranscription bool
}

// Capabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the PCM16 rate the endpoint expects. Frames at a
	// different rate are resampled by the provider.
	InputSampleRate int

	// OutputSampleRate is the rate of the PCM16 audio in EventAudio.
	OutputSampleRate int

	// MaxSessionDuration is the hard upper bound on session lifetime imposed
	// by the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names available.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one captured frame to the endpoint. Returns an error
	// if the session is closed or the write fails.
	SendAudio(frame audio.Frame) error

	// Events returns the inbound event stream, in arrival order. The channel
	// is closed when the session ends for any reason. After it closes, call
	// [SessionHandle.Err] to learn whether the connection dropped.
	// Consumers must drain this channel promptly to prevent backpressure from
	// stalling the provider's receive loop.
	Events() <-chan Event

	// Err returns the error that caused the Events channel to close, or nil
	// if the session ended because Close was called or the remote closed
	// normally.
	Err() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect dials the endpoint and sends the session setup. The returned
	// handle emits EventOpen once the remote acknowledges.
	//
	// Returns an error if the connection cannot be established (e.g.,
	// authentication failure or ctx already cancelled). The caller owns the
	// SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
