// Package audio defines the audio formats, frame types, PCM codec and device
// abstractions shared by the live conversation pipeline.
//
// Two directions flow through this package:
//
//   - Outbound: a [CaptureDevice] delivers blocks of float samples which are
//     encoded into base64 PCM16 [Frame] values by the capture pipeline.
//   - Inbound: base64 PCM16 chunks from the remote endpoint are decoded into
//     float [Buffer] values and scheduled on an [OutputContext].
//
// Device implementations live in sibling packages (capture, playback) so that
// the core types can be used without cgo.
package audio

import (
	"fmt"
	"time"
)

// DefaultBlockSize is the number of mono samples per captured block.
const DefaultBlockSize = 4096

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	// CaptureFormat is the format of microphone audio sent to the remote endpoint.
	CaptureFormat = Format{SampleRate: 16000, Channels: 1}

	// PlaybackFormat is the format of synthesised audio received from the
	// remote endpoint.
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)

// String returns a human-readable representation, e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// MIMEType returns the MIME type announced for PCM16 audio in this format.
func (f Format) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// Frame is one encoded block of outbound microphone audio.
type Frame struct {
	// Seq is the capture order of the block, starting at zero for each session.
	Seq uint64

	// Data is the base64-encoded little-endian PCM16 payload.
	Data string

	// SampleRate of the encoded samples in Hz.
	SampleRate int

	// Samples is the number of mono samples in the block.
	Samples int

	// Captured marks when the block was delivered by the device.
	Captured time.Time
}

// Buffer is a decoded block of mono float samples ready for playback.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer. A buffer with no
// samples or an invalid sample rate has zero duration.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 || len(b.Samples) == 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
