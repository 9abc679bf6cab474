package audio

import "time"

// BlockFunc receives one block of mono float samples from a capture device.
// The slice is only valid for the duration of the call.
type BlockFunc func(samples []float32)

// CaptureDevice is an acquired microphone. Acquisition happens when the
// device is opened; no blocks are delivered until Start is called.
type CaptureDevice interface {
	// Start begins delivering blocks to fn from the device's audio thread.
	// fn must return quickly.
	Start(fn BlockFunc) error

	// Close stops delivery and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// CaptureOpener acquires capture devices.
type CaptureOpener interface {
	// OpenCapture acquires a capture device delivering blocks of exactly
	// blockSize samples in format f. Errors indicate the device is missing
	// or access was denied.
	OpenCapture(f Format, blockSize int) (CaptureDevice, error)
}

// OutputContext is an audio output with its own monotonically advancing
// clock. Buffers are scheduled at absolute positions on that clock.
type OutputContext interface {
	// CurrentTime reports the output clock.
	CurrentTime() time.Duration

	// Schedule queues buf to start playing at the given clock position.
	// onEnded is invoked exactly once when playback of buf completes or the
	// context is closed. onEnded is never invoked from within Schedule.
	Schedule(buf Buffer, at time.Duration, onEnded func()) error

	// Close stops all playback and releases the output device. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// OutputOpener acquires output contexts.
type OutputOpener interface {
	OpenOutput(f Format) (OutputContext, error)
}
