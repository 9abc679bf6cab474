// Package capture implements the outbound audio pipeline: it acquires a
// microphone, encodes each captured block into a base64 PCM16 [audio.Frame],
// and hands frames to a bounded queue drained by the session transport.
//
// Every delivered block produces exactly one frame, in capture order. When
// the transport falls behind, the queue evicts the oldest frame rather than
// growing without bound.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/postvoz/pkg/audio"
)

// ErrStopped is returned when Open or Start is called after Stop.
var ErrStopped = errors.New("capture: pipeline stopped")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithFormat sets the capture format. Defaults to [audio.CaptureFormat].
func WithFormat(f audio.Format) Option {
	return func(p *Pipeline) { p.format = f }
}

// WithBlockSize sets the number of samples per block. Defaults to
// [audio.DefaultBlockSize].
func WithBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithQueueDepth bounds the outbound frame queue.
func WithQueueDepth(n int) Option {
	return func(p *Pipeline) { p.queueDepth = n }
}

// WithOnDrop registers a callback invoked, outside any lock, each time a
// queued frame is evicted to make room for a newer one.
func WithOnDrop(fn func(evicted audio.Frame)) Option {
	return func(p *Pipeline) { p.onDrop = fn }
}

// WithClock overrides the timestamp source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// ── Pipeline ───────────────────────────────────────────────────────────────────

// Pipeline owns one capture device for the lifetime of a session.
//
// Lifecycle: Open acquires the device, Start begins encoding, Stop releases
// everything. Stop may be called at any point, including before Open, and
// more than once.
type Pipeline struct {
	opener     audio.CaptureOpener
	format     audio.Format
	blockSize  int
	queueDepth int
	onDrop     func(audio.Frame)
	now        func() time.Time

	queue *FrameQueue

	mu      sync.Mutex
	dev     audio.CaptureDevice
	seq     uint64
	started bool
	stopped bool
}

// New creates a Pipeline that acquires its device from opener.
func New(opener audio.CaptureOpener, opts ...Option) *Pipeline {
	p := &Pipeline{
		opener:     opener,
		format:     audio.CaptureFormat,
		blockSize:  audio.DefaultBlockSize,
		queueDepth: DefaultQueueDepth,
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.queue = NewFrameQueue(p.queueDepth)
	return p
}

// Open acquires the capture device. No audio is delivered until Start.
func (p *Pipeline) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.dev != nil {
		return nil
	}
	dev, err := p.opener.OpenCapture(p.format, p.blockSize)
	if err != nil {
		return fmt.Errorf("capture: open device: %w", err)
	}
	p.dev = dev
	return nil
}

// Start begins delivering encoded frames to the queue. Open must have
// succeeded first. Calling Start again is a no-op.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.dev == nil {
		return fmt.Errorf("capture: start: device not open")
	}
	if p.started {
		return nil
	}
	if err := p.dev.Start(p.onBlock); err != nil {
		return fmt.Errorf("capture: start device: %w", err)
	}
	p.started = true
	return nil
}

// onBlock encodes one captured block. Blocks arriving after Stop are ignored.
func (p *Pipeline) onBlock(samples []float32) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	f := audio.Frame{
		Seq:        p.seq,
		Data:       audio.EncodeBlock(samples),
		SampleRate: p.format.SampleRate,
		Samples:    len(samples),
		Captured:   p.now(),
	}
	p.seq++
	evicted, dropped := p.queue.Push(f)
	p.mu.Unlock()

	if dropped && p.onDrop != nil {
		p.onDrop(evicted)
	}
}

// Next blocks until the next frame is available, the pipeline is stopped, or
// ctx is done. Returns [ErrQueueClosed] after Stop.
func (p *Pipeline) Next(ctx context.Context) (audio.Frame, error) {
	return p.queue.Next(ctx)
}

// Encoded returns the number of frames produced so far.
func (p *Pipeline) Encoded() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Dropped returns the number of frames evicted from the queue.
func (p *Pipeline) Dropped() uint64 { return p.queue.Dropped() }

// Stop halts encoding, discards queued frames and releases the device.
// Idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	dev := p.dev
	p.dev = nil
	p.mu.Unlock()

	p.queue.Close()
	if dev != nil {
		if err := dev.Close(); err != nil {
			return fmt.Errorf("capture: close device: %w", err)
		}
	}
	return nil
}
