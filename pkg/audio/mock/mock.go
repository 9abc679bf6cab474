// Package mock provides in-memory mock implementations of the capture and
// output device interfaces in [audio] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.CaptureDevice{}
//	opener := &mock.CaptureOpener{Device: dev}
//	out := &mock.OutputContext{}
//	// ... start the session, then feed audio:
//	dev.Emit(make([]float32, audio.DefaultBlockSize))
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/postvoz/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureOpener = (*CaptureOpener)(nil)
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
	_ audio.OutputOpener  = (*OutputOpener)(nil)
	_ audio.OutputContext = (*OutputContext)(nil)
)

// ─── CaptureOpener ────────────────────────────────────────────────────────────

// CaptureOpener is a mock implementation of [audio.CaptureOpener].
type CaptureOpener struct {
	mu sync.Mutex

	// Device is returned by OpenCapture. A fresh CaptureDevice is created when nil.
	Device *CaptureDevice

	// OpenErr, when non-nil, is returned by OpenCapture.
	OpenErr error

	// Block, if non-nil, makes OpenCapture wait until it is closed.
	Block chan struct{}

	// CallCountOpen records how many times OpenCapture was called.
	CallCountOpen int

	// LastFormat and LastBlockSize record the arguments of the latest call.
	LastFormat    audio.Format
	LastBlockSize int
}

// OpenCapture implements [audio.CaptureOpener].
func (o *CaptureOpener) OpenCapture(f audio.Format, blockSize int) (audio.CaptureDevice, error) {
	o.mu.Lock()
	o.CallCountOpen++
	o.LastFormat = f
	o.LastBlockSize = blockSize
	block := o.Block
	o.mu.Unlock()

	if block != nil {
		<-block
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	if o.Device == nil {
		o.Device = &CaptureDevice{}
	}
	return o.Device, nil
}

// OpenCallCount returns CallCountOpen under the lock.
func (o *CaptureOpener) OpenCallCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountOpen
}

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice]. Tests push
// blocks through it with Emit.
type CaptureDevice struct {
	mu sync.Mutex

	// StartErr, when non-nil, is returned by Start.
	StartErr error

	fn     audio.BlockFunc
	closed bool

	// CallCountStart and CallCountClose record method calls.
	CallCountStart int
	CallCountClose int
}

// Start implements [audio.CaptureDevice].
func (d *CaptureDevice) Start(fn audio.BlockFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartErr != nil {
		return d.StartErr
	}
	d.fn = fn
	return nil
}

// Close implements [audio.CaptureDevice].
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.closed = true
	return nil
}

// Emit delivers one block to the registered callback, as the device's audio
// thread would. It reports false when the device was never started or has
// been closed.
func (d *CaptureDevice) Emit(samples []float32) bool {
	d.mu.Lock()
	fn, closed := d.fn, d.closed
	d.mu.Unlock()
	if fn == nil || closed {
		return false
	}
	fn(samples)
	return true
}

// EmitRaw delivers a block even after Close, simulating a late callback from
// the audio thread racing with shutdown.
func (d *CaptureDevice) EmitRaw(samples []float32) {
	d.mu.Lock()
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

// Started reports whether Start succeeded.
func (d *CaptureDevice) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fn != nil
}

// Closed reports whether Close was called.
func (d *CaptureDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// ─── OutputOpener ─────────────────────────────────────────────────────────────

// OutputOpener is a mock implementation of [audio.OutputOpener].
type OutputOpener struct {
	mu sync.Mutex

	// Output is returned by OpenOutput. A fresh OutputContext is created when nil.
	Output *OutputContext

	// OpenErr, when non-nil, is returned by OpenOutput.
	OpenErr error

	// CallCountOpen records how many times OpenOutput was called.
	CallCountOpen int
}

// OpenOutput implements [audio.OutputOpener].
func (o *OutputOpener) OpenOutput(_ audio.Format) (audio.OutputContext, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountOpen++
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	if o.Output == nil {
		o.Output = &OutputContext{}
	}
	return o.Output, nil
}

// ─── OutputContext ────────────────────────────────────────────────────────────

// Scheduled records one call to [OutputContext.Schedule].
type Scheduled struct {
	Buffer  audio.Buffer
	At      time.Duration
	onEnded func()
	ended   bool
}

// OutputContext is a mock implementation of [audio.OutputContext] with a
// manually driven clock. Playback never completes on its own; tests call
// Finish or FinishAll.
type OutputContext struct {
	mu sync.Mutex

	now       time.Duration
	scheduled []*Scheduled
	closed    bool

	// ScheduleErr, when non-nil, is returned by Schedule.
	ScheduleErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// CurrentTime implements [audio.OutputContext].
func (o *OutputContext) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetTime moves the clock to t.
func (o *OutputContext) SetTime(t time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = t
}

// Schedule implements [audio.OutputContext].
func (o *OutputContext) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return o.ScheduleErr
	}
	o.scheduled = append(o.scheduled, &Scheduled{Buffer: buf, At: at, onEnded: onEnded})
	return nil
}

// Calls returns a snapshot of every scheduled buffer in call order.
func (o *OutputContext) Calls() []Scheduled {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Scheduled, len(o.scheduled))
	for i, s := range o.scheduled {
		out[i] = *s
	}
	return out
}

// Finish completes the i-th scheduled buffer, invoking its callback. Buffers
// that already ended are ignored.
func (o *OutputContext) Finish(i int) {
	o.mu.Lock()
	if i < 0 || i >= len(o.scheduled) || o.scheduled[i].ended {
		o.mu.Unlock()
		return
	}
	s := o.scheduled[i]
	s.ended = true
	o.mu.Unlock()
	if s.onEnded != nil {
		s.onEnded()
	}
}

// FinishAll completes every pending buffer.
func (o *OutputContext) FinishAll() {
	o.mu.Lock()
	n := len(o.scheduled)
	o.mu.Unlock()
	for i := range n {
		o.Finish(i)
	}
}

// Close implements [audio.OutputContext]. Pending buffers are ended.
func (o *OutputContext) Close() error {
	o.mu.Lock()
	o.CallCountClose++
	already := o.closed
	o.closed = true
	o.mu.Unlock()
	if !already {
		o.FinishAll()
	}
	return nil
}

// Closed reports whether Close was called.
func (o *OutputContext) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
