package capture

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/postvoz/pkg/audio"
)

// Compile-time assertions.
var (
	_ audio.CaptureOpener = MalgoOpener{}
	_ audio.CaptureDevice = (*malgoDevice)(nil)
)

// MalgoOpener opens microphones through miniaudio.
type MalgoOpener struct {
	// Realtime requests realtime thread priority for the audio thread.
	Realtime bool
}

// OpenCapture initialises a miniaudio context and a capture device in
// 32-bit float format. The device is acquired but not started.
func (o MalgoOpener) OpenCapture(f audio.Format, blockSize int) (audio.CaptureDevice, error) {
	if f.Channels != 1 {
		return nil, fmt.Errorf("capture: malgo: only mono capture is supported, got %s", f)
	}
	if blockSize <= 0 {
		blockSize = audio.DefaultBlockSize
	}

	ctxCfg := malgo.ContextConfig{}
	if o.Realtime {
		ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime
	}
	mctx, err := malgo.InitContext(nil, ctxCfg, func(msg string) {
		slog.Debug("malgo", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("capture: malgo: init context: %w", err)
	}

	d := &malgoDevice{
		ctx:     mctx,
		blocker: newBlocker(blockSize),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInFrames = uint32(blockSize)

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: d.onData,
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("capture: malgo: init device: %w", err)
	}
	d.dev = dev
	return d, nil
}

type malgoDevice struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device

	mu      sync.Mutex
	fn      audio.BlockFunc
	blocker *blocker
	closed  bool
}

// Start registers fn and starts the hardware stream.
func (d *malgoDevice) Start(fn audio.BlockFunc) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("capture: malgo: device closed")
	}
	d.fn = fn
	d.mu.Unlock()

	if err := d.dev.Start(); err != nil {
		return fmt.Errorf("capture: malgo: start: %w", err)
	}
	return nil
}

// onData runs on the miniaudio thread.
func (d *malgoDevice) onData(_, input []byte, _ uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.fn == nil {
		return
	}
	d.blocker.push(bytesToFloat32(input), d.fn)
}

// Close stops the stream and releases the device and context.
func (d *malgoDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	// Stop blocks until the in-flight callback returns, so the lock must not
	// be held here.
	_ = d.dev.Stop()
	d.dev.Uninit()
	err := d.ctx.Uninit()
	d.ctx.Free()
	if err != nil {
		return fmt.Errorf("capture: malgo: uninit context: %w", err)
	}
	return nil
}

func bytesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// blocker re-slices arbitrary device periods into fixed-size blocks.
type blocker struct {
	size    int
	pending []float32
}

func newBlocker(size int) *blocker {
	return &blocker{size: size, pending: make([]float32, 0, size*2)}
}

// push appends samples and emits every complete block in order. Leftover
// samples are kept for the next call.
func (b *blocker) push(samples []float32, emit audio.BlockFunc) {
	b.pending = append(b.pending, samples...)
	n := 0
	for len(b.pending)-n >= b.size {
		emit(b.pending[n : n+b.size])
		n += b.size
	}
	if n > 0 {
		rest := copy(b.pending, b.pending[n:])
		b.pending = b.pending[:rest]
	}
}
