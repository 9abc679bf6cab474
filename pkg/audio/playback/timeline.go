package playback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/postvoz/pkg/audio"
)

var _ audio.OutputContext = (*Timeline)(nil)

// errTimelineClosed is returned by Schedule after Close.
var errTimelineClosed = errors.New("playback: timeline closed")

// Timeline is a software output clock. It mixes scheduled buffers into a
// mono s16le stream served through Read; the clock advances by exactly the
// number of samples read. A device player pulling from Read at its hardware
// rate makes the clock track real time.
type Timeline struct {
	rate int

	mu     sync.Mutex
	pos    int64
	items  []*timelineItem
	closed bool
}

type timelineItem struct {
	start   int64
	samples []float32
	onEnded func()
}

func (it *timelineItem) end() int64 { return it.start + int64(len(it.samples)) }

// NewTimeline returns a Timeline rendering at rate Hz.
func NewTimeline(rate int) *Timeline {
	return &Timeline{rate: rate}
}

// CurrentTime implements [audio.OutputContext].
func (t *Timeline) CurrentTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samplesToDuration(t.pos)
}

// Schedule implements [audio.OutputContext]. A start position already in the
// past is clamped to the current clock.
func (t *Timeline) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) error {
	if buf.SampleRate != t.rate {
		return fmt.Errorf("playback: timeline at %d Hz cannot play %d Hz buffer", t.rate, buf.SampleRate)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTimelineClosed
	}
	start := t.durationToSamples(at)
	if start < t.pos {
		start = t.pos
	}
	t.items = append(t.items, &timelineItem{start: start, samples: buf.Samples, onEnded: onEnded})
	return nil
}

// Read renders the next len(p)/2 samples as s16le. Silence fills any gap.
// After Close it returns io.EOF.
func (t *Timeline) Read(p []byte) (int, error) {
	n := len(p) / 2
	if n == 0 {
		return 0, nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.EOF
	}
	from, to := t.pos, t.pos+int64(n)
	mix := make([]float32, n)
	var done []func()
	kept := t.items[:0]
	for _, it := range t.items {
		lo, hi := max(it.start, from), min(it.end(), to)
		for i := lo; i < hi; i++ {
			mix[i-from] += it.samples[i-it.start]
		}
		if it.end() <= to {
			if it.onEnded != nil {
				done = append(done, it.onEnded)
			}
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(t.items); i++ {
		t.items[i] = nil
	}
	t.items = kept
	t.pos = to
	t.mu.Unlock()

	for i, s := range mix {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(clampInt16(s)))
	}
	for _, fn := range done {
		fn()
	}
	return n * 2, nil
}

// Pending returns the number of buffers that have not finished playing.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Close stops the clock and ends every pending buffer. Idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	items := t.items
	t.items = nil
	t.mu.Unlock()

	for _, it := range items {
		if it.onEnded != nil {
			it.onEnded()
		}
	}
	return nil
}

func (t *Timeline) samplesToDuration(n int64) time.Duration {
	if t.rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(t.rate)
}

// durationToSamples rounds to the nearest sample so that positions derived
// from summed chunk durations land on sample boundaries.
func (t *Timeline) durationToSamples(d time.Duration) int64 {
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}

// clampInt16 converts a mixed sample to int16, saturating at the range limits.
func clampInt16(s float32) int16 {
	v := s * 32768
	switch {
	case v >= 32767:
		return 32767
	case v <= -32768:
		return -32768
	default:
		return int16(v)
	}
}
