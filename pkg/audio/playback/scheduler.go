// Package playback schedules inbound synthesised audio for gapless, in-order
// output.
//
// The [Scheduler] decodes base64 PCM16 chunks and places each one on the
// output clock at max(next-start, now), then advances next-start by the
// chunk's duration. Chunks therefore never overlap and never start in the
// past. Every scheduled chunk is tracked by id in an arena until its
// completion callback fires, so teardown can release everything in one step.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/postvoz/pkg/audio"
)

var (
	// ErrDecode wraps failures to decode an inbound chunk. Such chunks are
	// dropped and scheduling state is left unchanged.
	ErrDecode = errors.New("playback: malformed audio chunk")

	// ErrClosed is returned by Enqueue after Reset.
	ErrClosed = errors.New("playback: scheduler closed")
)

// Placement describes where a chunk landed on the output clock.
type Placement struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Scheduled    uint64
	DecodeErrors uint64
	// Resyncs counts chunks whose start was pulled forward to the current
	// clock because the previous chunk had already finished.
	Resyncs uint64
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithSampleRate sets the sample rate of inbound chunks. Defaults to
// [audio.PlaybackFormat].
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.sampleRate = rate
		}
	}
}

// WithLogger sets the logger used for dropped chunks. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// ── Scheduler ──────────────────────────────────────────────────────────────────

// Scheduler is safe for concurrent use. Completion callbacks from the output
// context may arrive on any goroutine.
type Scheduler struct {
	out        audio.OutputContext
	sampleRate int
	log        *slog.Logger

	mu        sync.Mutex
	nextStart time.Duration
	handles   map[uint64]Placement
	nextID    uint64
	closed    bool
	stats     Stats
}

// NewScheduler returns a Scheduler that places chunks on out.
func NewScheduler(out audio.OutputContext, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:        out,
		sampleRate: audio.PlaybackFormat.SampleRate,
		log:        slog.Default(),
		handles:    make(map[uint64]Placement),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue decodes chunk and schedules it immediately after everything
// previously scheduled. A malformed chunk is logged and dropped, returning an
// error wrapping [ErrDecode]. A chunk with no samples completes immediately
// and does not move next-start.
func (s *Scheduler) Enqueue(chunk string) (Placement, error) {
	buf, decodeErr := audio.DecodeChunk(chunk, s.sampleRate)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Placement{}, ErrClosed
	}
	if decodeErr != nil {
		s.stats.DecodeErrors++
		s.log.Warn("playback: dropping malformed audio chunk",
			"err", decodeErr,
			"chunk_len", len(chunk),
		)
		return Placement{}, fmt.Errorf("%w: %w", ErrDecode, decodeErr)
	}

	now := s.out.CurrentTime()
	start := max(s.nextStart, now)
	id := s.nextID
	s.nextID++
	p := Placement{ID: id, Start: start, Duration: buf.Duration()}

	if p.Duration == 0 {
		// Registered and completed in one step.
		s.handles[id] = p
		delete(s.handles, id)
		s.stats.Scheduled++
		return p, nil
	}

	s.handles[id] = p
	if err := s.out.Schedule(buf, start, func() { s.ended(id) }); err != nil {
		delete(s.handles, id)
		return Placement{}, fmt.Errorf("playback: schedule chunk: %w", err)
	}
	if now > s.nextStart && s.stats.Scheduled > 0 {
		s.stats.Resyncs++
	}
	s.nextStart = start + p.Duration
	s.stats.Scheduled++
	return p, nil
}

// ended removes a completed chunk from the arena. Callbacks that arrive
// after Reset are ignored.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	delete(s.handles, id)
}

// NextStart returns the clock position at which the next chunk will start
// unless the clock has already passed it.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Active returns the number of chunks scheduled but not yet completed.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Reset empties the arena and rejects further chunks. Stopping the audio
// itself is the output context's job. Idempotent.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	clear(s.handles)
}
