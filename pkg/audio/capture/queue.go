package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/postvoz/pkg/audio"
)

// DefaultQueueDepth bounds the outbound frame queue. At 4096 samples per
// frame and 16 kHz this holds roughly eight seconds of audio.
const DefaultQueueDepth = 32

// ErrQueueClosed is returned by [FrameQueue.Next] once the queue is closed.
var ErrQueueClosed = errors.New("capture: frame queue closed")

// FrameQueue is a bounded FIFO of outbound frames. When full, Push evicts the
// oldest frame so that the producer never blocks and the consumer always
// sees the most recent audio. Frames are delivered in push order.
//
// FrameQueue is safe for concurrent use by one producer and any number of
// consumers.
type FrameQueue struct {
	mu      sync.Mutex
	buf     []audio.Frame
	head    int
	size    int
	dropped uint64
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// NewFrameQueue returns a queue holding at most depth frames. A depth below
// one is treated as [DefaultQueueDepth].
func NewFrameQueue(depth int) *FrameQueue {
	if depth < 1 {
		depth = DefaultQueueDepth
	}
	return &FrameQueue{
		buf:    make([]audio.Frame, depth),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends f. When the queue is full the oldest frame is evicted and
// returned with ok set to true. Pushing to a closed queue is a no-op.
func (q *FrameQueue) Push(f audio.Frame) (evicted audio.Frame, ok bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return audio.Frame{}, false
	}
	if q.size == len(q.buf) {
		evicted = q.buf[q.head]
		q.buf[q.head] = audio.Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		ok = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = f
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted, ok
}

// Next blocks until a frame is available, the queue is closed, or ctx is
// done. Frames still queued when the queue is closed are discarded.
func (q *FrameQueue) Next(ctx context.Context) (audio.Frame, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return audio.Frame{}, ErrQueueClosed
		}
		if q.size > 0 {
			f := q.buf[q.head]
			q.buf[q.head] = audio.Frame{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			q.mu.Unlock()
			return f, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		}
	}
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the maximum number of queued frames.
func (q *FrameQueue) Cap() int { return len(q.buf) }

// Dropped returns how many frames were evicted because the queue was full.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close wakes all waiting consumers and discards queued frames. Calling
// Close more than once is safe.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for i := range q.buf {
		q.buf[i] = audio.Frame{}
	}
	q.size = 0
	close(q.done)
}
