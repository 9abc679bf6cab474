package capture_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/postvoz/pkg/audio"
	"github.com/MrWong99/postvoz/pkg/audio/capture"
)

func TestFrameQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := capture.NewFrameQueue(4)
	for i := range 3 {
		if _, evicted := q.Push(audio.Frame{Seq: uint64(i)}); evicted {
			t.Fatalf("push %d: unexpected eviction", i)
		}
	}
	ctx := context.Background()
	for want := range uint64(3) {
		f, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if f.Seq != want {
			t.Errorf("Seq = %d, want %d", f.Seq, want)
		}
	}
}

func TestFrameQueue_DropOldest(t *testing.T) {
	t.Parallel()

	q := capture.NewFrameQueue(2)
	q.Push(audio.Frame{Seq: 0})
	q.Push(audio.Frame{Seq: 1})
	evicted, ok := q.Push(audio.Frame{Seq: 2})
	if !ok {
		t.Fatal("expected eviction when full")
	}
	if evicted.Seq != 0 {
		t.Errorf("evicted Seq = %d, want 0", evicted.Seq)
	}
	if got := q.Dropped(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
	if got := q.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}

	ctx := context.Background()
	for _, want := range []uint64{1, 2} {
		f, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if f.Seq != want {
			t.Errorf("Seq = %d, want %d", f.Seq, want)
		}
	}
}

func TestFrameQueue_NextBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := capture.NewFrameQueue(1)
	got := make(chan audio.Frame, 1)
	go func() {
		f, err := q.Next(context.Background())
		if err == nil {
			got <- f
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(audio.Frame{Seq: 42})

	select {
	case f := <-got:
		if f.Seq != 42 {
			t.Errorf("Seq = %d, want 42", f.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Next")
	}
}

func TestFrameQueue_CloseWakesConsumer(t *testing.T) {
	t.Parallel()

	q := capture.NewFrameQueue(1)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close() // idempotent

	select {
	case err := <-errCh:
		if !errors.Is(err, capture.ErrQueueClosed) {
			t.Errorf("err = %v, want ErrQueueClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Next to return")
	}

	if _, ok := q.Push(audio.Frame{}); ok {
		t.Error("push after close should not evict")
	}
	if q.Len() != 0 {
		t.Errorf("Len after close = %d, want 0", q.Len())
	}
}

func TestFrameQueue_ContextCancel(t *testing.T) {
	t.Parallel()

	q := capture.NewFrameQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestFrameQueue_DefaultDepth(t *testing.T) {
	t.Parallel()

	if got := capture.NewFrameQueue(0).Cap(); got != capture.DefaultQueueDepth {
		t.Errorf("Cap = %d, want %d", got, capture.DefaultQueueDepth)
	}
}
