package sidefx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tradewell/escrowd/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueueRunsJobs(t *testing.T) {
	q := NewQueue(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)
	defer q.Stop()

	done := make(chan struct{})
	ok := q.Enqueue("test", func(ctx context.Context) error {
		close(done)
		return nil
	})
	if !ok {
		t.Fatal("enqueue refused")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestQueueRetriesTransientFailure(t *testing.T) {
	q := NewQueue(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)
	defer q.Stop()

	var attempts int32
	done := make(chan struct{})
	q.Enqueue("flaky", func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never succeeded")
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestQueuePermanentFailureNotRetried(t *testing.T) {
	q := NewQueue(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	var attempts int32
	q.Enqueue("broken", func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return retry.Permanent(errors.New("bad input"))
	})

	q.Stop()
	// Give the dropped counter path no chance to race: worker is stopped.
	if got := atomic.LoadInt32(&attempts); got > 1 {
		t.Errorf("attempts = %d, want at most 1", got)
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(testLogger())
	// Worker intentionally not started, so the buffer fills.

	block := func(ctx context.Context) error { return nil }
	for i := 0; i < DefaultQueueSize; i++ {
		if !q.Enqueue("fill", block) {
			t.Fatalf("enqueue %d refused before capacity", i)
		}
	}
	if q.Enqueue("overflow", block) {
		t.Error("expected drop when queue is full")
	}
}

func TestQueueStopIsIdempotent(t *testing.T) {
	q := NewQueue(testLogger())
	go q.Start(context.Background())

	q.Stop()
	q.Stop()
}
