package eventpipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloopsh/bloop/aggregator"
	"github.com/bloopsh/bloop/ingest"
)

type fakeWriter struct {
	mu       sync.Mutex
	calls    int
	failN    int // fail the first failN calls
	received [][]ingest.ProcessedEvent
}

func (f *fakeWriter) WriteBatch(_ context.Context, batch []ingest.ProcessedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return errors.New("simulated flush failure")
	}
	cp := make([]ingest.ProcessedEvent, len(batch))
	copy(cp, batch)
	f.received = append(f.received, cp)
	return nil
}

func (f *fakeWriter) totalWritten() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.received {
		n += len(b)
	}
	return n
}

func testWorker(w Writer, capacity, batchSize int) *Worker {
	cfg := Config{
		ChannelCapacity: capacity,
		FlushBatchSize:  batchSize,
		FlushInterval:   20 * time.Millisecond,
		RetryDelay:      5 * time.Millisecond,
	}
	alertCh := make(chan NewFingerprintEvent, 10)
	return New(zerolog.Nop(), cfg, w, aggregator.New(), alertCh, nil)
}

// TestTryEnqueueBackpressure: once the channel is full,
// TryEnqueue reports false rather than blocking.
func TestTryEnqueueBackpressure(t *testing.T) {
	fw := &fakeWriter{}
	w := testWorker(fw, 2, 100)

	ev := ingest.ProcessedEvent{Fingerprint: "fp1"}
	if !w.TryEnqueue(ev) {
		t.Fatal("expected first enqueue to succeed")
	}
	if !w.TryEnqueue(ev) {
		t.Fatal("expected second enqueue to succeed (capacity 2)")
	}
	if w.TryEnqueue(ev) {
		t.Fatal("expected third enqueue to be dropped once channel is full")
	}
	stats := w.Stats()
	if stats.Dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", stats.Dropped)
	}
}

// TestRunFlushesOnBatchSize covers the size-triggered flush path.
func TestRunFlushesOnBatchSize(t *testing.T) {
	fw := &fakeWriter{}
	w := testWorker(fw, 100, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		w.TryEnqueue(ingest.ProcessedEvent{Fingerprint: "fp1"})
	}

	waitFor(t, func() bool { return fw.totalWritten() == 3 })

	cancel()
	<-done
}

// TestRunRetriesOnceThenDrops exercises the worker's exactly-one-retry
// semantics: a failing writer is retried once after RetryDelay, and a
// second consecutive failure drops the batch instead of retrying again.
func TestRunRetriesOnceThenDrops(t *testing.T) {
	fw := &fakeWriter{failN: 2} // both the first attempt and its retry fail
	w := testWorker(fw, 100, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.TryEnqueue(ingest.ProcessedEvent{Fingerprint: "fp1"})

	waitFor(t, func() bool { return fw.calls == 2 })

	cancel()
	<-done

	if fw.calls != 2 {
		t.Fatalf("expected exactly 2 write attempts (1 + 1 retry), got %d", fw.calls)
	}
	if w.Stats().FlushErrors != 1 {
		t.Fatalf("expected 1 recorded flush error, got %d", w.Stats().FlushErrors)
	}
}

// TestRunDrainsOnShutdown covers the graceful-shutdown drain path: any
// buffered events not yet flushed are flushed before Run returns.
func TestRunDrainsOnShutdown(t *testing.T) {
	fw := &fakeWriter{}
	w := testWorker(fw, 100, 1000) // large batch size so nothing auto-flushes

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		w.TryEnqueue(ingest.ProcessedEvent{Fingerprint: "fp1"})
	}
	// Give the loop a moment to pull events into its buffer before we
	// cancel, so the shutdown flush of that buffer is exercised.
	time.Sleep(10 * time.Millisecond)

	cancel()
	<-done

	if fw.totalWritten() != 5 {
		t.Fatalf("expected all 5 events flushed on shutdown drain, got %d", fw.totalWritten())
	}
}

// TestRunSignalsNewFingerprintOnce covers aggregator integration: the
// alert channel receives exactly one NewFingerprintEvent per distinct
// fingerprint, not one per occurrence.
func TestRunSignalsNewFingerprintOnce(t *testing.T) {
	fw := &fakeWriter{}
	w := testWorker(fw, 100, 100)

	var signals int32
	go func() {
		for range w.alertCh {
			atomic.AddInt32(&signals, 1)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		w.TryEnqueue(ingest.ProcessedEvent{Fingerprint: "fp1"})
	}
	w.TryEnqueue(ingest.ProcessedEvent{Fingerprint: "fp2"})

	waitFor(t, func() bool { return atomic.LoadInt32(&signals) == 2 })

	cancel()
	<-done
	close(w.alertCh)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
