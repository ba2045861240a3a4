// Package eventpipeline implements bloop's error-event intake: a
// single long-running, single-threaded cooperative worker that
// batches validated events and flushes them transactionally via
// Writer. Shape — buffer, ticker, size-or-time flush, retry-then-drop,
// drain-on-close.
package eventpipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloopsh/bloop/aggregator"
	"github.com/bloopsh/bloop/ingest"
	"github.com/bloopsh/bloop/observability"
)

// NewFingerprintEvent is emitted the first time a fingerprint is seen
// by the in-memory aggregator — before the event is buffered for
// flush, so it may precede persistence.
type NewFingerprintEvent struct {
	ProjectID   string
	Fingerprint string
	ErrorType   string
	Message     string
	Release     string
	Environment string
}

// Writer persists a batch of processed events transactionally: raw
// insert, aggregate upsert, hourly upsert, and sample reservoir trim
// all in one transaction.
type Writer interface {
	WriteBatch(ctx context.Context, batch []ingest.ProcessedEvent) error
}

// Config controls batching and retry behavior, sourced from
// config.Config's ingest/pipeline fields.
type Config struct {
	ChannelCapacity   int
	FlushBatchSize    int
	FlushInterval     time.Duration
	RetryDelay        time.Duration
}

// Worker is the single cooperative pipeline task owning the event
// channel's receive side.
type Worker struct {
	logger     zerolog.Logger
	cfg        Config
	writer     Writer
	aggregator *aggregator.Aggregator
	metrics    *observability.Metrics

	eventCh chan ingest.ProcessedEvent
	alertCh chan<- NewFingerprintEvent

	done chan struct{}

	accepted atomic.Int64
	dropped  atomic.Int64
	flushed  atomic.Int64
	errors   atomic.Int64
}

// New builds a Worker. alertCh is the streaming alert evaluator's
// inbound channel; the worker try-sends to it and never blocks ingest
// on alert backpressure. metrics may be nil, in which case flush
// duration/error reporting is skipped.
func New(logger zerolog.Logger, cfg Config, writer Writer, agg *aggregator.Aggregator, alertCh chan<- NewFingerprintEvent, metrics *observability.Metrics) *Worker {
	return &Worker{
		logger:     logger.With().Str("component", "eventpipeline").Logger(),
		cfg:        cfg,
		writer:     writer,
		aggregator: agg,
		metrics:    metrics,
		eventCh:    make(chan ingest.ProcessedEvent, cfg.ChannelCapacity),
		alertCh:    alertCh,
		done:       make(chan struct{}),
	}
}

// TryEnqueue offers pe to the channel without blocking. Returns false
// (dropped) if the channel is full. Ingest handlers ACK 200 regardless
// of the return value.
func (w *Worker) TryEnqueue(pe ingest.ProcessedEvent) bool {
	select {
	case w.eventCh <- pe:
		w.accepted.Add(1)
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Run is the worker's cooperative loop. It suspends only at channel
// receive and timer tick, and never holds a transaction across a
// suspension point. Run blocks until ctx is cancelled, at which point
// it drains the buffer, flushes, and returns.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	buffer := make([]ingest.ProcessedEvent, 0, w.cfg.FlushBatchSize)

	for {
		select {
		case <-ctx.Done():
			if len(buffer) > 0 {
				w.flush(buffer)
			}
			w.drain()
			return

		case ev := <-w.eventCh:
			isNew := w.aggregator.Increment(ev.Fingerprint, ev.ReceivedAtMs)
			if isNew {
				w.signalNewFingerprint(ev)
			}
			buffer = append(buffer, ev)
			if len(buffer) >= w.cfg.FlushBatchSize {
				w.flush(buffer)
				buffer = buffer[:0]
			}

		case <-ticker.C:
			if len(buffer) > 0 {
				w.flush(buffer)
				buffer = buffer[:0]
			}
		}
	}
}

// Done is closed once Run has returned after draining.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) signalNewFingerprint(ev ingest.ProcessedEvent) {
	select {
	case w.alertCh <- NewFingerprintEvent{
		ProjectID:   ev.ProjectID,
		Fingerprint: ev.Fingerprint,
		ErrorType:   ev.ErrorType,
		Message:     ev.Message,
		Release:     ev.Release,
		Environment: ev.Environment,
	}:
	default:
		w.logger.Warn().Str("fingerprint", ev.Fingerprint).Msg("new-fingerprint signal dropped: alert channel full")
	}
}

// flush writes batch via Writer, retrying once after RetryDelay on
// failure; a second failure drops the batch with an error log — ingest
// has already ACKed the caller, so there is no user-visible error path.
func (w *Worker) flush(batch []ingest.ProcessedEvent) {
	if len(batch) == 0 {
		return
	}
	cp := make([]ingest.ProcessedEvent, len(batch))
	copy(cp, batch)

	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.FlushDuration.WithLabelValues("events").Observe(time.Since(start).Seconds())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := w.writer.WriteBatch(ctx, cp)
	if err == nil {
		w.flushed.Add(int64(len(cp)))
		return
	}

	w.logger.Warn().Err(err).Int("batch_size", len(cp)).Msg("event flush failed, retrying once")
	time.Sleep(w.cfg.RetryDelay)

	if err := w.writer.WriteBatch(ctx, cp); err == nil {
		w.flushed.Add(int64(len(cp)))
		return
	} else {
		w.errors.Add(1)
		if w.metrics != nil {
			w.metrics.FlushErrors.WithLabelValues("events").Inc()
		}
		w.logger.Error().Err(err).Int("batch_size", len(cp)).Msg("event batch dropped after retry")
	}
}

// drain flushes whatever remains in the channel after ctx cancellation
// as part of graceful shutdown.
func (w *Worker) drain() {
	batch := make([]ingest.ProcessedEvent, 0, w.cfg.FlushBatchSize)
	for {
		select {
		case ev := <-w.eventCh:
			batch = append(batch, ev)
			if len(batch) >= w.cfg.FlushBatchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

// Stats reports live counters for the /health buffer-usage field and
// internal metrics.
type Stats struct {
	Accepted    int64
	Dropped     int64
	Flushed     int64
	FlushErrors int64
	BufferLen   int
	BufferCap   int
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Accepted:    w.accepted.Load(),
		Dropped:     w.dropped.Load(),
		Flushed:     w.flushed.Load(),
		FlushErrors: w.errors.Load(),
		BufferLen:   len(w.eventCh),
		BufferCap:   cap(w.eventCh),
	}
}
