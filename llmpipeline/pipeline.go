package llmpipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloopsh/bloop/ingest"
	"github.com/bloopsh/bloop/observability"
)

// Writer persists a batch of processed traces transactionally: trace
// insert, span inserts, hourly usage upserts, and one FTS row per
// trace.
type Writer interface {
	WriteBatch(ctx context.Context, batch []ingest.ProcessedTrace) error
}

// Config mirrors eventpipeline.Config for the LLM side.
type Config struct {
	ChannelCapacity int
	FlushBatchSize  int
	FlushInterval   time.Duration
	RetryDelay      time.Duration
}

// Worker is the single cooperative LLM pipeline task. Unlike
// eventpipeline, it owns no aggregator — traces need no dedup.
type Worker struct {
	logger  zerolog.Logger
	cfg     Config
	writer  Writer
	metrics *observability.Metrics

	traceCh chan ingest.ProcessedTrace
	done    chan struct{}

	accepted atomic.Int64
	dropped  atomic.Int64
	flushed  atomic.Int64
	errors   atomic.Int64
}

// New builds an LLM pipeline Worker. metrics may be nil.
func New(logger zerolog.Logger, cfg Config, writer Writer, metrics *observability.Metrics) *Worker {
	return &Worker{
		logger:  logger.With().Str("component", "llmpipeline").Logger(),
		cfg:     cfg,
		writer:  writer,
		metrics: metrics,
		traceCh: make(chan ingest.ProcessedTrace, cfg.ChannelCapacity),
		done:    make(chan struct{}),
	}
}

// TryEnqueue offers a stamped trace to the channel without blocking.
func (w *Worker) TryEnqueue(pt ingest.ProcessedTrace) bool {
	select {
	case w.traceCh <- pt:
		w.accepted.Add(1)
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Run is the worker's cooperative loop; see eventpipeline.Worker.Run
// for the identical shape this mirrors.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	buffer := make([]ingest.ProcessedTrace, 0, w.cfg.FlushBatchSize)

	for {
		select {
		case <-ctx.Done():
			if len(buffer) > 0 {
				w.flush(buffer)
			}
			w.drain()
			return

		case tr := <-w.traceCh:
			buffer = append(buffer, tr)
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

func (w *Worker) flush(batch []ingest.ProcessedTrace) {
	if len(batch) == 0 {
		return
	}
	cp := make([]ingest.ProcessedTrace, len(batch))
	copy(cp, batch)

	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.FlushDuration.WithLabelValues("traces").Observe(time.Since(start).Seconds())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.writer.WriteBatch(ctx, cp); err == nil {
		w.flushed.Add(int64(len(cp)))
		return
	} else {
		w.logger.Warn().Err(err).Int("batch_size", len(cp)).Msg("trace flush failed, retrying once")
	}

	time.Sleep(w.cfg.RetryDelay)

	if err := w.writer.WriteBatch(ctx, cp); err == nil {
		w.flushed.Add(int64(len(cp)))
		return
	} else {
		w.errors.Add(1)
		if w.metrics != nil {
			w.metrics.FlushErrors.WithLabelValues("traces").Inc()
		}
		w.logger.Error().Err(err).Int("batch_size", len(cp)).Msg("trace batch dropped after retry")
	}
}

func (w *Worker) drain() {
	batch := make([]ingest.ProcessedTrace, 0, w.cfg.FlushBatchSize)
	for {
		select {
		case tr := <-w.traceCh:
			batch = append(batch, tr)
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

// Stats reports live counters.
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
		BufferLen:   len(w.traceCh),
		BufferCap:   cap(w.traceCh),
	}
}
