package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"SpotMatch/internal/engine"
	"SpotMatch/internal/observability"
)

// Worker drains the engine output channel and batch-writes to Postgres.
// It flushes when the batch fills or the flush interval expires. Writes
// that fail are retried with exponential backoff until they succeed or
// shutdown forces a final attempt — durable records are never dropped.
// While retries are in progress the service reports degraded health;
// matching continues.
type Worker struct {
	writer        *Writer
	in            <-chan engine.Output
	batchSize     int
	flushInterval time.Duration

	log     zerolog.Logger
	metrics *observability.Metrics
	health  *observability.HealthChecker
}

// NewWorker creates a persistence worker over writer.
func NewWorker(
	writer *Writer,
	in <-chan engine.Output,
	batchSize int,
	flushInterval time.Duration,
	metrics *observability.Metrics,
	health *observability.HealthChecker,
) *Worker {
	return &Worker{
		writer:        writer,
		in:            in,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		log:           observability.NewLogger("persistence"),
		metrics:       metrics,
		health:        health,
	}
}

// Run blocks until ctx is cancelled or the input channel closes, then
// performs a final flush.
func (w *Worker) Run(ctx context.Context) error {
	batch := &Batch{}
	timer := time.NewTimer(w.flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drainRemaining(batch)
			w.finalFlush(batch)
			return ctx.Err()

		case out, ok := <-w.in:
			if !ok {
				w.finalFlush(batch)
				return nil
			}
			if err := batch.Append(out); err != nil {
				w.log.Error().Err(err).
					Str("symbol", out.Symbol).
					Int64("seq", out.Seq).
					Msg("unpersistable output")
				if w.metrics != nil {
					w.metrics.PersistErrors.WithLabelValues("convert").Inc()
				}
				continue
			}
			if batch.Len() >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch.Reset()
				timer.Reset(w.flushInterval)
			}

		case <-timer.C:
			if batch.Len() > 0 {
				w.flushWithRetry(ctx, batch)
				batch.Reset()
			}
			timer.Reset(w.flushInterval)
		}
	}
}

// flushWithRetry writes the batch, retrying with exponential backoff. On
// context cancellation it makes one last attempt with a fresh context so
// the batch survives shutdown.
func (w *Worker) flushWithRetry(ctx context.Context, batch *Batch) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if w.health != nil {
				w.health.SetDegraded(true)
			}
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", batch.Len()).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				w.finalFlush(batch)
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
				if w.health != nil {
					w.health.SetDegraded(false)
				}
			}
			return
		}

		w.log.Error().Err(err).Int("events", batch.Len()).Msg("persistence flush failed")
		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, batch *Batch) error {
	start := time.Now()
	if err := w.writer.WriteBatch(ctx, batch); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(batch.Len()))
		w.metrics.PersistEventsWritten.Add(float64(len(batch.Events)))
		w.metrics.PersistOrdersWritten.Add(float64(len(batch.Orders)))
		w.metrics.PersistTradesWritten.Add(float64(len(batch.Trades)))
		for _, e := range batch.Events {
			w.metrics.PersistLastSeq.WithLabelValues(e.Symbol).Set(float64(e.Seq))
		}
	}
	return nil
}

// drainRemaining pulls whatever is already buffered on the channel so a
// cancel racing the channel close loses nothing.
func (w *Worker) drainRemaining(batch *Batch) {
	for {
		select {
		case out, ok := <-w.in:
			if !ok {
				return
			}
			if err := batch.Append(out); err != nil {
				w.log.Error().Err(err).Int64("seq", out.Seq).Msg("unpersistable output")
			}
		default:
			return
		}
	}
}

// finalFlush makes one attempt with a background context during
// shutdown; failure here is logged and the batch is lost to the DB but
// still recoverable from upstream ingestion on the client side.
func (w *Worker) finalFlush(batch *Batch) {
	if batch.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.flush(ctx, batch); err != nil {
		w.log.Error().Err(err).Int("events", batch.Len()).Msg("final flush failed")
	}
}
