package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/lsm/topicmirror/internal/batch"
	"github.com/lsm/topicmirror/internal/handoff"
	"github.com/lsm/topicmirror/internal/observability"
	"github.com/lsm/topicmirror/internal/record"
	"github.com/lsm/topicmirror/internal/sink"
	"github.com/lsm/topicmirror/internal/tracing"
)

// Committer commits source positions once their records are on the
// destination.
type Committer interface {
	Commit(ctx context.Context, positions []record.Position) error
}

// writer drains the handoff into a batch aggregator and flushes full
// batches to the sink. It owns the aggregator exclusively.
type writer struct {
	topic     string
	client    string
	in        *handoff.Channel
	sink      sink.Sink
	committer Committer // nil unless offsets follow delivery
	limiter   *rate.Limiter
	maxHold   time.Duration
	agg       *batch.Aggregator
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

func newWriter(cfg Config, in *handoff.Channel, sk sink.Sink, committer Committer, logger *slog.Logger, metrics *observability.Metrics, tracer trace.Tracer) *writer {
	w := &writer{
		topic:     cfg.Topic,
		client:    cfg.DestClient,
		in:        in,
		sink:      sk,
		committer: committer,
		maxHold:   cfg.MaxHold,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
	}
	w.agg = batch.New(cfg.BatchSize, w.flush)
	if cfg.MaxRecordsPerSecond > 0 {
		burst := max(cfg.MaxRecordsPerSecond, w.agg.MaxSize())
		w.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRecordsPerSecond), burst)
	}
	return w
}

// run receives records until the handoff is closed, the context ends or a
// flush fails. A closed handoff is a normal stop and any partial batch still
// held is dropped. On return the handoff is abandoned so the reader's next
// send fails instead of blocking.
func (w *writer) run(ctx context.Context) error {
	defer w.in.Abandon()

	w.logger.Info("starting writer", "topic", w.topic, "batch_size", w.agg.MaxSize(), "max_hold", w.maxHold)

	var (
		hold  *time.Timer
		holdC <-chan time.Time
	)
	disarm := func() {
		if hold != nil {
			hold.Stop()
		}
		hold, holdC = nil, nil
	}
	defer disarm()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r, ok := <-w.in.Receive():
			if !ok {
				if n := w.agg.Len(); n > 0 {
					w.logger.Warn("handoff closed, dropping held records", "topic", w.topic, "records", n)
				}
				return nil
			}
			w.metrics.HandoffDepth.WithLabelValues(w.topic).Set(float64(w.in.Len()))
			if err := w.agg.Add(ctx, r); err != nil {
				return err
			}
			switch {
			case w.agg.Len() == 0:
				disarm()
			case w.maxHold > 0 && holdC == nil:
				hold = time.NewTimer(w.maxHold)
				holdC = hold.C
			}

		case <-holdC:
			hold, holdC = nil, nil
			w.logger.Debug("hold time elapsed, flushing partial batch", "topic", w.topic, "records", w.agg.Len())
			if err := w.agg.Flush(ctx); err != nil {
				return err
			}
		}
	}
}

// flush writes one batch and, when offsets follow delivery, commits the
// batch's source positions.
func (w *writer) flush(ctx context.Context, rs []record.Record) error {
	ctx, span := tracing.StartSpan(ctx, w.tracer, tracing.SpanFlush,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(w.topic),
			tracing.RecordCountAttr(len(rs)),
			tracing.DestClientAttr(w.client),
		),
	)
	defer span.End()
	logger := observability.WithTrace(ctx, w.logger)

	if w.limiter != nil {
		if err := w.limiter.WaitN(ctx, len(rs)); err != nil {
			tracing.SetSpanError(span, err)
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	start := time.Now()
	err := w.sink.Flush(ctx, rs)
	w.metrics.FlushDuration.WithLabelValues(w.topic).Observe(time.Since(start).Seconds())
	if err != nil {
		w.metrics.Flushes.WithLabelValues(w.topic, observability.StatusError).Inc()
		tracing.SetSpanError(span, err)
		logger.Error("flush failed", "topic", w.topic, "records", len(rs), "error", err)
		return fmt.Errorf("flush %d records: %w", len(rs), err)
	}
	w.metrics.Flushes.WithLabelValues(w.topic, observability.StatusSuccess).Inc()
	w.metrics.RecordsProduced.WithLabelValues(w.topic).Add(float64(len(rs)))
	w.metrics.BatchRecords.WithLabelValues(w.topic).Observe(float64(len(rs)))

	if w.committer != nil {
		if err := w.committer.Commit(ctx, record.Positions(rs)); err != nil {
			tracing.SetSpanError(span, err)
			logger.Error("commit after flush failed", "topic", w.topic, "error", err)
			return fmt.Errorf("commit after flush: %w", err)
		}
	}

	tracing.SetSpanOK(span)
	logger.Debug("batch flushed", "topic", w.topic, "records", len(rs), "duration", time.Since(start))
	return nil
}
