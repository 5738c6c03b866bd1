// Package pipeline runs the reader and writer loops of one topic mirror and
// connects them through a bounded handoff.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/lsm/topicmirror/internal/handoff"
	"github.com/lsm/topicmirror/internal/observability"
	"github.com/lsm/topicmirror/internal/sink"
	"github.com/lsm/topicmirror/internal/source"
)

var errReaderStopped = errors.New("reader stopped")

// CommitMode selects when source offsets are committed.
type CommitMode string

const (
	// CommitOnHandoff commits each poll cycle once every record was handed
	// to the writer. Records still held by the writer are lost if the
	// process dies.
	CommitOnHandoff CommitMode = "handoff"
	// CommitOnDelivery commits a batch's positions after the destination
	// acknowledged it.
	CommitOnDelivery CommitMode = "delivered"
)

// Config holds pipeline configuration.
type Config struct {
	Topic               string
	CommitMode          CommitMode
	BatchSize           int
	MaxHold             time.Duration // 0 disables time-based flushing
	HandoffCapacity     int
	MaxRecordsPerSecond int // 0 is unlimited
	DestClient          string
}

// Pipeline orchestrates the source → handoff → batch → sink flow.
type Pipeline struct {
	config  Config
	source  source.Source
	sink    sink.Sink
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// New creates a new Pipeline. Nil logger and metrics fall back to defaults.
func New(cfg Config, src source.Source, sk sink.Sink, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if cfg.CommitMode == "" {
		cfg.CommitMode = CommitOnHandoff
	}
	return &Pipeline{
		config:  cfg,
		source:  src,
		sink:    sk,
		logger:  logger,
		metrics: metrics,
		tracer:  noop.NewTracerProvider().Tracer("pipeline"),
	}
}

// SetTracer sets the tracer used for flush spans.
func (p *Pipeline) SetTracer(tracer trace.Tracer) {
	p.tracer = tracer
}

// Run mirrors records until ctx is cancelled or either loop fails. It never
// returns nil. When the writer fails, its error is returned rather than the
// reader's resulting handoff failure. When the reader stops, the writer's
// context is cancelled and records still buffered or held are dropped.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("starting pipeline",
		"topic", p.config.Topic,
		"commit_mode", p.config.CommitMode,
		"handoff_capacity", p.config.HandoffCapacity,
	)

	ch := handoff.New(p.config.HandoffCapacity)

	var committer Committer
	if p.config.CommitMode == CommitOnDelivery {
		committer = p.source
	}
	w := newWriter(p.config, ch, p.sink, committer, p.logger, p.metrics, p.tracer)

	g, gctx := errgroup.WithContext(ctx)
	wctx, cancelWriter := context.WithCancelCause(gctx)
	defer cancelWriter(nil)
	g.Go(func() error {
		return w.run(wctx)
	})

	readErr := p.source.Run(gctx, ch)
	ch.CloseSend()
	// Once the reader is gone the writer must not outlive it, including a
	// flush still in flight.
	cancelWriter(errReaderStopped)
	writeErr := g.Wait()
	if errors.Is(context.Cause(wctx), errReaderStopped) && errors.Is(writeErr, context.Canceled) {
		writeErr = nil
	}

	if writeErr != nil && ctx.Err() == nil {
		p.logger.Error("writer stopped", "topic", p.config.Topic, "error", writeErr)
		return fmt.Errorf("writer: %w", writeErr)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if readErr == nil {
		readErr = errors.New("stopped without error")
	}
	p.logger.Error("reader stopped", "topic", p.config.Topic, "error", readErr)
	return fmt.Errorf("reader: %w", readErr)
}

// Shutdown performs graceful shutdown of the pipeline components.
// Closes source and sink in order. Returns all errors joined.
func (p *Pipeline) Shutdown(_ context.Context) error {
	p.logger.Info("shutting down pipeline", "topic", p.config.Topic)

	var errs []error
	if err := p.source.Close(); err != nil {
		p.logger.Error("source close error", "topic", p.config.Topic, "error", err)
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}
	if err := p.sink.Close(); err != nil {
		p.logger.Error("sink close error", "topic", p.config.Topic, "error", err)
		errs = append(errs, fmt.Errorf("sink close: %w", err))
	}
	return errors.Join(errs...)
}
