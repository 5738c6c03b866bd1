// Package kafka implements the source reader on top of a franz-go consumer
// group client.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/topicmirror/internal/kafka"
	"github.com/lsm/topicmirror/internal/observability"
	"github.com/lsm/topicmirror/internal/record"
	"github.com/lsm/topicmirror/internal/source"
	"github.com/lsm/topicmirror/internal/tracing"
)

// Config holds Kafka source configuration.
type Config struct {
	Cluster          *kafka.ClusterConfig // Cluster config with auth/TLS (required)
	Topic            string
	ConsumerGroup    string
	StartOffset      string // "earliest" or "latest"; anything else means latest
	EnableAutoCommit bool   // Accepted for compatibility; commits are always explicit
	CommitOnHandoff  bool   // Commit once per poll cycle after every record was handed off
	PreserveHeaders  bool
}

// consumer abstracts the kafka client methods used by Source for testing.
type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	Close()
}

// Source reads one topic as a member of a consumer group.
type Source struct {
	client          consumer
	topic           string
	group           string
	commitOnHandoff bool
	preserveHeaders bool
	logger          *slog.Logger
	metrics         *observability.Metrics
	tracer          trace.Tracer
}

var _ source.Source = (*Source)(nil)

// NewSource creates a new Kafka source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	offset, known := StartOffset(cfg.StartOffset)
	if !known {
		logger.Warn("unrecognized auto_offset_reset, falling back to latest", "value", cfg.StartOffset)
	}
	if cfg.EnableAutoCommit {
		logger.Warn("enable_auto_commit is ignored; offsets are committed explicitly")
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(offset),
		// Only marked records are ever committed and records are marked
		// only once they may be committed, so background and revoke
		// commits never go past an explicit one.
		kgo.AutoCommitMarks(),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return newSource(client, cfg, logger), nil
}

func newSource(client consumer, cfg Config, logger *slog.Logger) *Source {
	return &Source{
		client:          client,
		topic:           cfg.Topic,
		group:           cfg.ConsumerGroup,
		commitOnHandoff: cfg.CommitOnHandoff,
		preserveHeaders: cfg.PreserveHeaders,
		logger:          logger,
		metrics:         observability.NopMetrics(),
		tracer:          noop.NewTracerProvider().Tracer("kafka-source"),
	}
}

// StartOffset maps an auto_offset_reset value to the fallback offset used
// when the group has no committed position. Only "earliest" starts from the
// beginning; every other value, recognized or not, starts from the end.
func StartOffset(reset string) (offset kgo.Offset, known bool) {
	switch reset {
	case "earliest":
		return kgo.NewOffset().AtStart(), true
	case "latest":
		return kgo.NewOffset().AtEnd(), true
	default:
		return kgo.NewOffset().AtEnd(), false
	}
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// SetMetrics sets the metrics the source reports to.
func (s *Source) SetMetrics(m *observability.Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// Run polls the topic and forwards every record to out. Poll, handoff and
// commit failures are fatal and returned; Run never returns nil.
func (s *Source) Run(ctx context.Context, out source.Handoff) error {
	s.logger.Info("starting kafka consumer", "topic", s.topic, "group", s.group, "commit_on_handoff", s.commitOnHandoff)

	for {
		fetches := s.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetches.IsClientClosed() {
			return fmt.Errorf("poll %s: %w", s.topic, kgo.ErrClientClosed)
		}
		if err := s.fetchErrors(fetches); err != nil {
			return fmt.Errorf("poll %s: %w", s.topic, err)
		}

		if err := s.cycle(ctx, fetches, out); err != nil {
			return err
		}
	}
}

// fetchErrors joins every fetch error. Data loss notifications are only
// logged since the client has already reset the partition.
func (s *Source) fetchErrors(fetches kgo.Fetches) error {
	var errs []error
	for _, fe := range fetches.Errors() {
		var dataLoss *kgo.ErrDataLoss
		if errors.As(fe.Err, &dataLoss) {
			s.logger.Warn("data loss detected", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
			continue
		}
		s.logger.Error("fetch error", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
		errs = append(errs, fmt.Errorf("partition %d: %w", fe.Partition, fe.Err))
	}
	return errors.Join(errs...)
}

// cycle forwards one poll's worth of message sets and, when configured,
// marks and commits them. Nothing is marked unless every record was handed
// off.
func (s *Source) cycle(ctx context.Context, fetches kgo.Fetches, out source.Handoff) error {
	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanPoll,
		trace.WithAttributes(tracing.KafkaTopicAttr(s.topic)),
	)
	defer span.End()

	var consumed []*kgo.Record
	total := 0
	for _, f := range fetches {
		for _, ft := range f.Topics {
			for _, fp := range ft.Partitions {
				if len(fp.Records) == 0 {
					continue
				}
				if err := s.forward(ctx, fp, out); err != nil {
					tracing.SetSpanError(span, err)
					return err
				}
				consumed = append(consumed, fp.Records[len(fp.Records)-1])
				s.observeLag(fp)
				total += len(fp.Records)
			}
		}
	}
	span.SetAttributes(tracing.RecordCountAttr(total))

	if !s.commitOnHandoff || len(consumed) == 0 {
		tracing.SetSpanOK(span)
		return nil
	}
	s.client.MarkCommitRecords(consumed...)
	if err := s.commitMarked(ctx); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	s.logger.Debug("poll cycle committed", "topic", s.topic, "records", total, "partitions", len(consumed))
	return nil
}

// forward hands off every record of one message set in offset order.
func (s *Source) forward(ctx context.Context, fp kgo.FetchPartition, out source.Handoff) error {
	for _, r := range fp.Records {
		if err := out.Send(ctx, s.toRecord(r)); err != nil {
			s.logger.Error("handoff failed", "topic", r.Topic, "partition", r.Partition, "offset", r.Offset, "error", err)
			return fmt.Errorf("handoff %s/%d@%d: %w", r.Topic, r.Partition, r.Offset, err)
		}
	}
	s.metrics.RecordsConsumed.WithLabelValues(s.topic).Add(float64(len(fp.Records)))
	return nil
}

func (s *Source) toRecord(r *kgo.Record) record.Record {
	rec := record.Record{
		Topic: s.topic,
		Key:   r.Key,
		Value: r.Value,
		Source: record.Position{
			Topic:       r.Topic,
			Partition:   r.Partition,
			Offset:      r.Offset,
			LeaderEpoch: r.LeaderEpoch,
		},
	}
	if s.preserveHeaders && len(r.Headers) > 0 {
		rec.Headers = make([]record.Header, len(r.Headers))
		for i, h := range r.Headers {
			rec.Headers[i] = record.Header{Key: h.Key, Value: h.Value}
		}
	}
	return rec
}

func (s *Source) observeLag(fp kgo.FetchPartition) {
	if len(fp.Records) == 0 {
		return
	}
	next := fp.Records[len(fp.Records)-1].Offset + 1
	lag := fp.HighWatermark - next
	if lag < 0 {
		lag = 0
	}
	s.metrics.ConsumerLag.WithLabelValues(s.topic, strconv.Itoa(int(fp.Partition))).Set(float64(lag))
}

// Commit marks the given positions and commits them. The client keeps the
// highest mark per partition and never rewinds.
func (s *Source) Commit(ctx context.Context, positions []record.Position) error {
	if len(positions) == 0 {
		return nil
	}
	rs := make([]*kgo.Record, len(positions))
	for i, p := range positions {
		rs[i] = &kgo.Record{
			Topic:       p.Topic,
			Partition:   p.Partition,
			Offset:      p.Offset,
			LeaderEpoch: p.LeaderEpoch,
		}
	}

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanCommit,
		trace.WithAttributes(tracing.KafkaTopicAttr(s.topic)),
	)
	defer span.End()
	s.client.MarkCommitRecords(rs...)
	if err := s.commitMarked(ctx); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

func (s *Source) commitMarked(ctx context.Context) error {
	if err := s.client.CommitMarkedOffsets(ctx); err != nil {
		s.metrics.Commits.WithLabelValues(s.topic, observability.StatusError).Inc()
		s.logger.Error("commit error", "topic", s.topic, "group", s.group, "error", err)
		return fmt.Errorf("commit %s: %w", s.topic, err)
	}
	s.metrics.Commits.WithLabelValues(s.topic, observability.StatusSuccess).Inc()
	return nil
}

// Close performs graceful shutdown of the Kafka client.
func (s *Source) Close() error {
	s.client.Close()
	return nil
}
