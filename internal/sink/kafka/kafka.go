// Package kafka writes batches to the destination cluster with franz-go.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/topicmirror/internal/kafka"
	"github.com/lsm/topicmirror/internal/record"
	"github.com/lsm/topicmirror/internal/sink"
)

// producer abstracts the kafka client methods used by Sink for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Sink produces batches with a franz-go client.
type Sink struct {
	client producer
	logger *slog.Logger
}

var _ sink.Sink = (*Sink)(nil)

// NewSink creates a new franz-go sink.
func NewSink(cfg sink.Config, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := ProducerOptions(cfg)
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return newSink(client, logger), nil
}

func newSink(client producer, logger *slog.Logger) *Sink {
	return &Sink{client: client, logger: logger}
}

// deliverySlack is added to the ack timeout to bound how long one record may
// wait for delivery, including queueing behind the rest of its batch.
const deliverySlack = 5 * time.Second

// ProducerOptions translates the sink configuration into client options.
// The client never retries: a rejected record fails its ProduceSync call
// at once. Idempotent writes are disabled because the client only fails an
// idempotent record once that is safe, which amounts to retrying.
func ProducerOptions(cfg sink.Config) ([]kgo.Opt, error) {
	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	acks := kgo.AllISRAcks()
	if cfg.Acks == sink.AcksLeader {
		acks = kgo.LeaderAck()
	}
	opts = append(opts,
		kgo.RequiredAcks(acks),
		kgo.DisableIdempotentWrite(),
		kgo.RecordRetries(0),
		kgo.UnknownTopicRetries(0),
		kgo.RecordDeliveryTimeout(cfg.AckTimeout+deliverySlack),
		kgo.ProduceRequestTimeout(cfg.AckTimeout),
		kgo.ProducerLinger(0),
		kgo.AllowAutoTopicCreation(),
	)
	if cfg.MaxBatch > 0 {
		opts = append(opts, kgo.MaxBufferedRecords(cfg.MaxBatch*2))
	}
	return opts, nil
}

// Flush produces every record and waits for all of them to be acknowledged.
func (s *Sink) Flush(ctx context.Context, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	rs := make([]*kgo.Record, len(records))
	for i, r := range records {
		rs[i] = toKgo(r)
	}

	results := s.client.ProduceSync(ctx, rs...)
	if err := results.FirstErr(); err != nil {
		failed := 0
		for _, res := range results {
			if res.Err != nil {
				failed++
			}
		}
		s.logger.Error("batch rejected", "records", len(records), "failed", failed, "error", err)
		return fmt.Errorf("produce %d records (%d failed): %w", len(records), failed, err)
	}
	return nil
}

func toKgo(r record.Record) *kgo.Record {
	kr := &kgo.Record{
		Topic: r.Topic,
		Key:   r.Key,
		Value: r.Value,
	}
	if len(r.Headers) > 0 {
		kr.Headers = make([]kgo.RecordHeader, len(r.Headers))
		for i, h := range r.Headers {
			kr.Headers[i] = kgo.RecordHeader{Key: h.Key, Value: h.Value}
		}
	}
	return kr
}

// Close flushes nothing further and shuts down the client.
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
