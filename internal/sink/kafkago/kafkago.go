// Package kafkago writes batches to the destination cluster with
// segmentio/kafka-go.
package kafkago

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	intkafka "github.com/lsm/topicmirror/internal/kafka"
	"github.com/lsm/topicmirror/internal/record"
	"github.com/lsm/topicmirror/internal/sink"
)

// batchTimeout caps how long the writer waits to fill a request once
// WriteMessages has handed it a batch.
const batchTimeout = 10 * time.Millisecond

// messageWriter is the subset of kafka.Writer used by Sink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink produces batches with a kafka-go Writer.
type Sink struct {
	writer messageWriter
	logger *slog.Logger
}

var _ sink.Sink = (*Sink)(nil)

// NewSink creates a new kafka-go sink.
func NewSink(cfg sink.Config, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	w, err := NewWriter(cfg)
	if err != nil {
		return nil, err
	}
	return newSink(w, logger), nil
}

func newSink(w messageWriter, logger *slog.Logger) *Sink {
	return &Sink{writer: w, logger: logger}
}

// NewWriter builds a synchronous kafka.Writer. Messages carry their own
// topic, and keyed messages are placed with murmur2 so partitioning matches
// the Java and franz-go clients.
func NewWriter(cfg sink.Config) (*kafka.Writer, error) {
	transport, err := newTransport(cfg.Cluster)
	if err != nil {
		return nil, err
	}

	acks := kafka.RequireAll
	if cfg.Acks == sink.AcksLeader {
		acks = kafka.RequireOne
	}
	batchSize := cfg.MaxBatch
	if batchSize <= 0 {
		batchSize = 100
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Cluster.Brokers...),
		Balancer:               &kafka.Murmur2Balancer{},
		RequiredAcks:           acks,
		MaxAttempts:            1,
		BatchSize:              batchSize,
		BatchTimeout:           batchTimeout,
		WriteTimeout:           cfg.AckTimeout,
		Transport:              transport,
		AllowAutoTopicCreation: true,
	}, nil
}

func newTransport(cluster *intkafka.ClusterConfig) (*kafka.Transport, error) {
	t := &kafka.Transport{ClientID: cluster.ClientID}

	if cluster.Auth.Mechanism != "" {
		mech, err := mechanism(cluster.Auth)
		if err != nil {
			return nil, fmt.Errorf("sasl config: %w", err)
		}
		t.SASL = mech
	}
	if cluster.TLS.Enabled {
		tlsCfg, err := intkafka.BuildTLSConfig(cluster.TLS)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		t.TLS = tlsCfg
	}
	return t, nil
}

func mechanism(auth intkafka.AuthConfig) (sasl.Mechanism, error) {
	switch auth.Mechanism {
	case intkafka.MechanismPlain:
		return plain.Mechanism{Username: auth.Username, Password: auth.Password}, nil
	case intkafka.MechanismScramSHA256:
		return scram.Mechanism(scram.SHA256, auth.Username, auth.Password)
	case intkafka.MechanismScramSHA512:
		return scram.Mechanism(scram.SHA512, auth.Username, auth.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", auth.Mechanism)
	}
}

// Flush writes every record in one WriteMessages call.
func (s *Sink) Flush(ctx context.Context, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, len(records))
	for i, r := range records {
		msgs[i] = toMessage(r)
	}

	err := s.writer.WriteMessages(ctx, msgs...)
	if err == nil {
		return nil
	}

	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		first := firstError(werrs)
		s.logger.Error("batch rejected", "records", len(records), "failed", werrs.Count(), "error", first)
		return fmt.Errorf("produce %d records (%d failed): %w", len(records), werrs.Count(), first)
	}
	s.logger.Error("batch rejected", "records", len(records), "error", err)
	return fmt.Errorf("produce %d records: %w", len(records), err)
}

func firstError(werrs kafka.WriteErrors) error {
	for _, err := range werrs {
		if err != nil {
			return err
		}
	}
	return werrs
}

func toMessage(r record.Record) kafka.Message {
	msg := kafka.Message{Topic: r.Topic, Key: r.Key, Value: r.Value}
	if len(r.Headers) > 0 {
		msg.Headers = make([]kafka.Header, len(r.Headers))
		for i, h := range r.Headers {
			msg.Headers[i] = kafka.Header{Key: h.Key, Value: h.Value}
		}
	}
	return msg
}

// Close flushes pending writes and closes the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
