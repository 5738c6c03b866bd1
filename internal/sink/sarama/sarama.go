// Package sarama writes batches to the destination cluster with IBM/sarama.
package sarama

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/lsm/topicmirror/internal/kafka"
	"github.com/lsm/topicmirror/internal/record"
	"github.com/lsm/topicmirror/internal/sink"
)

// readSlack covers the broker's own ack wait plus the response round trip.
const readSlack = 5 * time.Second

// syncProducer is the subset of sarama.SyncProducer used by Sink.
type syncProducer interface {
	SendMessages(msgs []*sarama.ProducerMessage) error
	Close() error
}

// Sink produces batches with a sarama synchronous producer.
type Sink struct {
	producer syncProducer
	logger   *slog.Logger
}

var _ sink.Sink = (*Sink)(nil)

// NewSink creates a new sarama sink.
func NewSink(cfg sink.Config, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	sc, err := ProducerConfig(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Cluster.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("sarama producer: %w", err)
	}
	return newSink(producer, logger), nil
}

func newSink(producer syncProducer, logger *slog.Logger) *Sink {
	return &Sink{producer: producer, logger: logger}
}

// ProducerConfig builds the sarama configuration. Only SASL PLAIN is
// supported; SCRAM needs a client generator sarama does not ship.
func ProducerConfig(cfg sink.Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if cfg.Cluster.ClientID != "" {
		sc.ClientID = cfg.Cluster.ClientID
	}

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Retry.Max = 0
	sc.Producer.Timeout = cfg.AckTimeout
	// SendMessages ignores the pipeline context, so the socket timeouts
	// bound how long an in-flight batch can outlive a cancellation.
	sc.Net.WriteTimeout = cfg.AckTimeout
	sc.Net.ReadTimeout = cfg.AckTimeout + readSlack
	switch cfg.Acks {
	case sink.AcksLeader:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	default:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	}
	if cfg.MaxBatch > 0 {
		sc.ChannelBufferSize = max(sc.ChannelBufferSize, cfg.MaxBatch)
	}

	switch cfg.Cluster.Auth.Mechanism {
	case "":
	case kafka.MechanismPlain:
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User = cfg.Cluster.Auth.Username
		sc.Net.SASL.Password = cfg.Cluster.Auth.Password
	default:
		return nil, fmt.Errorf("sarama client does not support SASL mechanism %q", cfg.Cluster.Auth.Mechanism)
	}

	if cfg.Cluster.TLS.Enabled {
		tlsCfg, err := kafka.BuildTLSConfig(cfg.Cluster.TLS)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tlsCfg
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("sarama config: %w", err)
	}
	return sc, nil
}

// Flush sends every record in one SendMessages call. A send already in
// flight is not interrupted by ctx; it ends within the network timeouts set
// by ProducerConfig.
func (s *Sink) Flush(ctx context.Context, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msgs := make([]*sarama.ProducerMessage, len(records))
	for i, r := range records {
		msgs[i] = toMessage(r)
	}

	err := s.producer.SendMessages(msgs)
	if err == nil {
		return nil
	}

	var perrs sarama.ProducerErrors
	if errors.As(err, &perrs) && len(perrs) > 0 {
		s.logger.Error("batch rejected", "records", len(records), "failed", len(perrs), "error", perrs[0].Err)
		return fmt.Errorf("produce %d records (%d failed): %w", len(records), len(perrs), perrs[0].Err)
	}
	s.logger.Error("batch rejected", "records", len(records), "error", err)
	return fmt.Errorf("produce %d records: %w", len(records), err)
}

func toMessage(r record.Record) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{Topic: r.Topic}
	if r.Key != nil {
		msg.Key = sarama.ByteEncoder(r.Key)
	}
	if r.Value != nil {
		msg.Value = sarama.ByteEncoder(r.Value)
	}
	for _, h := range r.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(h.Key), Value: h.Value})
	}
	return msg
}

// Close shuts down the producer.
func (s *Sink) Close() error {
	return s.producer.Close()
}
