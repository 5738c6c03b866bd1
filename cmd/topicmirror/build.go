package main

import (
	"fmt"
	"log/slog"

	"github.com/lsm/topicmirror/internal/config"
	"github.com/lsm/topicmirror/internal/pipeline"
	"github.com/lsm/topicmirror/internal/sink"
	sinkkafka "github.com/lsm/topicmirror/internal/sink/kafka"
	"github.com/lsm/topicmirror/internal/sink/kafkago"
	sinksarama "github.com/lsm/topicmirror/internal/sink/sarama"
	sourcekafka "github.com/lsm/topicmirror/internal/source/kafka"
)

func sourceConfig(cfg *config.Config) sourcekafka.Config {
	return sourcekafka.Config{
		Cluster:          &cfg.Source.ClusterConfig,
		Topic:            cfg.Topic,
		ConsumerGroup:    cfg.Source.GroupID,
		StartOffset:      cfg.Source.AutoOffsetReset,
		EnableAutoCommit: cfg.Source.EnableAutoCommit,
		CommitOnHandoff:  cfg.CommitMode == config.CommitModeHandoff,
		PreserveHeaders:  cfg.Dest.PreserveHeaders,
	}
}

func sinkConfig(cfg *config.Config) sink.Config {
	return sink.Config{
		Cluster:    &cfg.Dest.ClusterConfig,
		Acks:       sink.Acks(cfg.Dest.RequiredAcks),
		AckTimeout: cfg.Dest.AckTimeout,
		MaxBatch:   cfg.Batch.MaxSize,
	}
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Topic:               cfg.Topic,
		CommitMode:          pipeline.CommitMode(cfg.CommitMode),
		BatchSize:           cfg.Batch.MaxSize,
		MaxHold:             cfg.Batch.MaxHold,
		HandoffCapacity:     cfg.Handoff.Capacity,
		MaxRecordsPerSecond: cfg.Dest.MaxRecordsPerSecond,
		DestClient:          cfg.Dest.Client,
	}
}

// newSink builds the destination client named by dst.client.
func newSink(cfg *config.Config, logger *slog.Logger) (sink.Sink, error) {
	sc := sinkConfig(cfg)
	switch cfg.Dest.Client {
	case config.ClientFranz:
		return sinkkafka.NewSink(sc, logger)
	case config.ClientSarama:
		return sinksarama.NewSink(sc, logger)
	case config.ClientKafkaGo:
		return kafkago.NewSink(sc, logger)
	default:
		return nil, fmt.Errorf("unsupported destination client %q", cfg.Dest.Client)
	}
}
