// Package sink defines the destination client used by the writer loop.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lsm/topicmirror/internal/kafka"
	"github.com/lsm/topicmirror/internal/record"
)

// Sink writes batches to the destination cluster.
type Sink interface {
	// Flush writes every record in one batched request and waits for one
	// confirmation per record. Any failed confirmation fails the whole
	// call. Nothing is retried.
	Flush(ctx context.Context, records []record.Record) error

	// Close performs graceful shutdown.
	Close() error
}

// Acks is the acknowledgement level requested from the destination.
type Acks string

const (
	AcksLeader Acks = "1"
	AcksAll    Acks = "all"
)

// DefaultAckTimeout bounds how long the destination may take to acknowledge a batch.
const DefaultAckTimeout = time.Second

// Config is shared by every destination backend.
type Config struct {
	Cluster    *kafka.ClusterConfig
	Acks       Acks
	AckTimeout time.Duration
	// MaxBatch sizes client-side buffers so one Flush fits one request.
	MaxBatch int
}

// Validate checks the fields every backend needs.
func (c Config) Validate() error {
	var errs []error
	if c.Cluster == nil {
		errs = append(errs, errors.New("cluster config is required"))
	} else if err := c.Cluster.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Acks {
	case AcksLeader, AcksAll:
	default:
		errs = append(errs, fmt.Errorf("unsupported required_acks %q (must be \"1\" or \"all\")", c.Acks))
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, errors.New("ack timeout must be positive"))
	}
	return errors.Join(errs...)
}
