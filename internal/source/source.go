// Package source defines the reading half of the mirror.
package source

import (
	"context"

	"github.com/lsm/topicmirror/internal/record"
)

// Handoff accepts records for the destination writer. Send blocks while the
// writer is behind and fails once the writer is gone.
type Handoff interface {
	Send(ctx context.Context, r record.Record) error
}

// Source reads records from the source cluster.
type Source interface {
	// Run forwards every consumed record to out until ctx is cancelled or a
	// fatal error occurs. It never returns nil.
	Run(ctx context.Context, out Handoff) error

	// Commit records the given positions as processed on the source
	// cluster. Used when offsets are committed after destination delivery.
	Commit(ctx context.Context, positions []record.Position) error

	// Close performs graceful shutdown.
	Close() error
}
