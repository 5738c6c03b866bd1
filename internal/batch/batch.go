// Package batch accumulates records and hands them to a flush function once
// a size threshold is reached.
package batch

import (
	"context"
	"time"

	"github.com/lsm/topicmirror/internal/record"
)

// DefaultMaxSize is the flush threshold used when none is configured.
const DefaultMaxSize = 100

// FlushFunc writes rs to the destination as a single unit. It must not
// retain rs after returning.
type FlushFunc func(ctx context.Context, rs []record.Record) error

// Aggregator holds records until MaxSize of them are present and then
// flushes them in insertion order. It is not safe for concurrent use.
type Aggregator struct {
	maxSize int
	flush   FlushFunc
	records []record.Record
	since   time.Time // when the oldest held record was added
}

// New creates an aggregator. A non-positive maxSize selects DefaultMaxSize.
func New(maxSize int, flush FlushFunc) *Aggregator {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Aggregator{
		maxSize: maxSize,
		flush:   flush,
		records: make([]record.Record, 0, maxSize),
	}
}

// Add appends r and flushes when the threshold is reached.
func (a *Aggregator) Add(ctx context.Context, r record.Record) error {
	if len(a.records) == 0 {
		a.since = time.Now()
	}
	a.records = append(a.records, r)
	if len(a.records) >= a.maxSize {
		return a.Flush(ctx)
	}
	return nil
}

// Flush writes every held record. The batch is cleared only when the flush
// succeeds; on error the records stay in place and the error is returned
// as-is.
func (a *Aggregator) Flush(ctx context.Context) error {
	if len(a.records) == 0 {
		return nil
	}
	if err := a.flush(ctx, a.records); err != nil {
		return err
	}
	clear(a.records)
	a.records = a.records[:0]
	a.since = time.Time{}
	return nil
}

// Len returns the number of held records.
func (a *Aggregator) Len() int {
	return len(a.records)
}

// MaxSize returns the flush threshold.
func (a *Aggregator) MaxSize() int {
	return a.maxSize
}

// Age reports how long the oldest held record has been waiting. It is zero
// for an empty batch.
func (a *Aggregator) Age() time.Duration {
	if len(a.records) == 0 {
		return 0
	}
	return time.Since(a.since)
}

// Records returns a copy of the held records.
func (a *Aggregator) Records() []record.Record {
	out := make([]record.Record, len(a.records))
	copy(out, a.records)
	return out
}
