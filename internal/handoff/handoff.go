// Package handoff provides the bounded, ordered conduit between the source
// reader and the destination writer.
package handoff

import (
	"context"
	"errors"
	"sync"

	"github.com/lsm/topicmirror/internal/record"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 1000

// ErrClosed is returned by Send once the receiving side has gone away or the
// sending side has been closed.
var ErrClosed = errors.New("handoff closed")

// Channel is a single-producer, single-consumer FIFO of records. Send blocks
// while the channel is full.
type Channel struct {
	ch chan record.Record

	// abandoned is closed by the receiver when it stops reading.
	abandoned chan struct{}

	closeOnce   sync.Once
	abandonOnce sync.Once
	mu          sync.RWMutex
	closed      bool
}

// New creates a channel holding at most capacity records.
func New(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{
		ch:        make(chan record.Record, capacity),
		abandoned: make(chan struct{}),
	}
}

// Send enqueues r. It fails with ErrClosed when the receiver abandoned the
// channel or CloseSend was called, and with ctx.Err() when ctx ends first.
func (c *Channel) Send(ctx context.Context, r record.Record) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	// Checked first so a full channel cannot win over an abandoned receiver.
	select {
	case <-c.abandoned:
		return ErrClosed
	default:
	}

	select {
	case c.ch <- r:
		return nil
	case <-c.abandoned:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the stream of records. It is closed after CloseSend once
// all buffered records have been read.
func (c *Channel) Receive() <-chan record.Record {
	return c.ch
}

// CloseSend signals that no more records will be sent.
func (c *Channel) CloseSend() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}

// Abandon is called by the receiver when it stops reading. Pending and
// future sends fail with ErrClosed.
func (c *Channel) Abandon() {
	c.abandonOnce.Do(func() { close(c.abandoned) })
}

// Len reports the number of buffered records.
func (c *Channel) Len() int {
	return len(c.ch)
}

// Cap reports the channel capacity.
func (c *Channel) Cap() int {
	return cap(c.ch)
}
