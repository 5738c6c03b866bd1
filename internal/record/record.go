// Package record defines the unit of data moved from the source cluster to
// the destination cluster.
package record

// Header is a single Kafka record header.
type Header struct {
	Key   string
	Value []byte
}

// Position identifies where a record was read from on the source cluster.
type Position struct {
	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
}

// Record is one message in transit. Records are never mutated after the
// source reader creates them.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers []Header // Only populated when header passthrough is enabled

	Source Position
}

// Positions returns the source positions of rs in order.
func Positions(rs []Record) []Position {
	out := make([]Position, len(rs))
	for i, r := range rs {
		out[i] = r.Source
	}
	return out
}
