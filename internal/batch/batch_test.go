package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lsm/topicmirror/internal/record"
)

type flushRecorder struct {
	calls [][]string
	err   error
}

func (f *flushRecorder) flush(_ context.Context, rs []record.Record) error {
	if f.err != nil {
		return f.err
	}
	keys := make([]string, len(rs))
	for i, r := range rs {
		keys[i] = string(r.Key)
	}
	f.calls = append(f.calls, keys)
	return nil
}

func rec(i int) record.Record {
	return record.Record{Topic: "orders", Key: []byte(fmt.Sprintf("r%d", i)), Value: []byte("v")}
}

func TestNew_DefaultMaxSize(t *testing.T) {
	a := New(0, func(context.Context, []record.Record) error { return nil })
	if a.MaxSize() != DefaultMaxSize {
		t.Errorf("expected max size %d, got %d", DefaultMaxSize, a.MaxSize())
	}
}

func TestAggregator_FlushesFullBatchesInOrder(t *testing.T) {
	fr := &flushRecorder{}
	a := New(100, fr.flush)
	ctx := context.Background()

	for i := 1; i <= 250; i++ {
		if err := a.Add(ctx, rec(i)); err != nil {
			t.Fatalf("add r%d: %v", i, err)
		}
		if a.Len() > a.MaxSize() {
			t.Fatalf("batch grew past max size: %d", a.Len())
		}
	}

	if len(fr.calls) != 2 {
		t.Fatalf("expected 2 flushes, got %d", len(fr.calls))
	}
	for n, call := range fr.calls {
		if len(call) != 100 {
			t.Fatalf("flush %d: expected 100 records, got %d", n, len(call))
		}
		for i, key := range call {
			want := fmt.Sprintf("r%d", n*100+i+1)
			if key != want {
				t.Fatalf("flush %d record %d: got %s, want %s", n, i, key, want)
			}
		}
	}

	// r201..r250 are held until the threshold is reached again.
	if a.Len() != 50 {
		t.Errorf("expected 50 held records, got %d", a.Len())
	}
	held := a.Records()
	if string(held[0].Key) != "r201" || string(held[49].Key) != "r250" {
		t.Errorf("unexpected held range %s..%s", held[0].Key, held[49].Key)
	}
}

func TestAggregator_EmptyAfterSuccessfulFlush(t *testing.T) {
	fr := &flushRecorder{}
	a := New(3, fr.flush)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := a.Add(ctx, rec(i)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if a.Len() != 0 {
		t.Errorf("expected empty batch after flush, got %d", a.Len())
	}
	if a.Age() != 0 {
		t.Errorf("expected zero age for empty batch, got %v", a.Age())
	}
}

func TestAggregator_FailedFlushKeepsRecords(t *testing.T) {
	flushErr := errors.New("broker unavailable")
	fr := &flushRecorder{err: flushErr}
	a := New(2, fr.flush)
	ctx := context.Background()

	if err := a.Add(ctx, rec(1)); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := a.Add(ctx, rec(2))
	if !errors.Is(err, flushErr) {
		t.Fatalf("expected flush error, got %v", err)
	}
	if a.Len() != 2 {
		t.Errorf("expected batch to be kept intact, got %d records", a.Len())
	}
}

func TestAggregator_ManualFlush(t *testing.T) {
	fr := &flushRecorder{}
	a := New(10, fr.flush)
	ctx := context.Background()

	if err := a.Flush(ctx); err != nil {
		t.Fatalf("flush of empty batch: %v", err)
	}
	if len(fr.calls) != 0 {
		t.Fatalf("empty batch should not be flushed")
	}

	_ = a.Add(ctx, rec(1))
	_ = a.Add(ctx, rec(2))
	if a.Age() <= 0 {
		t.Error("expected positive age for non-empty batch")
	}
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(fr.calls) != 1 || len(fr.calls[0]) != 2 {
		t.Fatalf("expected one flush of 2 records, got %v", fr.calls)
	}
	if a.Len() != 0 {
		t.Errorf("expected empty batch, got %d", a.Len())
	}
}

func TestAggregator_EmptyKeyAndValue(t *testing.T) {
	var got []record.Record
	a := New(1, func(_ context.Context, rs []record.Record) error {
		got = append(got, rs...)
		return nil
	})

	if err := a.Add(context.Background(), record.Record{Topic: "orders"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 flushed record, got %d", len(got))
	}
	if len(got[0].Key) != 0 || len(got[0].Value) != 0 {
		t.Errorf("expected empty key and value, got %q/%q", got[0].Key, got[0].Value)
	}
}
