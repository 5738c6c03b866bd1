package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/twmb/franz-go/pkg/kgo"

	intkafka "github.com/lsm/topicmirror/internal/kafka"
	"github.com/lsm/topicmirror/internal/observability"
	"github.com/lsm/topicmirror/internal/record"
)

// --- Mocks ---

// mockConsumer replays scripted polls, then blocks until ctx is cancelled.
// Marks keep the highest offset per partition, like the real client, and
// each commit takes a snapshot of the pending marks.
type mockConsumer struct {
	mu        sync.Mutex
	polls     []kgo.Fetches
	markCalls int
	pending   map[int32]*kgo.Record
	commits   []map[int32]*kgo.Record
	commitErr error
	closed    bool
}

func (m *mockConsumer) PollFetches(ctx context.Context) kgo.Fetches {
	m.mu.Lock()
	if len(m.polls) > 0 {
		f := m.polls[0]
		m.polls = m.polls[1:]
		m.mu.Unlock()
		return f
	}
	m.mu.Unlock()
	<-ctx.Done()
	return fetchErr("", -1, ctx.Err())
}

func (m *mockConsumer) MarkCommitRecords(rs ...*kgo.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markCalls++
	if m.pending == nil {
		m.pending = make(map[int32]*kgo.Record)
	}
	for _, r := range rs {
		if cur, ok := m.pending[r.Partition]; !ok || r.Offset > cur.Offset {
			m.pending[r.Partition] = r
		}
	}
}

func (m *mockConsumer) CommitMarkedOffsets(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.commits = append(m.commits, m.pending)
	m.pending = nil
	return nil
}

func (m *mockConsumer) Close() { m.closed = true }

func (m *mockConsumer) commitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commits)
}

func (m *mockConsumer) marked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markCalls
}

// mockHandoff collects records and fails after failAfter successful sends.
type mockHandoff struct {
	mu        sync.Mutex
	records   []record.Record
	failAfter int
	err       error
}

func (m *mockHandoff) Send(_ context.Context, r record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil && len(m.records) >= m.failAfter {
		return m.err
	}
	m.records = append(m.records, r)
	return nil
}

func (m *mockHandoff) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// --- Helpers ---

func partition(topic string, p int32, hwm int64, offsets ...int64) kgo.FetchPartition {
	fp := kgo.FetchPartition{Partition: p, HighWatermark: hwm}
	for _, o := range offsets {
		fp.Records = append(fp.Records, &kgo.Record{
			Topic:     topic,
			Partition: p,
			Offset:    o,
			Key:       []byte(fmt.Sprintf("k%d-%d", p, o)),
			Value:     []byte(fmt.Sprintf("v%d-%d", p, o)),
		})
	}
	return fp
}

func poll(topic string, parts ...kgo.FetchPartition) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{Topic: topic, Partitions: parts}}}}
}

func fetchErr(topic string, p int32, err error) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{Topic: topic, Partitions: []kgo.FetchPartition{{Partition: p, Err: err}}}}}}
}

func testSource(mc *mockConsumer, commitOnHandoff bool) *Source {
	return newSource(mc, Config{
		Topic:           "orders",
		ConsumerGroup:   "mirror",
		CommitOnHandoff: commitOnHandoff,
	}, slog.Default())
}

// runUntilIdle runs the source until its scripted polls are consumed.
func runUntilIdle(t *testing.T, s *Source, h *mockHandoff, want int) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, h) }()

	deadline := time.After(2 * time.Second)
	for h.count() < want {
		select {
		case err := <-done:
			return err
		case <-deadline:
			t.Fatalf("timed out waiting for %d records, got %d", want, h.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
	// Let the cycle's commit happen before cancelling.
	time.Sleep(20 * time.Millisecond)
	cancel()
	return <-done
}

// --- Tests ---

func TestNewSource_MissingCluster(t *testing.T) {
	_, err := NewSource(Config{Topic: "test", ConsumerGroup: "test-group"}, nil)
	if err == nil {
		t.Fatal("expected error for missing cluster")
	}
}

func TestNewSource_MissingTopic(t *testing.T) {
	_, err := NewSource(Config{
		Cluster:       &intkafka.ClusterConfig{Brokers: []string{"localhost:9092"}},
		ConsumerGroup: "test-group",
	}, nil)
	if err == nil {
		t.Fatal("expected error for missing topic")
	}
}

func TestNewSource_MissingConsumerGroup(t *testing.T) {
	_, err := NewSource(Config{
		Cluster: &intkafka.ClusterConfig{Brokers: []string{"localhost:9092"}},
		Topic:   "test",
	}, nil)
	if err == nil {
		t.Fatal("expected error for missing consumer group")
	}
}

func TestNewSource_ValidConfig(t *testing.T) {
	s, err := NewSource(Config{
		Cluster:       &intkafka.ClusterConfig{Brokers: []string{"localhost:9092"}},
		Topic:         "test-topic",
		ConsumerGroup: "test-group",
		StartOffset:   "earliest",
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Close() }()

	if s.topic != "test-topic" {
		t.Errorf("expected topic test-topic, got %s", s.topic)
	}
	cl, ok := s.client.(*kgo.Client)
	if !ok {
		t.Fatalf("expected *kgo.Client, got %T", s.client)
	}
	if got := cl.OptValue(kgo.AutoCommitMarks); got != true {
		t.Errorf("AutoCommitMarks = %v, want true", got)
	}
}

func TestStartOffset(t *testing.T) {
	tests := []struct {
		input     string
		want      kgo.Offset
		wantKnown bool
	}{
		{"earliest", kgo.NewOffset().AtStart(), true},
		{"latest", kgo.NewOffset().AtEnd(), true},
		{"", kgo.NewOffset().AtEnd(), false},
		{"smallest", kgo.NewOffset().AtEnd(), false},
		{"EARLIEST", kgo.NewOffset().AtEnd(), false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, known := StartOffset(tt.input)
			if known != tt.wantKnown {
				t.Errorf("StartOffset(%q) known = %v, want %v", tt.input, known, tt.wantKnown)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("StartOffset(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestSource_ForwardsInOrderAndCommitsPerPoll(t *testing.T) {
	mc := &mockConsumer{polls: []kgo.Fetches{
		poll("orders", partition("orders", 0, 10, 0, 1, 2), partition("orders", 1, 5, 3, 4)),
		poll("orders", partition("orders", 0, 10, 3)),
	}}
	h := &mockHandoff{}
	s := testSource(mc, true)

	err := runUntilIdle(t, s, h, 6)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	wantKeys := []string{"k0-0", "k0-1", "k0-2", "k1-3", "k1-4", "k0-3"}
	if len(h.records) != len(wantKeys) {
		t.Fatalf("expected %d records, got %d", len(wantKeys), len(h.records))
	}
	for i, k := range wantKeys {
		if string(h.records[i].Key) != k {
			t.Errorf("record %d: got key %s, want %s", i, h.records[i].Key, k)
		}
		if h.records[i].Topic != "orders" {
			t.Errorf("record %d: got topic %s", i, h.records[i].Topic)
		}
	}

	if mc.commitCount() != 2 {
		t.Fatalf("expected one commit per poll (2), got %d", mc.commitCount())
	}
	if mc.marked() != 2 {
		t.Errorf("expected one mark call per poll (2), got %d", mc.marked())
	}
	first := mc.commits[0]
	if len(first) != 2 {
		t.Fatalf("expected first commit to cover 2 partitions, got %d", len(first))
	}
	if first[0].Offset != 2 {
		t.Errorf("partition 0 marked at %d, want 2", first[0].Offset)
	}
	if first[1].Offset != 4 {
		t.Errorf("partition 1 marked at %d, want 4", first[1].Offset)
	}
	if second := mc.commits[1]; len(second) != 1 || second[0].Offset != 3 {
		t.Errorf("second commit: got %v, want partition 0 at 3", second)
	}
}

func TestSource_UsesConfiguredTopicName(t *testing.T) {
	mc := &mockConsumer{polls: []kgo.Fetches{
		poll("orders-v2", partition("orders-v2", 0, 1, 0)),
	}}
	h := &mockHandoff{}
	s := newSource(mc, Config{Topic: "orders-v2", ConsumerGroup: "mirror"}, slog.Default())

	_ = runUntilIdle(t, s, h, 1)

	if h.records[0].Topic != "orders-v2" {
		t.Errorf("expected topic orders-v2, got %s", h.records[0].Topic)
	}
	if h.records[0].Source.Topic != "orders-v2" || h.records[0].Source.Offset != 0 {
		t.Errorf("unexpected source position %+v", h.records[0].Source)
	}
}

func TestSource_HandoffFailureSkipsCommit(t *testing.T) {
	mc := &mockConsumer{polls: []kgo.Fetches{
		poll("orders", partition("orders", 0, 10, 0, 1, 2, 3)),
	}}
	handoffErr := errors.New("handoff closed")
	h := &mockHandoff{failAfter: 2, err: handoffErr}
	s := testSource(mc, true)

	err := s.Run(context.Background(), h)
	if !errors.Is(err, handoffErr) {
		t.Fatalf("expected handoff error, got %v", err)
	}
	if h.count() != 2 {
		t.Errorf("expected 2 forwarded records, got %d", h.count())
	}
	if mc.commitCount() != 0 {
		t.Errorf("expected no commit after failed handoff, got %d", mc.commitCount())
	}
	if mc.marked() != 0 {
		t.Errorf("expected nothing marked after failed handoff, got %d mark calls", mc.marked())
	}
}

// A partition that was fully handed off must not be marked when a later
// partition of the same poll fails, since the client may commit marks on
// its own.
func TestSource_PartialCycleMarksNothing(t *testing.T) {
	mc := &mockConsumer{polls: []kgo.Fetches{
		poll("orders", partition("orders", 0, 10, 0, 1), partition("orders", 1, 10, 0, 1)),
	}}
	handoffErr := errors.New("handoff closed")
	h := &mockHandoff{failAfter: 3, err: handoffErr}
	s := testSource(mc, true)

	if err := s.Run(context.Background(), h); !errors.Is(err, handoffErr) {
		t.Fatalf("expected handoff error, got %v", err)
	}
	if mc.marked() != 0 || len(mc.pending) != 0 {
		t.Errorf("expected no marks, got %d calls pending %v", mc.marked(), mc.pending)
	}
}

func TestSource_PollErrorIsFatal(t *testing.T) {
	brokerErr := errors.New("not authorized")
	mc := &mockConsumer{polls: []kgo.Fetches{fetchErr("orders", 0, brokerErr)}}
	h := &mockHandoff{}
	s := testSource(mc, true)

	err := s.Run(context.Background(), h)
	if !errors.Is(err, brokerErr) {
		t.Fatalf("expected poll error, got %v", err)
	}
	if h.count() != 0 {
		t.Errorf("expected no records, got %d", h.count())
	}
}

func TestSource_DataLossIsNotFatal(t *testing.T) {
	mc := &mockConsumer{polls: []kgo.Fetches{
		fetchErr("orders", 0, &kgo.ErrDataLoss{Topic: "orders", Partition: 0, ConsumedTo: 10, ResetTo: 5}),
		poll("orders", partition("orders", 0, 10, 5)),
	}}
	h := &mockHandoff{}
	s := testSource(mc, true)

	err := runUntilIdle(t, s, h, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.count() != 1 {
		t.Errorf("expected 1 record after data loss, got %d", h.count())
	}
}

func TestSource_CommitErrorIsFatal(t *testing.T) {
	commitErr := errors.New("rebalance in progress")
	mc := &mockConsumer{
		polls:     []kgo.Fetches{poll("orders", partition("orders", 0, 1, 0))},
		commitErr: commitErr,
	}
	h := &mockHandoff{}
	s := testSource(mc, true)

	err := s.Run(context.Background(), h)
	if !errors.Is(err, commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}
}

func TestSource_EmptyPollSkipsCommit(t *testing.T) {
	mc := &mockConsumer{polls: []kgo.Fetches{
		poll("orders", partition("orders", 0, 0)),
		poll("orders", partition("orders", 0, 1, 0)),
	}}
	h := &mockHandoff{}
	s := testSource(mc, true)

	_ = runUntilIdle(t, s, h, 1)
	if mc.commitCount() != 1 {
		t.Errorf("expected 1 commit, got %d", mc.commitCount())
	}
}

func TestSource_DeliveredModeDoesNotCommit(t *testing.T) {
	mc := &mockConsumer{polls: []kgo.Fetches{
		poll("orders", partition("orders", 0, 3, 0, 1, 2)),
	}}
	h := &mockHandoff{}
	s := testSource(mc, false)

	_ = runUntilIdle(t, s, h, 3)
	if mc.commitCount() != 0 || mc.marked() != 0 {
		t.Errorf("expected no marks or commits from the poll loop, got %d/%d", mc.marked(), mc.commitCount())
	}
}

func TestSource_Commit(t *testing.T) {
	mc := &mockConsumer{}
	s := testSource(mc, false)

	err := s.Commit(context.Background(), []record.Position{
		{Topic: "orders", Partition: 0, Offset: 1, LeaderEpoch: 3},
		{Topic: "orders", Partition: 0, Offset: 2, LeaderEpoch: 3},
		{Topic: "orders", Partition: 2, Offset: 7, LeaderEpoch: 1},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if mc.commitCount() != 1 {
		t.Fatalf("expected 1 commit, got %d", mc.commitCount())
	}
	rs := mc.commits[0]
	if len(rs) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(rs))
	}
	if rs[0].Offset != 2 || rs[0].LeaderEpoch != 3 {
		t.Errorf("partition 0: got offset %d epoch %d", rs[0].Offset, rs[0].LeaderEpoch)
	}
	if rs[2].Offset != 7 || rs[2].LeaderEpoch != 1 {
		t.Errorf("partition 2: got %+v", rs[2])
	}

	if err := s.Commit(context.Background(), nil); err != nil {
		t.Fatalf("empty commit: %v", err)
	}
	if mc.commitCount() != 1 || mc.marked() != 1 {
		t.Errorf("empty commit should not reach the cluster")
	}
}

func TestSource_PreserveHeaders(t *testing.T) {
	fp := partition("orders", 0, 1, 0)
	fp.Records[0].Headers = []kgo.RecordHeader{{Key: "trace", Value: []byte("abc")}}

	for _, preserve := range []bool{true, false} {
		t.Run(fmt.Sprintf("preserve=%v", preserve), func(t *testing.T) {
			s := newSource(&mockConsumer{}, Config{Topic: "orders", PreserveHeaders: preserve}, slog.Default())
			rec := s.toRecord(fp.Records[0])
			if preserve && (len(rec.Headers) != 1 || rec.Headers[0].Key != "trace") {
				t.Errorf("expected header to be preserved, got %+v", rec.Headers)
			}
			if !preserve && len(rec.Headers) != 0 {
				t.Errorf("expected headers to be dropped, got %+v", rec.Headers)
			}
		})
	}
}

func TestSource_EmptyKeyAndValue(t *testing.T) {
	s := testSource(&mockConsumer{}, true)
	rec := s.toRecord(&kgo.Record{Topic: "orders", Partition: 0, Offset: 9})
	if len(rec.Key) != 0 || len(rec.Value) != 0 {
		t.Errorf("expected empty key/value, got %q/%q", rec.Key, rec.Value)
	}
}

func TestSource_Metrics(t *testing.T) {
	mc := &mockConsumer{polls: []kgo.Fetches{
		poll("orders", partition("orders", 0, 10, 0, 1, 2)),
	}}
	h := &mockHandoff{}
	s := testSource(mc, true)
	m := observability.NewMetrics(prometheus.NewRegistry())
	s.SetMetrics(m)

	_ = runUntilIdle(t, s, h, 3)

	if got := testutil.ToFloat64(m.RecordsConsumed.WithLabelValues("orders")); got != 3 {
		t.Errorf("records consumed = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.ConsumerLag.WithLabelValues("orders", "0")); got != 7 {
		t.Errorf("consumer lag = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.Commits.WithLabelValues("orders", observability.StatusSuccess)); got != 1 {
		t.Errorf("successful commits = %v, want 1", got)
	}
}

func TestSource_Close(t *testing.T) {
	mc := &mockConsumer{}
	s := testSource(mc, true)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !mc.closed {
		t.Error("expected client to be closed")
	}
}
