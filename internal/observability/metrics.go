package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics holds all topicmirror Prometheus metrics.
type Metrics struct {
	RecordsConsumed *prometheus.CounterVec
	RecordsProduced *prometheus.CounterVec
	Flushes         *prometheus.CounterVec
	FlushDuration   *prometheus.HistogramVec
	BatchRecords    *prometheus.HistogramVec
	Commits         *prometheus.CounterVec
	HandoffDepth    *prometheus.GaugeVec
	ConsumerLag     *prometheus.GaugeVec
}

// NewMetrics creates and registers all topicmirror metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "topicmirror_records_consumed_total",
			Help: "Records read from the source topic and handed to the writer.",
		}, []string{"topic"}),

		RecordsProduced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "topicmirror_records_produced_total",
			Help: "Records acknowledged by the destination cluster.",
		}, []string{"topic"}),

		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "topicmirror_flushes_total",
			Help: "Batch flushes by outcome.",
		}, []string{"topic", "status"}),

		FlushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "topicmirror_flush_duration_seconds",
			Help:    "Time spent writing one batch to the destination.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),

		BatchRecords: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "topicmirror_batch_records",
			Help:    "Records per flushed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		}, []string{"topic"}),

		Commits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "topicmirror_commits_total",
			Help: "Source offset commits by outcome.",
		}, []string{"topic", "status"}),

		HandoffDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "topicmirror_handoff_depth",
			Help: "Records waiting in the handoff channel.",
		}, []string{"topic"}),

		ConsumerLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "topicmirror_consumer_lag",
			Help: "Consumer lag per source partition.",
		}, []string{"topic", "partition"}),
	}
}

// NopMetrics returns metrics registered on a private registry that is never
// exported.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
