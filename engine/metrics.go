package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's prometheus collectors, exposed by the local API
// server.
type Metrics struct {
	Iterations     prometheus.Counter
	ItemsSynced    *prometheus.CounterVec
	ItemsFailed    *prometheus.CounterVec
	ItemsDetected  *prometheus.CounterVec
	SourceErrors   *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	SyncDuration   prometheus.Histogram
	ConnectionDown prometheus.Gauge
}

// NewMetrics creates the engine metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Iterations: factory.NewCounter(prometheus.CounterOpts{
			Name: "sync_iterations_total",
			Help: "Number of completed sync loop iterations.",
		}),
		ItemsSynced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_items_synced_total",
			Help: "Datasets synchronized successfully.",
		}, []string{"source"}),
		ItemsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_items_failed_total",
			Help: "Dataset synchronization attempts that failed.",
		}, []string{"source"}),
		ItemsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_items_detected_total",
			Help: "Datasets detected and enqueued.",
		}, []string{"source"}),
		SourceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_source_errors_total",
			Help: "Iteration-level errors per source.",
		}, []string{"source"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Unsynchronized items per source.",
		}, []string{"source"}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_dataset_duration_seconds",
			Help:    "Wall time of single dataset synchronizations.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ConnectionDown: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sync_connection_down",
			Help: "1 while the server is unreachable.",
		}),
	}
}
