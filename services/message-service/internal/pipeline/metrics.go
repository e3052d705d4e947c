package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bufferedEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "emis",
		Subsystem: "message_pipeline",
		Name:      "buffered_entries",
		Help:      "Messages waiting in the write-behind buffer.",
	})
	flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emis",
		Subsystem: "message_pipeline",
		Name:      "flushes_total",
		Help:      "Batch flushes by trigger (size, interval, shutdown).",
	}, []string{"trigger"})
	flushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "emis",
		Subsystem: "message_pipeline",
		Name:      "flush_failures_total",
		Help:      "Batches requeued after a transient storage failure.",
	})
	entriesPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "emis",
		Subsystem: "message_pipeline",
		Name:      "entries_persisted_total",
		Help:      "Messages durably stored by the flush.",
	})
	entriesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emis",
		Subsystem: "message_pipeline",
		Name:      "entries_skipped_total",
		Help:      "Buffer entries dropped without persisting, by reason.",
	}, []string{"reason"})
	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "emis",
		Subsystem: "message_pipeline",
		Name:      "flush_duration_seconds",
		Help:      "Wall time of a single batch flush.",
		Buckets:   prometheus.DefBuckets,
	})
)

var metricsOnce sync.Once

func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			bufferedEntries,
			flushes,
			flushFailures,
			entriesPersisted,
			entriesSkipped,
			flushDuration,
		)
	})
}
