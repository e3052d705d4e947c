package eventbus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emis",
			Subsystem: "eventbus",
			Name:      "events_published_total",
			Help:      "Events successfully written to the broker, by topic.",
		},
		[]string{"topic"},
	)

	publishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emis",
			Subsystem: "eventbus",
			Name:      "publish_failures_total",
			Help:      "Terminal publish failures after client retries, by topic.",
		},
		[]string{"topic"},
	)

	eventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emis",
			Subsystem: "eventbus",
			Name:      "events_consumed_total",
			Help:      "Records fetched from the broker by topic and outcome.",
		},
		[]string{"topic", "outcome"},
	)

	eventsDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emis",
			Subsystem: "eventbus",
			Name:      "events_dead_lettered_total",
			Help:      "Records routed to a dead-letter topic, by source topic.",
		},
		[]string{"topic"},
	)
)

// registerMetrics registers the bus metrics (idempotent).
func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(eventsPublished, publishFailures, eventsConsumed, eventsDeadLettered)
	})
}
