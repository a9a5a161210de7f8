// Package metrics defines the Prometheus collectors exported by the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "twinmesh"

// Search results.
const (
	SearchComplete = "complete"
	SearchExpired  = "expired"
	SearchFailed   = "failed"
)

// Publish item statuses.
const (
	PublishSucceeded = "succeeded"
	PublishFailed    = "failed"
	PublishSkipped   = "skipped"
)

// Metrics groups the engine collectors. The zero value is not usable; use New.
type Metrics struct {
	Searches        *prometheus.CounterVec
	SearchMatches   prometheus.Counter
	FeedRecords     prometheus.Counter
	Resubscribes    prometheus.Counter
	SessionFailures prometheus.Counter
	ActiveSessions  prometheus.Gauge
	PublishItems    *prometheus.CounterVec
	PublishDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil registerer leaves
// them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Searches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "total",
			Help:      "Searches executed, by result.",
		}, []string{"result"}),
		SearchMatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "matches_total",
			Help:      "Twins returned by searches.",
		}),
		FeedRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "follow",
			Name:      "records_total",
			Help:      "Feed samples received on follow sessions.",
		}),
		Resubscribes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "follow",
			Name:      "resubscribes_total",
			Help:      "Follow streams re-issued after authentication expiry.",
		}),
		SessionFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "follow",
			Name:      "session_failures_total",
			Help:      "Follow sessions ended by a terminal error.",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "follow",
			Name:      "active_sessions",
			Help:      "Follow sessions currently subscribed or streaming.",
		}),
		PublishItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "items_total",
			Help:      "Feed samples handled by publish batches, by status.",
		}, []string{"status"}),
		PublishDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "batch_duration_seconds",
			Help:      "Time taken for publish batches to resolve.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
