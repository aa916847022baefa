// Package metrics exposes the dispatch engine's Prometheus collectors.
// All collectors are registered on the default registry and served at
// /metrics by the HTTP control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProcessedTotal counts delivery attempts by channel and outcome
	// (sent, retried, failed).
	ProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "notifications_processed_total",
		Help:      "Delivery attempts by channel and outcome.",
	}, []string{"channel", "outcome"})

	// SubmittedTotal counts notification rows created by channel.
	SubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "notifications_submitted_total",
		Help:      "Notification rows created, by channel.",
	}, []string{"channel"})

	// ProcessDuration observes the wall time of one claim-and-process
	// cycle, adapter call included.
	ProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Name:      "process_duration_seconds",
		Help:      "Duration of one claim-and-process cycle.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"channel"})

	// QueueDepth tracks the broker's per-state job counts.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dispatch",
		Name:      "queue_depth",
		Help:      "Broker job counts by state (waiting, active, delayed, failed).",
	}, []string{"state"})

	// StallRecoveredTotal counts rows re-enqueued by the stall sweeper.
	StallRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "stall_recovered_total",
		Help:      "Rows re-enqueued after their worker died mid-send.",
	})
)

// SetQueueDepth updates the queue gauges from one broker snapshot.
func SetQueueDepth(waiting, active, delayed, failed int64) {
	QueueDepth.WithLabelValues("waiting").Set(float64(waiting))
	QueueDepth.WithLabelValues("active").Set(float64(active))
	QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	QueueDepth.WithLabelValues("failed").Set(float64(failed))
}
