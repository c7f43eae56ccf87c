// Package metrics exposes the Prometheus counters and histograms the core
// publishes for the surrounding service's scrape endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "puzzlehub",
		Name:      "active_connections",
		Help:      "Number of currently registered connections on this replica.",
	})

	LockOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "puzzlehub",
		Name:      "lock_operations_total",
		Help:      "Lock coordinator operations by kind and outcome.",
	}, []string{"op", "outcome"})

	CursorEventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "puzzlehub",
		Name:      "cursor_events_dropped_total",
		Help:      "Cursor samples overwritten before being drained (coalesced away).",
	})

	CursorEventsEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "puzzlehub",
		Name:      "cursor_events_emitted_total",
		Help:      "cursor-update events published after coalescing.",
	})

	BackplaneFanoutLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "puzzlehub",
		Name:      "backplane_fanout_latency_seconds",
		Help:      "Time from publish to cross-replica delivery.",
		Buckets:   prometheus.DefBuckets,
	})

	BackplanePublishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "puzzlehub",
		Name:      "backplane_publish_errors_total",
		Help:      "Backplane publish attempts that failed (local delivery still occurred).",
	})

	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "puzzlehub",
		Name:      "router_operations_total",
		Help:      "Session router operations by name and error code (empty = success).",
	}, []string{"op", "code"})

	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "puzzlehub",
		Name:      "router_operation_duration_seconds",
		Help:      "Session router operation latency by name.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)

// ObserveOperation records one router operation's outcome and duration.
func ObserveOperation(op, code string, start time.Time) {
	OperationsTotal.WithLabelValues(op, code).Inc()
	OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
