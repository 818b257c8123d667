// Package telemetry holds the Prometheus collectors and the tracing setup.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "zpulse"

var (
	// ImportEvents counts import outcomes per event. Labels: outcome (imported, duplicate, skipped).
	ImportEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "import",
		Name:      "events_total",
		Help:      "Imported events by outcome",
	}, []string{"outcome"})

	// ImportJobs counts finished import jobs. Labels: status (completed, failed).
	ImportJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "import",
		Name:      "jobs_total",
		Help:      "Finished import jobs by status",
	}, []string{"status"})

	// ImportCollisions counts batches that took the collision path.
	ImportCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "import",
		Name:      "collision_batches_total",
		Help:      "Import batches that hit a uniqueness collision",
	})

	// DegradedQueries counts side-queries replaced by their zero value. Labels: query.
	DegradedQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "degraded_queries_total",
		Help:      "Side-queries that failed and were replaced by zero values",
	}, []string{"query"})

	// BackfillInserts counts participants synthesized by backfill. Labels: source.
	BackfillInserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "inserted_total",
		Help:      "Participants synthesized by backfill",
	}, []string{"source"})

	// RecomputeWrites counts participants whose derived fields changed.
	RecomputeWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recompute",
		Name:      "writes_total",
		Help:      "Participants written by metrics recomputation",
	})

	// AnalyticsLatency measures snapshot computation time. Labels: cache (hit, miss).
	AnalyticsLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "analytics",
		Name:      "snapshot_seconds",
		Help:      "Group analytics snapshot latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"cache"})

	// IngestedEvents counts live events by result. Labels: transport, result (inserted, duplicate, invalid, error).
	IngestedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Live ingested events by transport and result",
	}, []string{"transport", "result"})
)
