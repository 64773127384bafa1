package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests by path, method and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the broker node.",
		},
		[]string{"path", "method", "code"},
	)

	// EnqueueTotal counts enqueue calls by outcome:
	// created, deduplicated, rejected, error.
	EnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compress_enqueues_total",
			Help: "Total number of enqueue calls by outcome.",
		},
		[]string{"outcome"},
	)

	// JobReportsTotal counts worker-reported outcomes: success, failure.
	JobReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compress_job_reports_total",
			Help: "Total number of worker result reports by outcome.",
		},
		[]string{"outcome"},
	)

	// JobsByState gauges the per-state counts from the latest snapshot.
	JobsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compress_jobs_by_state",
			Help: "Number of live job records per state, from the last stats snapshot.",
		},
		[]string{"state"},
	)

	// SweepActionsTotal counts maintenance sweep actions:
	// promoted, requeued, evicted.
	SweepActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compress_sweep_actions_total",
			Help: "Total number of records touched by maintenance sweeps.",
		},
		[]string{"action"},
	)

	// IsLeader marks whether this node runs the maintenance sweeps.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the maintenance leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
