// Package metrics exposes the storage core's metrics sink (spec.md §6):
// package-level Prometheus collectors registered at init, served over
// /metrics by Handler. Grounded on cuemby-warren's pkg/metrics package —
// same NewGaugeVec/NewCounterVec/NewHistogramVec-plus-init()-MustRegister
// shape, renamed from warren_* to core_* and narrowed to the counters and
// histograms spec.md §6 enumerates (running jobs, execution lag, OCC
// retries, retention cursors, read/write-set sizes, log-line overflow,
// per-request duration).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduled-jobs executor (C9).
	RunningJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "core_scheduler_running_jobs",
			Help: "Number of scheduled jobs currently executing",
		},
	)

	ExecutionLagSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "core_scheduler_execution_lag_seconds",
			Help:    "Seconds between a job's next_ts and the executor starting it",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_scheduler_jobs_completed_total",
			Help: "Completed scheduled jobs by terminal state",
		},
		[]string{"state"},
	)

	JobsGarbageCollectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "core_scheduler_jobs_gc_total",
			Help: "Scheduled job rows deleted by retention garbage collection",
		},
	)

	// Transaction engine (C6).
	CommitOCCRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "core_txn_occ_retries_total",
			Help: "Commit attempts that failed OCC validation and were retried",
		},
	)

	CommitDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "core_txn_commit_duration_seconds",
			Help:    "Commit-path duration, from candidate ts generation to publish",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReadSetSizeRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "core_txn_read_set_rows",
			Help:    "Rows read by a transaction at commit time",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	WriteSetSizeRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "core_txn_write_set_rows",
			Help:    "Documents written by a transaction at commit time",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	LogLineOverflowTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "core_action_log_line_overflow_total",
			Help: "Action invocations whose log lines were truncated",
		},
	)

	// Retention + GC (C7).
	RetentionCursorSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "core_retention_cursor_unix_seconds",
			Help: "Retention cursor position by kind (document, index)",
		},
		[]string{"kind"},
	)

	// Request duration (generic caller-facing operation timing).
	RequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "core_request_duration_seconds",
			Help:    "Duration of a caller-facing operation by name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		RunningJobs,
		ExecutionLagSeconds,
		JobsCompletedTotal,
		JobsGarbageCollectedTotal,
		CommitOCCRetriesTotal,
		CommitDurationSeconds,
		ReadSetSizeRows,
		WriteSetSizeRows,
		LogLineOverflowTotal,
		RetentionCursorSeconds,
		RequestDurationSeconds,
	)
}

// Handler returns the /metrics HTTP handler cmd/corectl's serve command
// mounts, matching cuemby-warren's promhttp.Handler() wiring.
func Handler() http.Handler {
	return promhttp.Handler()
}
