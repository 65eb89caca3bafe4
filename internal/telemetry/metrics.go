package telemetry

import "github.com/prometheus/client_golang/prometheus"

var SchedulerTicksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "graphsync",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Total number of scheduler tick passes, by pass type.",
	},
	[]string{"pass"},
)

var JobRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "graphsync",
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Total number of job runs, by job type and final status.",
	},
	[]string{"job_type", "status"},
)

var JobRunDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "graphsync",
		Subsystem: "scheduler",
		Name:      "job_run_duration_seconds",
		Help:      "Job run duration in seconds, by job type.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	},
	[]string{"job_type"},
)

var IngestStageRowsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "graphsync",
		Subsystem: "ingest",
		Name:      "rows_total",
		Help:      "Total number of rows processed by an ingest stage, by stage and outcome.",
	},
	[]string{"stage", "outcome"},
)

var IngestDBRetryAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "graphsync",
		Subsystem: "ingest",
		Name:      "db_retry_attempts_total",
		Help:      "Total number of DB-retryable write attempts, by stage.",
	},
	[]string{"stage"},
)

var IngestDBRetryExhaustedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "graphsync",
		Subsystem: "ingest",
		Name:      "db_retry_exhausted_batches_total",
		Help:      "Total number of batches whose DB write retries were exhausted, by stage.",
	},
	[]string{"stage"},
)

var MVRefreshTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "graphsync",
		Subsystem: "mv",
		Name:      "refresh_total",
		Help:      "Total number of materialized view refresh attempts, by outcome.",
	},
	[]string{"outcome"},
)

var MVRefreshDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "graphsync",
		Subsystem: "mv",
		Name:      "refresh_duration_seconds",
		Help:      "Materialized view refresh duration in seconds, by view.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"mv_name"},
)

var AdminHTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "graphsync",
		Subsystem: "adminapi",
		Name:      "http_request_duration_seconds",
		Help:      "Admin HTTP endpoint request duration in seconds, by route and status.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route", "status"},
)

var GraphClientRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "graphsync",
		Subsystem: "graphclient",
		Name:      "requests_total",
		Help:      "Total number of upstream API requests, by outcome.",
	},
	[]string{"outcome"},
)

// All returns every graphsync-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		SchedulerTicksTotal,
		JobRunsTotal,
		JobRunDuration,
		IngestStageRowsTotal,
		IngestDBRetryAttemptsTotal,
		IngestDBRetryExhaustedTotal,
		MVRefreshTotal,
		MVRefreshDuration,
		AdminHTTPRequestDuration,
		GraphClientRequestsTotal,
	}
}
