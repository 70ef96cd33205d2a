package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rhythm_jobs_processed_total",
		Help: "Jobs processed, labeled by job type and outcome.",
	}, []string{"type", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rhythm_job_duration_seconds",
		Help:    "Handler execution time per job type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	pollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rhythm_poll_cycles_total",
		Help: "Poll cycles actually run (skipped cycles not counted).",
	}, []string{"type"})
)
