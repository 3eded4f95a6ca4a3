package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs inserted in pending state"}, []string{"queue"})
	RateLimitRejects   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"}, []string{"queue"})
	JobsCompleted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs finalized as completed"}, []string{"queue", "handler"})
	JobsFailed         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs finalized as failed"}, []string{"queue", "handler"})
	JobsRequeued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_lease_requeued_total", Help: "Running jobs returned to pending after their lease expired"})
	ClaimsLost         = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claims_lost_total", Help: "Finalize or heartbeat writes that found the claim gone"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing in this process"})
	JobDuration        = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "jobs_duration_seconds", Help: "Handler execution time", Buckets: prometheus.ExponentialBuckets(0.01, 4, 10)}, []string{"handler"})
	ObservabilityDrops = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_observability_write_errors_total", Help: "Log, progress or artifact writes that failed and were swallowed"}, []string{"kind"})
	DefinitionsFired   = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_definitions_promoted_total", Help: "Due definitions promoted into jobs"})
	ScheduleErrors     = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_definitions_errors_total", Help: "Definitions skipped because promotion failed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsRequeued,
			ClaimsLost,
			InFlightGauge,
			JobDuration,
			ObservabilityDrops,
			DefinitionsFired,
			ScheduleErrors,
		)
	})
	return promhttp.Handler()
}
