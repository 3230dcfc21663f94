package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_jobs_enqueued_total",
		Help: "Total number of enqueued jobs",
	}, []string{"queue"})

	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_jobs_claimed_total",
		Help: "Total number of jobs claimed by workers",
	}, []string{"queue"})

	StatusReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_status_reports_total",
		Help: "Total number of accepted status transitions",
	}, []string{"queue", "status"})

	// reason: manual, auto, lease_expired, exhausted
	Requeues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_requeues_total",
		Help: "Total number of requeue decisions",
	}, []string{"queue", "reason"})

	LeasesExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_leases_expired_total",
		Help: "Total number of expired job leases",
	}, []string{"queue"})

	// result: claimed, timeout, error
	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_poll_duration_seconds",
		Help:    "Duration of worker poll requests",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
	}, []string{"queue", "result"})

	UnauthorizedUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_unauthorized_updates_total",
		Help: "Total number of status updates rejected for a stale token",
	}, []string{"queue"})

	InvalidValues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_invalid_values_total",
		Help: "Total number of step inputs that failed type coercion",
	}, []string{"type"})

	SchedulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_schedules_fired_total",
		Help: "Total number of jobs enqueued by schedules",
	}, []string{"queue"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_step_duration_seconds",
		Help:    "Duration of step execution on workers",
		Buckets: prometheus.DefBuckets,
	}, []string{"step_type", "status"})
)

// MetricsHandler возвращает HTTP handler для /metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
