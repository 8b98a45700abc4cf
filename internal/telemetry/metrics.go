package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_jobs_enqueued_total", Help: "Total jobs dispatched to the queue"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_jobs_failed_total", Help: "Job attempts that failed and will retry"})
	JobsDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_jobs_dead_letter_total", Help: "Jobs moved to the DLQ"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})

	ApprovalsCreated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_approvals_created_total", Help: "Approval queue entries inserted"})
	ApprovalsDecided  = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_approvals_decided_total", Help: "Approval decisions applied"})
	ApprovalConflicts = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_approval_conflicts_total", Help: "Decisions rejected by the version guard"})

	SweepsTotal       = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_night_shift_sweeps_total", Help: "Night shift sweep runs"})
	SweepCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_night_shift_projects_completed_total", Help: "Per-project sweeps that completed"})
	SweepSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_night_shift_projects_skipped_total", Help: "Per-project sweeps skipped"})
	SweepFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_night_shift_projects_failed_total", Help: "Per-project sweeps that failed"})

	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "console_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "console_jobs_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobsDeadLetter,
			RateLimitRejects,
			ApprovalsCreated,
			ApprovalsDecided,
			ApprovalConflicts,
			SweepsTotal,
			SweepCompleted,
			SweepSkipped,
			SweepFailed,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
