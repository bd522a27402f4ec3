package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Worker metrics

	JobClaimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobrun",
		Name:      "job_claims_total",
		Help:      "Total jobs claimed, by worker id.",
	}, []string{"worker_id"})

	JobDispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobrun",
		Name:      "job_dispatch_duration_seconds",
		Help:      "Time spent in the synchronous dispatch HTTP call.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	JobsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobrun",
		Name:      "jobs_failed_total",
		Help:      "Total jobs recorded as failed, by stage.",
	}, []string{"stage"})

	JobsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobrun",
		Name:      "jobs_completed_total",
		Help:      "Total jobs recorded as complete via callback.",
	})

	// Scheduler metrics

	CronJobsEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobrun",
		Name:      "cron_jobs_enqueued_total",
		Help:      "Total jobs enqueued by the cron-fire tick.",
	})

	ReclaimedJobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobrun",
		Name:      "reclaimed_jobs_total",
		Help:      "Total jobs whose claim was released by the reclamation tick.",
	})

	SchedulerTickDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobrun",
		Name:      "scheduler_tick_duration_seconds",
		Help:      "Time taken for one scheduler tick, by kind.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// Callback server metrics

	CallbacksReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobrun",
		Name:      "callbacks_received_total",
		Help:      "Total callback requests received, by outcome and result status.",
	}, []string{"outcome", "status"})

	// HTTP metrics (shared by callback server and admin API)

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobrun",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobrun",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		JobClaimsTotal,
		JobDispatchDuration,
		JobsFailedTotal,
		JobsCompletedTotal,
		CronJobsEnqueuedTotal,
		ReclaimedJobsTotal,
		SchedulerTickDuration,
		CallbacksReceivedTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}
