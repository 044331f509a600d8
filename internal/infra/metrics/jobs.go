package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(jobsProcessedTotal, jobStateTransitions, jobDurationSeconds, leaseConflictsTotal, reapedSessionsTotal, purgedSessionsTotal)
}

var (
	jobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Total number of analysis jobs processed, labeled by outcome.",
		},
		[]string{"status", "code"}, // 'completed' | 'failed' | 'deferred'
	)

	jobStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_state_transitions_total",
			Help: "State transitions published by the supervisor.",
		},
		[]string{"state"},
	)

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall time of analysis jobs from lease acquire to release.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"status"},
	)

	leaseConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_conflicts_total",
		Help: "Lease acquisitions that found another owner.",
	})

	reapedSessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaped_sessions_total",
		Help: "Sessions failed by the reaper after heartbeat timeout.",
	})

	purgedSessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "purged_sessions_total",
		Help: "Sessions deleted after retention.",
	})
)

func IncJob(status, code string) {
	jobsProcessedTotal.WithLabelValues(norm(status), code).Inc()
}

func IncStateTransition(state string) {
	jobStateTransitions.WithLabelValues(state).Inc()
}

func ObserveJobDuration(status string, seconds float64) {
	jobDurationSeconds.WithLabelValues(norm(status)).Observe(seconds)
}

func IncLeaseConflict() { leaseConflictsTotal.Inc() }

func IncReaped() { reapedSessionsTotal.Inc() }

func AddPurged(n int64) { purgedSessionsTotal.Add(float64(n)) }

var jobRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "job_retries_total",
	Help: "Transient job failures retried by the supervisor.",
})

func init() { register(jobRetriesTotal) }

func IncJobRetry() { jobRetriesTotal.Inc() }
