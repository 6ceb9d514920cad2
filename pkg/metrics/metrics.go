package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type (
	DeadReason string
	outcome    string
)

const (
	Namespace = "mimir_fleet"

	HeartbeatTimeout DeadReason = "heartbeat_timeout"
	ProvisionTimeout DeadReason = "provision_timeout"
	InstanceStopped  DeadReason = "instance_stopped"

	Completed outcome = "completed"
	Failed    outcome = "failed"
	Requeued  outcome = "requeued"
	Canceled  outcome = "canceled"
)

var (
	supervisorTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "supervisor",
		Name:      "tick_duration_seconds",
		Help:      "Histogram of time (in seconds) each control loop tick takes.",
	})

	supervisorTickFailureCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "supervisor",
		Name:      "tick_failure_count_total",
		Help:      "Counter of ticks aborted because the store was unavailable.",
	})

	provisionAttemptCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "supervisor",
		Name:      "provision_attempt_count_total",
		Help:      "Counter of instance start attempts.",
	}, []string{"kind"})

	provisionFailureCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "supervisor",
		Name:      "provision_failure_count_total",
		Help:      "Counter of workers abandoned after exhausting start attempts.",
	}, []string{"kind"})

	unmetDemand = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "supervisor",
		Name:      "unmet_demand_workers",
		Help:      "Workers wanted but not started in the last tick, by pool.",
	}, []string{"org", "kind"})

	workerCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "supervisor",
		Name:      "workers",
		Help:      "Live workers by status.",
	}, []string{"status"})

	queuedJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "supervisor",
		Name:      "queued_jobs",
		Help:      "Queued jobs by pool.",
	}, []string{"org", "kind"})

	deadWorkerCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "supervisor",
		Name:      "dead_worker_count_total",
		Help:      "Counter of workers terminated by failure detection.",
	}, []string{"reason"})

	claimCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "agent",
		Name:      "claim_count_total",
		Help:      "Counter of jobs claimed.",
	})

	claimConflictCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "agent",
		Name:      "claim_conflict_count_total",
		Help:      "Counter of claims lost to another worker.",
	})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "agent",
		Name:      "job_duration_seconds",
		Help:      "Histogram of time (in seconds) each job execution takes.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"kind", "outcome"})

	apiRequestCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "api",
		Name:      "request_count_total",
		Help:      "Counter of API requests by route, method and status code.",
	}, []string{"route", "method", "code"})

	apiRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Histogram of time (in seconds) each API request takes.",
	}, []string{"route", "method"})

	orphanedInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "supervisor",
		Name:      "orphaned_instances",
		Help:      "Instances the provider runs that no live worker accounts for.",
	})

	heartbeatFailureCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "agent",
		Name:      "heartbeat_failure_count_total",
		Help:      "Counter of heartbeats that could not be recorded.",
	})
)

func init() {
	prometheus.MustRegister(supervisorTickDuration)
	prometheus.MustRegister(supervisorTickFailureCount)
	prometheus.MustRegister(provisionAttemptCount)
	prometheus.MustRegister(provisionFailureCount)
	prometheus.MustRegister(unmetDemand)
	prometheus.MustRegister(workerCount)
	prometheus.MustRegister(queuedJobs)
	prometheus.MustRegister(deadWorkerCount)
	prometheus.MustRegister(claimCount)
	prometheus.MustRegister(claimConflictCount)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(heartbeatFailureCount)
	prometheus.MustRegister(apiRequestCount)
	prometheus.MustRegister(apiRequestDuration)
	prometheus.MustRegister(orphanedInstances)
}

func TickDuration(start time.Time) {
	supervisorTickDuration.Observe(float64(time.Since(start)) / float64(time.Second))
}

func TickFailure() {
	supervisorTickFailureCount.Inc()
}

func ProvisionAttempt(kind string) {
	provisionAttemptCount.WithLabelValues(kind).Inc()
}

func ProvisionFailure(kind string) {
	provisionFailureCount.WithLabelValues(kind).Inc()
}

func UnmetDemand(org, kind string, workers int) {
	unmetDemand.WithLabelValues(org, kind).Set(float64(workers))
}

// ResetPoolGauges clears per-pool gauges before a tick republishes them
func ResetPoolGauges() {
	unmetDemand.Reset()
	queuedJobs.Reset()
	workerCount.Reset()
}

func Workers(status string, n int) {
	workerCount.WithLabelValues(status).Set(float64(n))
}

func QueuedJobs(org, kind string, n int) {
	queuedJobs.WithLabelValues(org, kind).Set(float64(n))
}

func DeadWorker(reason DeadReason) {
	deadWorkerCount.WithLabelValues(string(reason)).Inc()
}

func Claim() {
	claimCount.Inc()
}

func ClaimConflict() {
	claimConflictCount.Inc()
}

func JobFinished(kind string, result outcome, start time.Time) {
	jobDuration.WithLabelValues(kind, string(result)).Observe(float64(time.Since(start)) / float64(time.Second))
}

func HeartbeatFailure() {
	heartbeatFailureCount.Inc()
}

func APIRequest(route, method string, code int, start time.Time) {
	apiRequestCount.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	apiRequestDuration.WithLabelValues(route, method).Observe(float64(time.Since(start)) / float64(time.Second))
}

// OrphanedInstances reports instances running without a live worker record
func OrphanedInstances(n int) {
	orphanedInstances.Set(float64(n))
}
