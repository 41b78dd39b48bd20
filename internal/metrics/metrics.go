// Package metrics defines the Prometheus collectors shared across the
// orchestrator, grounded on the teacher's pkg/metrics package (same
// namespace-per-registry style).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the process-wide collector registry; components
// register against it once at startup.
var Registry = prometheus.NewRegistry()

const namespace = "codegraph_orchestrator"

var (
	// QueueDepth tracks waiting/active/delayed counts per queue.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current job count per queue and state.",
	}, []string{"queue", "state"})

	// GovernorPermitsInUse tracks outstanding permits per worker type.
	GovernorPermitsInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "governor_permits_in_use",
		Help:      "Outstanding concurrency permits per worker type.",
	}, []string{"worker_type"})

	// GovernorEffectiveCap tracks the adaptive per-type cap.
	GovernorEffectiveCap = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "governor_effective_cap",
		Help:      "Current adaptive concurrency cap per worker type.",
	}, []string{"worker_type"})

	// BreakerState exposes 0=closed,1=half_open,2=open per breaker.
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0=closed,1=half_open,2=open).",
	}, []string{"breaker"})

	// BreakerOpenedTotal counts CLOSED/HALF_OPEN -> OPEN transitions.
	BreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "breaker_opened_total",
		Help:      "Total number of times a breaker has opened.",
	}, []string{"breaker"})

	// JobDuration records handler execution time per worker type and outcome.
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Job handler execution duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"worker_type", "outcome"})

	// JobsTotal counts terminal job outcomes.
	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Terminal job outcomes per worker type.",
	}, []string{"worker_type", "outcome"})
)

func init() {
	Registry.MustRegister(
		QueueDepth,
		GovernorPermitsInUse,
		GovernorEffectiveCap,
		BreakerState,
		BreakerOpenedTotal,
		JobDuration,
		JobsTotal,
	)
}
