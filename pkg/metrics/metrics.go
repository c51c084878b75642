package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Orca.
// Using promauto for automatic registration with default registry.
var (
	// --- Job Metrics ---

	// JobsSubmitted counts accepted job submissions.
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orca",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Total number of jobs accepted by the engine",
		},
	)

	// JobsFinished counts jobs by final status.
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orca",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total number of jobs that reached a final status",
		},
		[]string{"status"},
	)

	// ActiveJobs tracks jobs with at least one unit not yet terminal.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orca",
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Number of jobs still in progress",
		},
	)

	// --- Execution Unit Metrics ---

	// UnitsTotal counts finished units by status and platform.
	UnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orca",
			Subsystem: "units",
			Name:      "total",
			Help:      "Total number of execution units by final status",
		},
		[]string{"status", "platform"},
	)

	// UnitDuration tracks how long units spend running.
	UnitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orca",
			Subsystem: "units",
			Name:      "duration_seconds",
			Help:      "Duration of execution units in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 15), // 50ms to ~27m
		},
		[]string{"platform", "status"},
	)

	// UnitsRunning tracks units currently holding a slot.
	UnitsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orca",
			Subsystem: "units",
			Name:      "running",
			Help:      "Number of execution units currently running",
		},
	)

	// ConnectionFailures counts connection-phase failures by kind.
	ConnectionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orca",
			Subsystem: "connector",
			Name:      "connection_failures_total",
			Help:      "Total number of connection failures by platform and kind",
		},
		[]string{"platform", "kind"},
	)

	// --- Admission Metrics ---

	// SlotsInUse tracks admission slots currently granted.
	SlotsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orca",
			Subsystem: "admission",
			Name:      "slots_in_use",
			Help:      "Number of admission slots currently held",
		},
	)

	// SlotsWaiting tracks units blocked waiting for a slot.
	SlotsWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orca",
			Subsystem: "admission",
			Name:      "waiting",
			Help:      "Number of execution units waiting for a slot",
		},
	)

	// AdmissionWait measures time spent waiting for a slot.
	AdmissionWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orca",
			Subsystem: "admission",
			Name:      "wait_seconds",
			Help:      "Time execution units spent waiting for a slot",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4m
		},
	)

	// --- Resilience Metrics ---

	// BreakerState tracks per-host breaker state (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orca",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per host",
		},
		[]string{"host"},
	)

	// SinkRetries counts retried result sink writes.
	SinkRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orca",
			Subsystem: "sink",
			Name:      "retries_total",
			Help:      "Total number of retried result sink writes",
		},
		[]string{"op"},
	)

	// SinkFailures counts writes dropped after retries ran out.
	SinkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orca",
			Subsystem: "sink",
			Name:      "failures_total",
			Help:      "Total number of result sink writes that failed permanently",
		},
		[]string{"op"},
	)

	// --- Health Check Metrics ---

	// HealthChecks counts probes by outcome.
	HealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orca",
			Subsystem: "healthcheck",
			Name:      "probes_total",
			Help:      "Total number of system health probes by outcome",
		},
		[]string{"health"},
	)

	// --- Intake Metrics ---

	// IntakeMessages counts consumed intake messages by outcome.
	IntakeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orca",
			Subsystem: "intake",
			Name:      "messages_total",
			Help:      "Total number of job intake messages by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordUnit records metrics for a finished execution unit.
func RecordUnit(platform, status string, durationSeconds float64) {
	UnitsTotal.WithLabelValues(status, platform).Inc()
	UnitDuration.WithLabelValues(platform, status).Observe(durationSeconds)
}

// RecordJobFinished records a job reaching its final status.
func RecordJobFinished(status string) {
	JobsFinished.WithLabelValues(status).Inc()
	ActiveJobs.Dec()
}
