package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the governor.
type Metrics struct {
	Registry *prometheus.Registry

	JobsTotal           *prometheus.CounterVec
	JobDuration         *prometheus.HistogramVec
	JobErrors           *prometheus.CounterVec
	ActiveEnvironments  *prometheus.GaugeVec
	EnvironmentLeaks    *prometheus.CounterVec
	ResourceEvents      *prometheus.CounterVec
	MonitoringDegraded  prometheus.Counter
	BatchesTotal        *prometheus.CounterVec
	ActiveBatches       prometheus.Gauge
	QuotaRejections     *prometheus.CounterVec
	CooldownsTriggered  *prometheus.CounterVec
	PersistenceFailures *prometheus.CounterVec
	SecurityEvents      *prometheus.CounterVec
	DriverLatency       *prometheus.HistogramVec
	RequestsInFlight    prometheus.Gauge
	CodeSizeBytes       prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "jobs_total",
				Help:      "Total jobs executed by backend and final status.",
			},
			[]string{"backend", "status"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "governor",
				Name:      "job_duration_seconds",
				Help:      "Wall-clock duration of job execution in seconds.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
			[]string{"tier"},
		),

		JobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "job_errors_total",
				Help:      "Total job failures by error kind.",
			},
			[]string{"kind"},
		),

		ActiveEnvironments: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "governor",
				Name:      "active_environments",
				Help:      "Number of live isolated environments per backend.",
			},
			[]string{"backend"},
		),

		EnvironmentLeaks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "environment_leaks_total",
				Help:      "Environments whose teardown failed and need reconciliation.",
			},
			[]string{"backend"},
		),

		ResourceEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "resource_events_total",
				Help:      "Resource threshold crossings by event type.",
			},
			[]string{"type"},
		),

		MonitoringDegraded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "monitoring_degraded_total",
				Help:      "Jobs that ran without metrics because monitoring could not attach.",
			},
		),

		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "batches_total",
				Help:      "Batches reaching a terminal status.",
			},
			[]string{"status"},
		),

		ActiveBatches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "governor",
				Name:      "active_batches",
				Help:      "Number of batches currently pending or running.",
			},
		),

		QuotaRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Subsystem: "quota",
				Name:      "rejections_total",
				Help:      "Admission rejections by reason.",
			},
			[]string{"reason"},
		),

		CooldownsTriggered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Subsystem: "quota",
				Name:      "cooldowns_total",
				Help:      "Callers placed in cooldown by tier.",
			},
			[]string{"tier"},
		),

		PersistenceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "persistence_failures_total",
				Help:      "Records dropped or permanently failed by the persistence writer.",
			},
			[]string{"kind"},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "security_events_total",
				Help:      "Restriction violations and suspicious patterns detected before execution.",
			},
			[]string{"type"},
		),

		DriverLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "governor",
				Name:      "driver_operation_duration_seconds",
				Help:      "Duration of isolation driver operations.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
			},
			[]string{"backend", "operation"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "governor",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "governor",
				Name:      "code_size_bytes",
				Help:      "Size of submitted job code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.JobErrors,
		m.ActiveEnvironments,
		m.EnvironmentLeaks,
		m.ResourceEvents,
		m.MonitoringDegraded,
		m.BatchesTotal,
		m.ActiveBatches,
		m.QuotaRejections,
		m.CooldownsTriggered,
		m.PersistenceFailures,
		m.SecurityEvents,
		m.DriverLatency,
		m.RequestsInFlight,
		m.CodeSizeBytes,
	)

	return m
}

// RecordJob records metrics for a finished job.
func (m *Metrics) RecordJob(backend, tier, status string, durationSec float64) {
	m.JobsTotal.WithLabelValues(backend, status).Inc()
	m.JobDuration.WithLabelValues(tier).Observe(durationSec)
}

// RecordError records a job failure by error kind.
func (m *Metrics) RecordError(kind string) {
	m.JobErrors.WithLabelValues(kind).Inc()
}

// RecordSecurityEvent records a pre-execution security finding.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}
