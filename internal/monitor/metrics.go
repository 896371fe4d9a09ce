package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the sandbox system. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionErrors    *prometheus.CounterVec
	ActiveExecutions   prometheus.Gauge
	TeardownFailures   prometheus.Counter
	OutputTruncations  *prometheus.CounterVec
	OrphansRemoved     prometheus.Counter
	ImageBuilds        *prometheus.CounterVec
	ImageBuildDuration *prometheus.HistogramVec
	RuntimeLatency     *prometheus.HistogramVec
	RequestsInFlight   prometheus.Gauge
	CodeSizeBytes      prometheus.Histogram
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "executions_total",
				Help:      "Total number of sandbox executions by language and status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox executions in seconds.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"language"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "execution_errors_total",
				Help:      "Total sandbox infrastructure errors by failed operation.",
			},
			[]string{"op"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "active_executions",
				Help:      "Number of currently running sandbox executions.",
			},
		),

		TeardownFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "teardown_failures_total",
				Help:      "Environments whose stop or removal failed after a run.",
			},
		),

		OutputTruncations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "output_truncations_total",
				Help:      "Runs whose output hit the byte ceiling.",
			},
			[]string{"language"},
		),

		OrphansRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "orphans_removed_total",
				Help:      "Leftover sandbox environments removed by sweeps.",
			},
		),

		ImageBuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "images",
				Name:      "builds_total",
				Help:      "Image builds by target and result.",
			},
			[]string{"target", "result"},
		),

		ImageBuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Subsystem: "images",
				Name:      "build_duration_seconds",
				Help:      "Duration of image builds in seconds.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"target"},
		),

		RuntimeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "runtime_operation_duration_seconds",
				Help:      "Duration of container runtime API operations.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"engine", "operation"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "output_size_bytes",
				Help:      "Size of captured execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.TeardownFailures,
		m.OutputTruncations,
		m.OrphansRemoved,
		m.ImageBuilds,
		m.ImageBuildDuration,
		m.RuntimeLatency,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(language, status string, durationSec float64, codeBytes, outputBytes int) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
	m.CodeSizeBytes.Observe(float64(codeBytes))
	m.OutputSizeBytes.Observe(float64(outputBytes))
}

// RecordError records an infrastructure error by the operation that failed.
func (m *Metrics) RecordError(op string) {
	if m == nil {
		return
	}
	m.ExecutionErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordTruncation(language string) {
	if m == nil {
		return
	}
	m.OutputTruncations.WithLabelValues(language).Inc()
}

func (m *Metrics) RecordTeardownFailure() {
	if m == nil {
		return
	}
	m.TeardownFailures.Inc()
}

func (m *Metrics) RecordOrphansRemoved(n int) {
	if m == nil {
		return
	}
	m.OrphansRemoved.Add(float64(n))
}

func (m *Metrics) RecordImageBuild(target string, ok bool, durationSec float64) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.ImageBuilds.WithLabelValues(target, result).Inc()
	m.ImageBuildDuration.WithLabelValues(target).Observe(durationSec)
}

func (m *Metrics) ObserveRuntimeOp(engine, op string, durationSec float64) {
	if m == nil {
		return
	}
	m.RuntimeLatency.WithLabelValues(engine, op).Observe(durationSec)
}

func (m *Metrics) ActiveInc() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Inc()
}

func (m *Metrics) ActiveDec() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
}
