package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/converge/pkg/engine"
)

// Metrics provides Prometheus metrics for converge.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	rounds        prometheus.Counter
	roundBatch    prometheus.Histogram

	// Instruction metrics
	instructionsExecuted *prometheus.CounterVec
	instructionsChanged  *prometheus.CounterVec
	instructionDuration  *prometheus.HistogramVec
	reactions            *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of applies started",
			},
			[]string{"run"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of applies completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of an apply in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		rounds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_rounds_total",
				Help:      "Total number of scheduler rounds",
			},
		),
		roundBatch: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_round_batch_size",
				Help:      "Number of ready instructions per scheduler round",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),

		instructionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instructions_executed_total",
				Help:      "Total number of handler calls",
			},
			[]string{"module", "function", "outcome"},
		),
		instructionsChanged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instructions_changed_total",
				Help:      "Total number of handler calls that reported changes",
			},
			[]string{"module", "function"},
		),
		instructionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "instruction_duration_seconds",
				Help:      "Duration of a handler call in seconds",
				Buckets:   buckets,
			},
			[]string{"module"},
		),
		reactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reactions_total",
				Help:      "Total number of reaction handler calls",
			},
			[]string{"module", "outcome"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of apply errors by class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of apply errors by code",
			},
			[]string{"code"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of applies currently running",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.rounds,
		m.roundBatch,
		m.instructionsExecuted,
		m.instructionsChanged,
		m.instructionDuration,
		m.reactions,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(run string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(run).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordRound records one scheduler round and its batch size.
func (m *Metrics) RecordRound(ready int) {
	if m.rounds == nil {
		return
	}
	m.rounds.Inc()
	m.roundBatch.Observe(float64(ready))
}

// Instruction Metrics

// RecordInstruction records one handler call.
func (m *Metrics) RecordInstruction(module, function, outcome string, changed bool, duration time.Duration) {
	if m.instructionsExecuted == nil {
		return
	}
	m.instructionsExecuted.WithLabelValues(module, function, outcome).Inc()
	if changed {
		m.instructionsChanged.WithLabelValues(module, function).Inc()
	}
	m.instructionDuration.WithLabelValues(module).Observe(duration.Seconds())
}

// RecordReaction records one reaction handler call.
func (m *Metrics) RecordReaction(module, outcome string) {
	if m.reactions == nil {
		return
	}
	m.reactions.WithLabelValues(module, outcome).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordEngineError records err by its engine classification. Errors that
// are not engine errors count as "unclassified".
func (m *Metrics) RecordEngineError(err error) {
	if err == nil {
		return
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		m.RecordError(string(ee.Class), ee.Code)
		return
	}
	m.RecordError("unclassified", "")
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry returns the collector registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

