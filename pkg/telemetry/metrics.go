package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for warden.
// A Metrics built from a disabled config (or the zero value) records nothing.
type Metrics struct {
	config MetricsConfig

	// Event bus metrics
	eventsPublished *prometheus.CounterVec
	eventsLagged    prometheus.Counter
	eventsDropped   prometheus.Counter

	// Instance metrics
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	instancesManaged   prometheus.Gauge

	// Procedure bridge metrics
	procedureCalls    *prometheus.CounterVec
	procedureDuration *prometheus.HistogramVec
	sandboxOps        *prometheus.CounterVec

	// Macro metrics
	macrosSpawned  prometheus.Counter
	macrosFinished *prometheus.CounterVec
	macrosRunning  prometheus.Gauge

	// Store metrics
	storeWrites *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

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

		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of events published on the bus",
			},
			[]string{"kind"},
		),
		eventsLagged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_lagged_total",
				Help:      "Total number of events skipped by lagging receivers",
			},
		),
		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Total number of events dropped because the bus was closed",
			},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_transitions_total",
				Help:      "Total number of instance state transitions",
			},
			[]string{"kind", "to"},
		),
		transitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "instance_lifecycle_duration_seconds",
				Help:      "Duration of instance lifecycle operations in seconds",
				Buckets:   buckets,
			},
			[]string{"op", "outcome"},
		),
		instancesManaged: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_managed",
				Help:      "Current number of registered instances",
			},
		),

		procedureCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "procedure_calls_total",
				Help:      "Total number of procedure calls issued to sandboxed workers",
			},
			[]string{"call", "outcome"},
		),
		procedureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "procedure_call_duration_seconds",
				Help:      "Duration of procedure calls in seconds",
				Buckets:   buckets,
			},
			[]string{"call"},
		),
		sandboxOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_ops_total",
				Help:      "Total number of inbound operations invoked by sandboxed workers",
			},
			[]string{"op", "outcome"},
		),

		macrosSpawned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "macros_spawned_total",
				Help:      "Total number of macro tasks spawned",
			},
		),
		macrosFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "macros_finished_total",
				Help:      "Total number of macro tasks finished",
			},
			[]string{"status"},
		),
		macrosRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "macros_running",
				Help:      "Current number of running or detached macro tasks",
			},
		),

		storeWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_event_writes_total",
				Help:      "Total number of event records written to the store",
			},
			[]string{"outcome"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of surfaced errors by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.eventsPublished,
		m.eventsLagged,
		m.eventsDropped,
		m.transitions,
		m.transitionDuration,
		m.instancesManaged,
		m.procedureCalls,
		m.procedureDuration,
		m.sandboxOps,
		m.macrosSpawned,
		m.macrosFinished,
		m.macrosRunning,
		m.storeWrites,
		m.errorsByKind,
	)

	return m, nil
}

// Event Metrics

// RecordEventPublished increments the published counter for an event kind.
func (m *Metrics) RecordEventPublished(kind string) {
	if m == nil || m.eventsPublished == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

// RecordEventsLagged adds the number of events a receiver skipped.
func (m *Metrics) RecordEventsLagged(skipped uint64) {
	if m == nil || m.eventsLagged == nil {
		return
	}
	m.eventsLagged.Add(float64(skipped))
}

// RecordEventDropped counts an event sent on a closed bus.
func (m *Metrics) RecordEventDropped() {
	if m == nil || m.eventsDropped == nil {
		return
	}
	m.eventsDropped.Inc()
}

// Instance Metrics

// RecordTransition counts a state transition of an instance of the given kind.
func (m *Metrics) RecordTransition(kind, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(kind, to).Inc()
}

// RecordLifecycleOp records how long a start/stop/restart/kill took.
func (m *Metrics) RecordLifecycleOp(op, outcome string, duration time.Duration) {
	if m == nil || m.transitionDuration == nil {
		return
	}
	m.transitionDuration.WithLabelValues(op, outcome).Observe(duration.Seconds())
}

// SetInstancesManaged sets the current registry size.
func (m *Metrics) SetInstancesManaged(count int) {
	if m == nil || m.instancesManaged == nil {
		return
	}
	m.instancesManaged.Set(float64(count))
}

// Procedure Metrics

// RecordProcedureCall records a procedure call with its outcome and duration.
func (m *Metrics) RecordProcedureCall(call, outcome string, duration time.Duration) {
	if m == nil || m.procedureCalls == nil {
		return
	}
	m.procedureCalls.WithLabelValues(call, outcome).Inc()
	m.procedureDuration.WithLabelValues(call).Observe(duration.Seconds())
}

// RecordSandboxOp records an inbound op invocation.
func (m *Metrics) RecordSandboxOp(op, outcome string) {
	if m == nil || m.sandboxOps == nil {
		return
	}
	m.sandboxOps.WithLabelValues(op, outcome).Inc()
}

// Macro Metrics

// RecordMacroSpawned counts a spawned macro and bumps the running gauge.
func (m *Metrics) RecordMacroSpawned() {
	if m == nil || m.macrosSpawned == nil {
		return
	}
	m.macrosSpawned.Inc()
	m.macrosRunning.Inc()
}

// RecordMacroFinished counts a finished macro and drops the running gauge.
func (m *Metrics) RecordMacroFinished(status string) {
	if m == nil || m.macrosFinished == nil {
		return
	}
	m.macrosFinished.WithLabelValues(status).Inc()
	m.macrosRunning.Dec()
}

// Store Metrics

// RecordStoreWrite counts an event write attempt.
func (m *Metrics) RecordStoreWrite(outcome string) {
	if m == nil || m.storeWrites == nil {
		return
	}
	m.storeWrites.WithLabelValues(outcome).Inc()
}

// Error Metrics

// RecordError records a surfaced error by kind.
func (m *Metrics) RecordError(kind string) {
	if m == nil || m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Registry exposes the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// the daemon keeps running without metrics
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}
