package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for cluster orchestration.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	// Bring-up metrics
	bringupsStarted   *prometheus.CounterVec
	bringupsCompleted *prometheus.CounterVec
	bringupDuration   *prometheus.HistogramVec

	// Instance lifecycle metrics
	stageExecutions  *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	instancesByState *prometheus.GaugeVec
	instanceReady    *prometheus.GaugeVec

	// Readiness probe metrics
	probeAttempts *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec

	// Resource allocation metrics
	portsAllocated prometheus.Gauge
	dirsAllocated  prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeBringups   prometheus.Gauge
	runningInstances prometheus.Gauge
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Bring-up metrics
		bringupsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bringups_started_total",
				Help:      "Total number of cluster bring-ups started",
			},
			[]string{"cluster"},
		),
		bringupsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bringups_completed_total",
				Help:      "Total number of cluster bring-ups completed",
			},
			[]string{"status"},
		),
		bringupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bringup_duration_seconds",
				Help:      "Duration of cluster bring-up in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Instance lifecycle metrics
		stageExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_executions_total",
				Help:      "Total number of lifecycle stage executions",
			},
			[]string{"stage", "status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of lifecycle stage execution in seconds",
				Buckets:   buckets,
			},
			[]string{"stage", "kind"},
		),
		instancesByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_by_state",
				Help:      "Current number of instances per lifecycle state",
			},
			[]string{"kind", "state"},
		),
		instanceReady: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instance_ready",
				Help:      "Readiness of instances (1=operational, 0=not operational)",
			},
			[]string{"instance", "kind"},
		),

		// Readiness probe metrics
		probeAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_attempts_total",
				Help:      "Total number of readiness probe attempts",
			},
			[]string{"instance", "result"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Duration of readiness probe attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"probe_kind"},
		),

		// Resource allocation metrics
		portsAllocated: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ports_allocated",
				Help:      "Current number of allocated TCP ports",
			},
		),
		dirsAllocated: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dirs_allocated",
				Help:      "Current number of allocated instance directories",
			},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		activeBringups: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_bringups",
				Help:      "Current number of active bring-up runs",
			},
		),
		runningInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_instances",
				Help:      "Current number of running service instances",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.bringupsStarted,
		m.bringupsCompleted,
		m.bringupDuration,
		m.stageExecutions,
		m.stageDuration,
		m.instancesByState,
		m.instanceReady,
		m.probeAttempts,
		m.probeDuration,
		m.portsAllocated,
		m.dirsAllocated,
		m.errorsByClass,
		m.errorsByCode,
		m.activeBringups,
		m.runningInstances,
	)

	return m, nil
}

// Bring-up Metrics

// RecordBringupStarted increments the counter for started bring-ups.
func (m *Metrics) RecordBringupStarted(cluster string) {
	if m.bringupsStarted == nil {
		return
	}
	m.bringupsStarted.WithLabelValues(cluster).Inc()
	m.activeBringups.Inc()
}

// RecordBringupCompleted records a completed bring-up with its status and duration.
func (m *Metrics) RecordBringupCompleted(status string, duration time.Duration) {
	if m.bringupsCompleted == nil {
		return
	}
	m.bringupsCompleted.WithLabelValues(status).Inc()
	m.bringupDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeBringups.Dec()
}

// Lifecycle Metrics

// RecordStageExecution records the execution of a lifecycle stage.
func (m *Metrics) RecordStageExecution(stage, status string, duration time.Duration, kind string) {
	if m.stageExecutions == nil {
		return
	}
	m.stageExecutions.WithLabelValues(stage, status).Inc()
	m.stageDuration.WithLabelValues(stage, kind).Observe(duration.Seconds())
}

// SetInstanceCount sets the current count of instances per kind and state.
func (m *Metrics) SetInstanceCount(kind, state string, count float64) {
	if m.instancesByState == nil {
		return
	}
	m.instancesByState.WithLabelValues(kind, state).Set(count)
}

// SetInstanceReady sets the readiness of a specific instance.
func (m *Metrics) SetInstanceReady(instance, kind string, ready bool) {
	if m.instanceReady == nil {
		return
	}
	value := 0.0
	if ready {
		value = 1.0
	}
	m.instanceReady.WithLabelValues(instance, kind).Set(value)
}

// Probe Metrics

// RecordProbeAttempt records a readiness probe attempt and its duration.
func (m *Metrics) RecordProbeAttempt(instance, probeKind, result string, duration time.Duration) {
	if m.probeAttempts == nil {
		return
	}
	m.probeAttempts.WithLabelValues(instance, result).Inc()
	m.probeDuration.WithLabelValues(probeKind).Observe(duration.Seconds())
}

// Allocation Metrics

// SetPortsAllocated sets the current number of allocated ports.
func (m *Metrics) SetPortsAllocated(count float64) {
	if m.portsAllocated == nil {
		return
	}
	m.portsAllocated.Set(count)
}

// SetDirsAllocated sets the current number of allocated directories.
func (m *Metrics) SetDirsAllocated(count float64) {
	if m.dirsAllocated == nil {
		return
	}
	m.dirsAllocated.Set(count)
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetRunningInstances sets the current number of running instances.
func (m *Metrics) SetRunningInstances(count float64) {
	if m.runningInstances == nil {
		return
	}
	m.runningInstances.Set(count)
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
