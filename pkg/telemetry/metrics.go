package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the forge engine.
type Metrics struct {
	config MetricsConfig

	// Build run metrics
	buildsStarted   *prometheus.CounterVec
	buildsCompleted *prometheus.CounterVec
	buildDuration   *prometheus.HistogramVec

	// Node metrics
	nodesCompleted *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec

	// Cache metrics
	cacheLookups *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeBuilds prometheus.Gauge
	queuedNodes  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
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

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		buildsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_started_total",
				Help:      "Total number of build runs started",
			},
			[]string{"target"},
		),
		buildsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_completed_total",
				Help:      "Total number of build runs completed",
			},
			[]string{"status"},
		),
		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Duration of build runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		nodesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_completed_total",
				Help:      "Total number of graph nodes completed",
			},
			[]string{"kind", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of node builds in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "target"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of build cache lookups",
			},
			[]string{"result"},
		),

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

		activeBuilds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_builds",
				Help:      "Current number of active build runs",
			},
		),
		queuedNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_nodes",
				Help:      "Current number of nodes waiting on dependencies",
			},
		),
	}

	registry.MustRegister(
		m.buildsStarted,
		m.buildsCompleted,
		m.buildDuration,
		m.nodesCompleted,
		m.nodeDuration,
		m.cacheLookups,
		m.errorsByClass,
		m.errorsByCode,
		m.activeBuilds,
		m.queuedNodes,
	)

	return m, nil
}

// RecordBuildStarted increments the counter for started build runs.
func (m *Metrics) RecordBuildStarted(target string) {
	if m.buildsStarted == nil {
		return
	}
	m.buildsStarted.WithLabelValues(target).Inc()
	m.activeBuilds.Inc()
}

// RecordBuildCompleted records a completed build run with its status and duration.
func (m *Metrics) RecordBuildCompleted(status string, duration time.Duration) {
	if m.buildsCompleted == nil {
		return
	}
	m.buildsCompleted.WithLabelValues(status).Inc()
	m.buildDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeBuilds.Dec()
}

// RecordNodeCompleted records the completion of one graph node.
func (m *Metrics) RecordNodeCompleted(kind, status, target string, duration time.Duration) {
	if m.nodesCompleted == nil {
		return
	}
	m.nodesCompleted.WithLabelValues(kind, status).Inc()
	m.nodeDuration.WithLabelValues(kind, target).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache lookup outcome (hit, miss, corrupt).
func (m *Metrics) RecordCacheLookup(result string) {
	if m.cacheLookups == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

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

// SetQueuedNodes sets the current number of nodes waiting on dependencies.
func (m *Metrics) SetQueuedNodes(count float64) {
	if m.queuedNodes == nil {
		return
	}
	m.queuedNodes.Set(count)
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

// StartMetricsServer starts an HTTP server to expose metrics. Used by watch
// mode, where the process is long-lived.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
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
			// Log error but don't fail the build
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
