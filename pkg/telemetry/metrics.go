package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/errdefs"
)

// Metrics provides Prometheus metrics for reconciliations. It implements
// engine.Metrics. A disabled Metrics is a no-op.
type Metrics struct {
	config MetricsConfig

	// Reconcile metrics
	reconciles        *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	phaseDuration     *prometheus.HistogramVec

	// Operation metrics
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Verification and rollback metrics
	verifyPolls      prometheus.Histogram
	rollbacks        *prometheus.CounterVec
	rollbackAttempts prometheus.Histogram

	// Error metrics
	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.Metrics = (*Metrics)(nil)

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

		reconciles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciles_total",
				Help:      "Total number of reconciliations by outcome",
			},
			[]string{"outcome"},
		),
		reconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of reconciliations in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Time spent in each controller phase in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of backend operations by action and status",
			},
			[]string{"action", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of backend operations in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		verifyPolls: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "verify_polls",
				Help:      "Verification snapshots taken per reconciliation",
				Buckets:   []float64{1, 2, 3, 5, 10, 30, 60},
			},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of checkpoint reverts by result",
			},
			[]string{"result"},
		),
		rollbackAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rollback_attempts",
				Help:      "Revert calls made per rollback",
				Buckets:   []float64{1, 2, 3, 5},
			},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of reconciliation errors by kind and class",
			},
			[]string{"kind", "class"},
		),
	}

	registry.MustRegister(
		m.reconciles,
		m.reconcileDuration,
		m.phaseDuration,
		m.operations,
		m.operationDuration,
		m.verifyPolls,
		m.rollbacks,
		m.rollbackAttempts,
		m.errorsByKind,
	)

	return m, nil
}

// ObserveReconcile records a finished reconciliation.
func (m *Metrics) ObserveReconcile(outcome engine.Outcome, duration time.Duration) {
	if m.reconciles == nil {
		return
	}
	m.reconciles.WithLabelValues(string(outcome)).Inc()
	m.reconcileDuration.WithLabelValues(string(outcome)).Observe(duration.Seconds())
}

// ObservePhase records the time spent in a phase.
func (m *Metrics) ObservePhase(phase engine.Phase, duration time.Duration) {
	if m.phaseDuration == nil {
		return
	}
	m.phaseDuration.WithLabelValues(string(phase)).Observe(duration.Seconds())
}

// ObserveOperation records one backend operation.
func (m *Metrics) ObserveOperation(action engine.Action, status engine.OperationStatus, duration time.Duration) {
	if m.operations == nil {
		return
	}
	m.operations.WithLabelValues(string(action), string(status)).Inc()
	m.operationDuration.WithLabelValues(string(action)).Observe(duration.Seconds())
}

// ObserveVerifyPolls records how many snapshots verification took.
func (m *Metrics) ObserveVerifyPolls(polls int) {
	if m.verifyPolls == nil {
		return
	}
	m.verifyPolls.Observe(float64(polls))
}

// ObserveRollback records a rollback and the revert calls it needed.
func (m *Metrics) ObserveRollback(success bool, attempts int) {
	if m.rollbacks == nil {
		return
	}
	m.rollbacks.WithLabelValues(strconv.FormatBool(success)).Inc()
	m.rollbackAttempts.Observe(float64(attempts))
}

// RecordError records a reconciliation error by kind and class.
func (m *Metrics) RecordError(err error) {
	if m.errorsByKind == nil || err == nil {
		return
	}
	class := "unknown"
	var ee *errdefs.EngineError
	if errors.As(err, &ee) {
		class = string(ee.Class)
	}
	m.errorsByKind.WithLabelValues(string(errdefs.KindOf(err)), class).Inc()
}

// Registry returns the registry metrics are registered in, nil when disabled.
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

// StartMetricsServer serves metrics until ctx is done. It returns
// immediately; server errors are logged.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return
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
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
