package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/internal/privacy"
	"github.com/inferloop/dptrain/internal/training"
)

// TrainingMetrics provides Prometheus-based metrics for private training and
// the HTTP API. It implements training.Recorder.
type TrainingMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry
	config   *PrometheusConfig

	// Training metrics
	trainingStepsTotal *prometheus.CounterVec
	epsilonSpent       *prometheus.GaugeVec
	deltaSpent         *prometheus.GaugeVec
	trainingRunsTotal  *prometheus.CounterVec
	stepRetriesTotal   prometheus.Counter
	stepDuration       prometheus.Histogram

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// PrometheusConfig configures Prometheus metrics
type PrometheusConfig struct {
	Namespace string `json:"namespace" yaml:"namespace" mapstructure:"namespace"`
	Path      string `json:"path" yaml:"path" mapstructure:"path"`
}

var _ training.Recorder = (*TrainingMetrics)(nil)

// NewTrainingMetrics creates the metrics on their own registry
func NewTrainingMetrics(config *PrometheusConfig, logger *logrus.Logger) (*TrainingMetrics, error) {
	if config == nil {
		config = getDefaultPrometheusConfig()
	}

	if logger == nil {
		logger = logrus.New()
	}

	tm := &TrainingMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		config:   config,
	}

	tm.initializeMetrics()

	if err := tm.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return tm, nil
}

// ObserveStep records a committed noisy step and the run's cumulative spend
func (tm *TrainingMetrics) ObserveStep(runID string, spent privacy.Budget, duration time.Duration) {
	tm.trainingStepsTotal.WithLabelValues(runID).Inc()
	tm.epsilonSpent.WithLabelValues(runID).Set(spent.Epsilon)
	tm.deltaSpent.WithLabelValues(runID).Set(spent.Delta)
	tm.stepDuration.Observe(duration.Seconds())
}

// ObserveRetry records a step recomputed after a non-finite update
func (tm *TrainingMetrics) ObserveRetry(runID string) {
	tm.stepRetriesTotal.Inc()
	tm.logger.WithField("run_id", runID).Debug("Recorded step retry")
}

// ObserveOutcome records how a run finished
func (tm *TrainingMetrics) ObserveOutcome(runID string, status training.State, reason training.AbortReason) {
	label := string(reason)
	if label == "" {
		label = "none"
	}
	tm.trainingRunsTotal.WithLabelValues(string(status), label).Inc()
}

// RecordHTTPRequest records one served API request
func (tm *TrainingMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	tm.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	tm.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Forget drops the per-run series of a run that is no longer tracked
func (tm *TrainingMetrics) Forget(runID string) {
	tm.trainingStepsTotal.DeleteLabelValues(runID)
	tm.epsilonSpent.DeleteLabelValues(runID)
	tm.deltaSpent.DeleteLabelValues(runID)
}

// Handler exposes the registry in the Prometheus text format
func (tm *TrainingMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(tm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// GetRegistry returns the Prometheus registry
func (tm *TrainingMetrics) GetRegistry() *prometheus.Registry {
	return tm.registry
}

// GetConfig returns the configuration
func (tm *TrainingMetrics) GetConfig() *PrometheusConfig {
	return tm.config
}

// initializeMetrics initializes all Prometheus metrics
func (tm *TrainingMetrics) initializeMetrics() {
	namespace := tm.config.Namespace

	// Training metrics
	tm.trainingStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_steps_total",
			Help:      "Total number of committed noisy training steps",
		},
		[]string{"run"},
	)

	tm.epsilonSpent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epsilon_spent",
			Help:      "Cumulative epsilon spent by a training run",
		},
		[]string{"run"},
	)

	tm.deltaSpent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delta_spent",
			Help:      "Cumulative delta spent by a training run",
		},
		[]string{"run"},
	)

	tm.trainingRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_runs_total",
			Help:      "Total number of finished training runs",
		},
		[]string{"status", "reason"},
	)

	tm.stepRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of steps recomputed after a non-finite update",
		},
	)

	tm.stepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of one noisy training step in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	// HTTP metrics
	tm.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	tm.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (tm *TrainingMetrics) registerMetrics() error {
	metrics := []prometheus.Collector{
		tm.trainingStepsTotal,
		tm.epsilonSpent,
		tm.deltaSpent,
		tm.trainingRunsTotal,
		tm.stepRetriesTotal,
		tm.stepDuration,
		tm.httpRequestsTotal,
		tm.httpRequestDuration,
	}

	for _, metric := range metrics {
		if err := tm.registry.Register(metric); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return nil
}

func getDefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Namespace: "dptrain",
		Path:      "/metrics",
	}
}
