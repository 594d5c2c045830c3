package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/internal/ml"
	"github.com/inferloop/dptrain/internal/observability/health"
	"github.com/inferloop/dptrain/internal/observability/metrics"
	"github.com/inferloop/dptrain/internal/training"
	"github.com/inferloop/dptrain/pkg/constants"
)

// Server represents the HTTP server of the private training API
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *logrus.Logger
	config     *Config
	handlers   *Handlers
	jobs       *ml.JobManager
	metrics    *metrics.TrainingMetrics
	store      ml.ModelStorage
	influx     *metrics.InfluxRecorder
}

// NewServer creates a new HTTP server instance with its own job manager,
// model registry and metrics
func NewServer(config *Config, logger *logrus.Logger) (*Server, error) {
	if config == nil {
		config = NewDefaultConfig()
	}

	if logger == nil {
		logger = logrus.New()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	trainingMetrics, err := metrics.NewTrainingMetrics(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	monitor := health.NewHealthMonitor(nil, logger)

	ctx := context.Background()
	registry := ml.NewModelRegistry(&ml.RegistryConfig{MaxModels: config.MaxModels}, logger)
	store, err := ml.NewModelStorage(ctx, config.StorageConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open model storage: %w", err)
	}
	if store != nil {
		registry.SetStorage(store)
		if _, err := registry.Restore(ctx); err != nil {
			ml.CloseStorage(store)
			return nil, fmt.Errorf("failed to restore models: %w", err)
		}
		monitor.RegisterCheck(health.NewBasicHealthCheck("model_storage", func(ctx context.Context) error {
			_, err := store.List(ctx)
			return err
		}, true, 0))
	}

	var recorder training.Recorder = trainingMetrics
	var influx *metrics.InfluxRecorder
	if config.Influx.Enabled() {
		influx, err = metrics.NewInfluxRecorder(&config.Influx, logger)
		if err != nil {
			ml.CloseStorage(store)
			return nil, fmt.Errorf("failed to create influx recorder: %w", err)
		}
		recorder = training.MultiRecorder(trainingMetrics, influx)
		monitor.RegisterCheck(health.NewBasicHealthCheck("influxdb", func(ctx context.Context) error {
			if err := influx.Ping(ctx); err != nil {
				return &health.DegradedError{Reason: err.Error()}
			}
			return nil
		}, false, 0))
	}

	jobs := ml.NewJobManager(ml.JobManagerConfig{
		MaxConcurrentJobs: config.MaxConcurrentJobs,
		MaxFinishedJobs:   config.MaxFinishedJobs,
	}, registry, recorder, logger)

	monitor.RegisterCheck(health.NewBasicHealthCheck("training_capacity", func(ctx context.Context) error {
		if running := jobs.Running(); running >= config.MaxConcurrentJobs {
			return &health.DegradedError{Reason: fmt.Sprintf("all %d training slots busy", running)}
		}
		return nil
	}, false, 0))

	server := &Server{
		router:   mux.NewRouter(),
		logger:   logger,
		config:   config,
		handlers: NewHandlers(jobs, trainingMetrics, monitor, logger, config),
		jobs:     jobs,
		metrics:  trainingMetrics,
		store:    store,
		influx:   influx,
	}

	// Setup routes
	server.setupRoutes()

	// Setup middleware
	server.setupMiddleware()

	server.httpServer = &http.Server{
		Addr:         config.GetAddress(),
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return server, nil
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Starting HTTP server on %s", s.config.GetAddress())

	var err error
	if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		s.logger.Info("Starting HTTPS server")
		err = s.httpServer.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully stops the HTTP server and interrupts running training jobs.
// Interrupted jobs keep their partial models.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("Error shutting down HTTP server: %v", err)
		return err
	}

	if err := s.jobs.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("Error stopping training jobs: %v", err)
		return err
	}

	if s.influx != nil {
		s.influx.Close()
	}
	if err := ml.CloseStorage(s.store); err != nil {
		s.logger.Errorf("Error closing model storage: %v", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// setupRoutes sets up the HTTP routes
func (s *Server) setupRoutes() {
	apiRouter := s.router.PathPrefix(constants.APIPrefix).Subrouter()

	// Health and metrics endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)
	if s.config.EnableMetrics {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	// Training endpoints
	apiRouter.HandleFunc("/trainings", s.handlers.CreateTraining).Methods(http.MethodPost)
	apiRouter.HandleFunc("/trainings", s.handlers.ListTrainings).Methods(http.MethodGet)
	apiRouter.HandleFunc("/trainings/{id}", s.handlers.GetTraining).Methods(http.MethodGet)
	apiRouter.HandleFunc("/trainings/{id}", s.handlers.CancelTraining).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/trainings/{id}/budget", s.handlers.GetTrainingBudget).Methods(http.MethodGet)

	// Model endpoints
	apiRouter.HandleFunc("/models", s.handlers.ListModels).Methods(http.MethodGet)
	apiRouter.HandleFunc("/models/{id}", s.handlers.GetModel).Methods(http.MethodGet)
	apiRouter.HandleFunc("/models/{id}", s.handlers.DeleteModel).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/models/{id}/predict", s.handlers.Predict).Methods(http.MethodPost)

	// Calibration endpoint
	apiRouter.HandleFunc("/calibrations", s.handlers.Calibrate).Methods(http.MethodPost)

	// Catch-all for 404
	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handlers.MethodNotAllowed)
}

// setupMiddleware sets up HTTP middleware. mux runs them in the order added.
func (s *Server) setupMiddleware() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.requestSizeLimitMiddleware)
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// GetRouter returns the HTTP router
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetConfig returns the server configuration
func (s *Server) GetConfig() *Config {
	return s.config
}

// Jobs returns the training job manager
func (s *Server) Jobs() *ml.JobManager {
	return s.jobs
}
