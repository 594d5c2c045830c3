package server

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/internal/ml"
	"github.com/inferloop/dptrain/internal/observability/health"
	"github.com/inferloop/dptrain/internal/observability/metrics"
	"github.com/inferloop/dptrain/internal/privacy"
	"github.com/inferloop/dptrain/internal/training"
	"github.com/inferloop/dptrain/pkg/constants"
	"github.com/inferloop/dptrain/pkg/errors"
)

// Handlers contains all HTTP handlers of the training API
type Handlers struct {
	jobs      *ml.JobManager
	registry  *ml.ModelRegistry
	metrics   *metrics.TrainingMetrics
	health    *health.HealthMonitor
	logger    *logrus.Logger
	config    *Config
	startTime time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(jobs *ml.JobManager, trainingMetrics *metrics.TrainingMetrics, monitor *health.HealthMonitor, logger *logrus.Logger, config *Config) *Handlers {
	if monitor == nil {
		monitor = health.NewHealthMonitor(nil, logger)
	}
	return &Handlers{
		jobs:      jobs,
		registry:  jobs.Registry(),
		metrics:   trainingMetrics,
		health:    monitor,
		logger:    logger,
		config:    config,
		startTime: time.Now(),
	}
}

// CreateTrainingRequest represents a private training request. Omitted
// configuration fields take their defaults.
type CreateTrainingRequest struct {
	Name              string             `json:"name,omitempty"`
	Privacy           privacy.Config     `json:"privacy"`
	LearningRate      float64            `json:"learning_rate"`
	LearningRateDecay float64            `json:"learning_rate_decay"`
	Workers           int                `json:"workers"`
	MaxRetries        int                `json:"max_retries"`
	Seed              uint64             `json:"seed,omitempty"`
	Examples          []training.Example `json:"examples"`
	BatchSize         int                `json:"batch_size"`
	Epochs            int                `json:"epochs"`
}

// CalibrationRequest asks for the noise of a run without training it
type CalibrationRequest struct {
	Privacy     privacy.Config `json:"privacy"`
	NumExamples int            `json:"num_examples"`
	BatchSize   int            `json:"batch_size"`
	Epochs      int            `json:"epochs"`
}

// PredictRequest holds the features of one example
type PredictRequest struct {
	Features []float64 `json:"features"`
}

// BudgetResponse reports the live privacy expenditure of a run
type BudgetResponse struct {
	ID     string                `json:"id"`
	Spent  privacy.Budget        `json:"spent"`
	Target privacy.Budget        `json:"target"`
	Status *privacy.BudgetStatus `json:"status,omitempty"`
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := h.health.Check(r.Context())

	code := http.StatusOK
	if status.OverallStatus == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":          status.OverallStatus,
		"checks":          status.CheckResults,
		"critical_issues": status.CriticalIssues,
		"timestamp":       status.CheckedAt,
		"version":         h.config.Version,
		"uptime":          time.Since(h.startTime).String(),
		"running_jobs":    h.jobs.Running(),
		"max_jobs":        h.config.MaxConcurrentJobs,
		"models":          h.registry.Count(),
	})
}

// CreateTraining handles POST /api/v1/trainings
func (h *Handlers) CreateTraining(w http.ResponseWriter, r *http.Request) {
	defaults := training.DefaultConfig()
	req := CreateTrainingRequest{
		Privacy:           defaults.Privacy,
		LearningRate:      defaults.LearningRate,
		LearningRateDecay: defaults.LearningRateDecay,
		MaxRetries:        defaults.MaxRetries,
		BatchSize:         constants.DefaultBatchSize,
		Epochs:            constants.DefaultEpochs,
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if req.Seed != 0 {
		if !h.config.AllowSeededTraining {
			writeError(w, r, errors.NewConfigurationError(errors.CodeSeedNotAllowed,
				"seeded training is disabled on this server"))
			return
		}
		h.logger.WithFields(logrus.Fields{
			"name": req.Name,
			"seed": req.Seed,
		}).Warn("Seeded training requested; sampling and noise are reproducible")
	}

	ds, err := training.NewDataset(req.Examples)
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := h.jobs.Submit(ml.TrainingRequest{
		Name: req.Name,
		Config: training.Config{
			Privacy:           req.Privacy,
			LearningRate:      req.LearningRate,
			LearningRateDecay: req.LearningRateDecay,
			Workers:           req.Workers,
			MaxRetries:        req.MaxRetries,
			Seed:              req.Seed,
		},
		Dataset: ds,
		Options: training.TrainOptions{BatchSize: req.BatchSize, Epochs: req.Epochs},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("%s/trainings/%s", constants.APIPrefix, job.ID))
	writeJSON(w, http.StatusAccepted, job)
}

// ListTrainings handles GET /api/v1/trainings
func (h *Handlers) ListTrainings(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trainings": jobs,
		"count":     len(jobs),
	})
}

// GetTraining handles GET /api/v1/trainings/{id}
func (h *Handlers) GetTraining(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetTrainingBudget handles GET /api/v1/trainings/{id}/budget
func (h *Handlers) GetTrainingBudget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.jobs.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status, spent, err := h.jobs.Budget(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BudgetResponse{
		ID:     id,
		Spent:  spent,
		Target: job.Target,
		Status: status,
	})
}

// CancelTraining handles DELETE /api/v1/trainings/{id}
func (h *Handlers) CancelTraining(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Cancel(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// ListModels handles GET /api/v1/models
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	models := h.registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": models,
		"count":  len(models),
	})
}

// GetModel handles GET /api/v1/models/{id}
func (h *Handlers) GetModel(w http.ResponseWriter, r *http.Request) {
	model, err := h.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

// DeleteModel handles DELETE /api/v1/models/{id}
func (h *Handlers) DeleteModel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.registry.Delete(id); err != nil {
		writeError(w, r, err)
		return
	}
	h.metrics.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

// Predict handles POST /api/v1/models/{id}/predict
func (h *Handlers) Predict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	prediction, err := h.registry.Predict(mux.Vars(r)["id"], req.Features)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prediction)
}

// Calibrate handles POST /api/v1/calibrations
func (h *Handlers) Calibrate(w http.ResponseWriter, r *http.Request) {
	req := CalibrationRequest{
		Privacy:   privacy.DefaultConfig(),
		BatchSize: constants.DefaultBatchSize,
		Epochs:    constants.DefaultEpochs,
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.Privacy.WithDefaults().Validate(); err != nil {
		writeError(w, r, err)
		return
	}

	cal, err := training.PlanCalibration(req.Privacy, req.NumExamples,
		training.TrainOptions{BatchSize: req.BatchSize, Epochs: req.Epochs})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

// NotFound handles unmatched routes
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	err := errors.NewAppError(errors.ErrorTypeNotFound, errors.CodeRouteNotFound,
		fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
	writeError(w, r, err)
}

// MethodNotAllowed handles routes matched with the wrong method
func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	err := errors.NewAppError(errors.ErrorTypeValidation, errors.CodeMethodNotAllowed,
		fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path))
	err.HTTPStatus = http.StatusMethodNotAllowed
	writeError(w, r, err)
}

func decodeJSON(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if stderrors.As(err, &maxBytesErr) {
			appErr := errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeRequestTooLarge,
				"Request body too large")
			appErr.HTTPStatus = http.StatusRequestEntityTooLarge
			return appErr
		}
		return errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput,
			"Invalid request body").WithDetails(err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.NewInternalError(err.Error())
	}
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errors.ErrorResponse{
		Error:     appErr,
		RequestID: getRequestID(r),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      r.URL.Path,
	})
}
