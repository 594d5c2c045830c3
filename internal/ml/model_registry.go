package ml

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/internal/privacy"
	"github.com/inferloop/dptrain/internal/training"
	"github.com/inferloop/dptrain/pkg/errors"
)

// ModelRegistry keeps the models produced by private training runs in
// memory, optionally mirrored to a ModelStorage.
type ModelRegistry struct {
	logger *logrus.Logger
	config *RegistryConfig
	store  ModelStorage
	models map[string]*RegisteredModel
	mu     sync.RWMutex
}

// RegistryConfig configures the model registry
type RegistryConfig struct {
	// MaxModels bounds the registry; the oldest model is evicted first. 0 means unbounded.
	MaxModels int `json:"max_models" yaml:"max_models" mapstructure:"max_models"`
}

// RegisteredModel represents a model produced by a completed or aborted run
type RegisteredModel struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Status      training.State       `json:"status"`
	Reason      training.AbortReason `json:"reason,omitempty"`
	Spent       privacy.Budget       `json:"spent"`
	Target      privacy.Budget       `json:"target"`
	Calibration *privacy.Calibration `json:"calibration,omitempty"`
	Parameters  training.Parameters  `json:"parameters"`
	StepsRun    int                  `json:"steps_run"`
	Metrics     *ModelMetrics        `json:"metrics,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`

	model *training.Model
}

// ModelMetrics contains evaluation results for a model
type ModelMetrics struct {
	Accuracy    float64   `json:"accuracy"`
	Examples    int       `json:"examples"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Prediction is the output of a registered model for one input
type Prediction struct {
	ModelID     string  `json:"model_id"`
	Label       int     `json:"label"`
	Probability float64 `json:"probability"`
}

// NewModelRegistry creates a new model registry
func NewModelRegistry(config *RegistryConfig, logger *logrus.Logger) *ModelRegistry {
	if config == nil {
		config = &RegistryConfig{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ModelRegistry{
		logger: logger,
		config: config,
		models: make(map[string]*RegisteredModel),
	}
}

// SetStorage mirrors registrations and deletions to store
func (mr *ModelRegistry) SetStorage(store ModelStorage) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.store = store
}

// Restore loads every model held by the storage and returns how many were
// loaded. Unreadable artifacts are skipped.
func (mr *ModelRegistry) Restore(ctx context.Context) (int, error) {
	mr.mu.RLock()
	store := mr.store
	mr.mu.RUnlock()
	if store == nil {
		return 0, nil
	}

	ids, err := store.List(ctx)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, id := range ids {
		model, err := store.Retrieve(ctx, id)
		if err != nil {
			mr.logger.WithError(err).WithField("model_id", id).Warn("Skipping unreadable model artifact")
			continue
		}

		mr.mu.Lock()
		mr.models[id] = model
		evicted := mr.evictLocked()
		mr.mu.Unlock()

		mr.deleteStored(ctx, store, evicted)
		loaded++
	}

	mr.logger.WithField("models", loaded).Info("Restored models from storage")
	return loaded, nil
}

// Register stores the model of a finished run under id
func (mr *ModelRegistry) Register(id, name string, result *training.Result) (*RegisteredModel, error) {
	if result == nil || result.Model == nil {
		return nil, errors.NewValidationError(errors.CodeModelNotTrained,
			fmt.Sprintf("run %s produced no model", id)).WithCause(errors.ErrModelNotTrained)
	}
	if result.Status != training.StateCompleted && result.Status != training.StateAborted {
		return nil, errors.NewInvalidStateError("register", string(result.Status))
	}

	now := time.Now()
	model := &RegisteredModel{
		ID:          id,
		Name:        name,
		Status:      result.Status,
		Reason:      result.Reason,
		Spent:       result.Spent,
		Target:      result.Target,
		Calibration: result.Calibration,
		Parameters:  result.Model.Parameters(),
		StepsRun:    result.StepsRun,
		CreatedAt:   now,
		UpdatedAt:   now,
		model:       result.Model,
	}

	mr.mu.Lock()
	mr.models[id] = model
	evicted := mr.evictLocked()
	store := mr.store
	out := model.snapshot()
	mr.mu.Unlock()

	if store != nil {
		ctx := context.Background()
		if _, err := store.Store(ctx, out); err != nil {
			mr.logger.WithError(err).WithField("model_id", id).Error("Failed to persist model")
		}
		mr.deleteStored(ctx, store, evicted)
	}

	mr.logger.WithFields(logrus.Fields{
		"model_id":      id,
		"status":        model.Status,
		"epsilon_spent": model.Spent.Epsilon,
	}).Info("Registered model")

	return out, nil
}

// Get returns a registered model
func (mr *ModelRegistry) Get(id string) (*RegisteredModel, error) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	model, ok := mr.models[id]
	if !ok {
		return nil, modelNotFound(id)
	}
	return model.snapshot(), nil
}

// List returns all registered models, oldest first
func (mr *ModelRegistry) List() []*RegisteredModel {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	out := make([]*RegisteredModel, 0, len(mr.models))
	for _, m := range mr.models {
		out = append(out, m.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete removes a model
func (mr *ModelRegistry) Delete(id string) error {
	mr.mu.Lock()
	if _, ok := mr.models[id]; !ok {
		mr.mu.Unlock()
		return modelNotFound(id)
	}
	delete(mr.models, id)
	store := mr.store
	mr.mu.Unlock()

	if store != nil {
		if err := store.Delete(context.Background(), id); err != nil {
			return err
		}
	}
	mr.logger.WithField("model_id", id).Info("Deleted model")
	return nil
}

// Predict runs a registered model on x
func (mr *ModelRegistry) Predict(id string, x []float64) (*Prediction, error) {
	mr.mu.RLock()
	model, ok := mr.models[id]
	mr.mu.RUnlock()
	if !ok {
		return nil, modelNotFound(id)
	}

	p, err := model.model.PredictProba(x)
	if err != nil {
		return nil, err
	}
	label, err := model.model.Predict(x)
	if err != nil {
		return nil, err
	}
	return &Prediction{ModelID: id, Label: label, Probability: p}, nil
}

// Evaluate computes the accuracy of a model on ds and stores it
func (mr *ModelRegistry) Evaluate(id string, ds *training.Dataset) (*ModelMetrics, error) {
	mr.mu.RLock()
	model, ok := mr.models[id]
	mr.mu.RUnlock()
	if !ok {
		return nil, modelNotFound(id)
	}

	acc, err := model.model.Accuracy(ds)
	if err != nil {
		return nil, err
	}
	metrics := &ModelMetrics{Accuracy: acc, Examples: ds.Len(), EvaluatedAt: time.Now()}

	mr.mu.Lock()
	model.Metrics = metrics
	model.UpdatedAt = metrics.EvaluatedAt
	mr.mu.Unlock()

	copied := *metrics
	return &copied, nil
}

// Count returns the number of registered models
func (mr *ModelRegistry) Count() int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return len(mr.models)
}

// evictLocked drops the oldest models beyond MaxModels and returns their ids
func (mr *ModelRegistry) evictLocked() []string {
	if mr.config.MaxModels <= 0 {
		return nil
	}
	var evicted []string
	for len(mr.models) > mr.config.MaxModels {
		var oldest *RegisteredModel
		for _, m := range mr.models {
			if oldest == nil || m.CreatedAt.Before(oldest.CreatedAt) ||
				(m.CreatedAt.Equal(oldest.CreatedAt) && m.ID < oldest.ID) {
				oldest = m
			}
		}
		delete(mr.models, oldest.ID)
		evicted = append(evicted, oldest.ID)
		mr.logger.WithField("model_id", oldest.ID).Debug("Evicted model")
	}
	return evicted
}

func (mr *ModelRegistry) deleteStored(ctx context.Context, store ModelStorage, ids []string) {
	for _, id := range ids {
		if err := store.Delete(ctx, id); err != nil {
			mr.logger.WithError(err).WithField("model_id", id).Warn("Failed to delete evicted model")
		}
	}
}

func (m *RegisteredModel) snapshot() *RegisteredModel {
	out := *m
	out.Parameters = m.Parameters.Clone()
	if m.Metrics != nil {
		metrics := *m.Metrics
		out.Metrics = &metrics
	}
	return &out
}

func modelNotFound(id string) error {
	return errors.NewNotFoundError(errors.CodeModelNotFound,
		fmt.Sprintf("model %s not found", id), errors.ErrModelNotFound)
}
