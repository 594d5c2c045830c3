package ml

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/internal/privacy"
	"github.com/inferloop/dptrain/internal/training"
	"github.com/inferloop/dptrain/pkg/constants"
	"github.com/inferloop/dptrain/pkg/errors"
)

// JobManagerConfig configures asynchronous training
type JobManagerConfig struct {
	MaxConcurrentJobs int `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
	// MaxFinishedJobs bounds the finished jobs kept for queries; the earliest
	// finished is dropped first. Running jobs are never dropped. 0 means unbounded.
	MaxFinishedJobs   int `json:"max_finished_jobs" yaml:"max_finished_jobs" mapstructure:"max_finished_jobs"`
}

// TrainingRequest describes one asynchronous training run
type TrainingRequest struct {
	Name    string
	Config  training.Config
	Dataset *training.Dataset
	Options training.TrainOptions
}

// Job is a point-in-time view of a training run
type Job struct {
	ID           string                `json:"id"`
	Name         string                `json:"name,omitempty"`
	Status       training.State        `json:"status"`
	Reason       training.AbortReason  `json:"reason,omitempty"`
	Options      training.TrainOptions `json:"options"`
	Spent        privacy.Budget        `json:"spent"`
	Target       privacy.Budget        `json:"target"`
	Calibration  *privacy.Calibration  `json:"calibration,omitempty"`
	StepsRun     int                   `json:"steps_run"`
	StepsPlanned int                   `json:"steps_planned"`
	ModelID      string                `json:"model_id,omitempty"`
	Error        string                `json:"error,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	FinishedAt   *time.Time            `json:"finished_at,omitempty"`
}

type trainingJob struct {
	info    Job
	trainer *training.Trainer
	cancel  context.CancelFunc
	done    chan struct{}
}

// JobManager runs private training in the background and keeps the live
// trainer of each run so its expenditure can be queried mid-run.
type JobManager struct {
	logger   *logrus.Logger
	config   JobManagerConfig
	registry *ModelRegistry
	recorder training.Recorder

	mu      sync.RWMutex
	jobs    map[string]*trainingJob
	running int
	wg      sync.WaitGroup
}

// NewJobManager creates a job manager that registers finished models in registry
func NewJobManager(config JobManagerConfig, registry *ModelRegistry, recorder training.Recorder, logger *logrus.Logger) *JobManager {
	if logger == nil {
		logger = logrus.New()
	}
	if config.MaxConcurrentJobs <= 0 {
		config.MaxConcurrentJobs = constants.DefaultMaxTrainingJobs
	}
	if registry == nil {
		registry = NewModelRegistry(nil, logger)
	}
	return &JobManager{
		logger:   logger,
		config:   config,
		registry: registry,
		recorder: recorder,
		jobs:     make(map[string]*trainingJob),
	}
}

// Registry returns the registry finished models are stored in
func (jm *JobManager) Registry() *ModelRegistry {
	return jm.registry
}

// Submit validates the request and starts training in the background.
// Configuration and input errors are returned synchronously.
func (jm *JobManager) Submit(req TrainingRequest) (*Job, error) {
	if err := training.ValidateInput(req.Dataset, req.Options); err != nil {
		return nil, err
	}

	cfg := req.Config
	if cfg.Recorder == nil && jm.recorder != nil {
		cfg.Recorder = jm.recorder
	}
	trainer, err := training.NewTrainer(cfg, jm.logger)
	if err != nil {
		return nil, err
	}

	jm.mu.Lock()
	if jm.running >= jm.config.MaxConcurrentJobs {
		jm.mu.Unlock()
		return nil, errors.NewAppError(errors.ErrorTypeResource, errors.CodeConcurrencyLimit,
			fmt.Sprintf("at most %d training jobs may run at once", jm.config.MaxConcurrentJobs)).
			WithCause(errors.ErrConcurrencyLimit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &trainingJob{
		info: Job{
			ID:        trainer.ID(),
			Name:      req.Name,
			Status:    training.StateUninitialized,
			Options:   req.Options,
			Target:    trainer.Target(),
			CreatedAt: time.Now(),
		},
		trainer: trainer,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	jm.jobs[job.info.ID] = job
	jm.running++
	jm.wg.Add(1)
	jm.mu.Unlock()

	jm.logger.WithFields(logrus.Fields{
		"job_id":     job.info.ID,
		"examples":   req.Dataset.Len(),
		"batch_size": req.Options.BatchSize,
		"epochs":     req.Options.Epochs,
	}).Info("Submitted training job")

	go jm.run(ctx, job, req.Dataset)

	return jm.view(job), nil
}

func (jm *JobManager) run(ctx context.Context, job *trainingJob, ds *training.Dataset) {
	defer jm.wg.Done()
	defer close(job.done)
	defer job.cancel()

	result, err := job.trainer.Train(ctx, ds, job.info.Options)

	var modelID string
	if result != nil && result.Model != nil {
		if _, regErr := jm.registry.Register(job.info.ID, job.info.Name, result); regErr != nil {
			jm.logger.WithError(regErr).WithField("job_id", job.info.ID).Error("Failed to register model")
		} else {
			modelID = job.info.ID
		}
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.running--

	now := time.Now()
	job.info.FinishedAt = &now
	job.info.ModelID = modelID
	if result != nil {
		job.info.Status = result.Status
		job.info.Reason = result.Reason
		job.info.StepsRun = result.StepsRun
		job.info.StepsPlanned = result.StepsPlanned
		job.info.Spent = result.Spent
		job.info.Calibration = result.Calibration
	} else {
		job.info.Status = training.StateAborted
	}
	if err != nil {
		job.info.Error = err.Error()
		var numErr *errors.NumericalInstabilityError
		if !stderrors.As(err, &numErr) {
			jm.logger.WithError(err).WithField("job_id", job.info.ID).Error("Training job failed")
		}
	}

	jm.evictFinishedLocked()
}

// evictFinishedLocked drops the earliest finished jobs beyond MaxFinishedJobs
// together with their trainers. Models stay in the registry.
func (jm *JobManager) evictFinishedLocked() {
	if jm.config.MaxFinishedJobs <= 0 {
		return
	}
	finished := make([]*trainingJob, 0, len(jm.jobs))
	for _, j := range jm.jobs {
		if j.info.FinishedAt != nil {
			finished = append(finished, j)
		}
	}
	if len(finished) <= jm.config.MaxFinishedJobs {
		return
	}
	sort.Slice(finished, func(i, k int) bool {
		if finished[i].info.FinishedAt.Equal(*finished[k].info.FinishedAt) {
			return finished[i].info.ID < finished[k].info.ID
		}
		return finished[i].info.FinishedAt.Before(*finished[k].info.FinishedAt)
	})
	for _, j := range finished[:len(finished)-jm.config.MaxFinishedJobs] {
		delete(jm.jobs, j.info.ID)
		jm.logger.WithField("job_id", j.info.ID).Debug("Evicted finished job")
	}
}

// Get returns the current view of a job
func (jm *JobManager) Get(id string) (*Job, error) {
	jm.mu.RLock()
	job, ok := jm.jobs[id]
	jm.mu.RUnlock()
	if !ok {
		return nil, jobNotFound(id)
	}
	return jm.view(job), nil
}

// List returns all jobs, oldest first
func (jm *JobManager) List() []*Job {
	jm.mu.RLock()
	jobs := make([]*trainingJob, 0, len(jm.jobs))
	for _, j := range jm.jobs {
		jobs = append(jobs, j)
	}
	jm.mu.RUnlock()

	out := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jm.view(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Budget returns the live accountant status of a job, or nil before it starts
func (jm *JobManager) Budget(id string) (*privacy.BudgetStatus, privacy.Budget, error) {
	jm.mu.RLock()
	job, ok := jm.jobs[id]
	jm.mu.RUnlock()
	if !ok {
		return nil, privacy.Budget{}, jobNotFound(id)
	}
	return job.trainer.BudgetStatus(), job.trainer.Spent(), nil
}

// Cancel interrupts a running job between steps. The partial model is
// registered once the run stops. Cancelling a finished job has no effect.
func (jm *JobManager) Cancel(id string) (*Job, error) {
	jm.mu.RLock()
	job, ok := jm.jobs[id]
	jm.mu.RUnlock()
	if !ok {
		return nil, jobNotFound(id)
	}

	job.cancel()
	jm.logger.WithField("job_id", id).Info("Cancelled training job")
	return jm.view(job), nil
}

// Wait blocks until the job finishes or ctx is done
func (jm *JobManager) Wait(ctx context.Context, id string) (*Job, error) {
	jm.mu.RLock()
	job, ok := jm.jobs[id]
	jm.mu.RUnlock()
	if !ok {
		return nil, jobNotFound(id)
	}

	select {
	case <-job.done:
		return jm.view(job), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Running returns the number of jobs still training
func (jm *JobManager) Running() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.running
}

// Shutdown cancels every job and waits for them to stop
func (jm *JobManager) Shutdown(ctx context.Context) error {
	jm.mu.RLock()
	for _, job := range jm.jobs {
		job.cancel()
	}
	jm.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		jm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// view merges the stored job record with the trainer's live state
func (jm *JobManager) view(job *trainingJob) *Job {
	jm.mu.RLock()
	out := job.info
	jm.mu.RUnlock()

	if out.FinishedAt == nil {
		out.Status = job.trainer.State()
		out.Spent = job.trainer.Spent()
		out.Calibration = job.trainer.Calibration()
		if status := job.trainer.BudgetStatus(); status != nil {
			out.StepsRun = status.StepsTaken
			out.StepsPlanned = status.StepsPlanned
		}
	}
	return &out
}

func jobNotFound(id string) error {
	return errors.NewNotFoundError(errors.CodeJobNotFound,
		fmt.Sprintf("training job %s not found", id), errors.ErrJobNotFound)
}
