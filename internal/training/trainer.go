package training

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/inferloop/dptrain/internal/privacy"
	"github.com/inferloop/dptrain/pkg/constants"
	"github.com/inferloop/dptrain/pkg/errors"
)

// State is the lifecycle state of a trainer
type State string

const (
	StateUninitialized State = "uninitialized"
	StateTraining      State = "training"
	StateCompleted     State = "completed"
	StateAborted       State = "aborted"
)

// AbortReason says why a run stopped before completing every planned step
type AbortReason string

const (
	AbortReasonNone                 AbortReason = ""
	AbortReasonBudgetExhausted      AbortReason = "budget_exhausted"
	AbortReasonInterrupted          AbortReason = "interrupted"
	AbortReasonNumericalInstability AbortReason = "numerical_instability"
)

// Config configures a trainer. It is validated once in NewTrainer.
type Config struct {
	Privacy           privacy.Config `json:"privacy" yaml:"privacy" mapstructure:"privacy"`
	LearningRate      float64        `json:"learning_rate" yaml:"learning_rate" mapstructure:"learning_rate"`
	LearningRateDecay float64        `json:"learning_rate_decay" yaml:"learning_rate_decay" mapstructure:"learning_rate_decay"`

	// Workers bounds the per-example gradient goroutines; 0 means GOMAXPROCS.
	Workers    int `json:"workers" yaml:"workers" mapstructure:"workers"`
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	// Seed makes sampling and noise reproducible. 0 uses a crypto-seeded source.
	Seed uint64 `json:"seed,omitempty" yaml:"seed,omitempty" mapstructure:"seed"`

	Source   privacy.RandomSource `json:"-" yaml:"-" mapstructure:"-"`
	Recorder Recorder             `json:"-" yaml:"-" mapstructure:"-"`
}

// DefaultConfig returns the default trainer configuration
func DefaultConfig() Config {
	return Config{
		Privacy:           privacy.DefaultConfig(),
		LearningRate:      constants.DefaultLearningRate,
		LearningRateDecay: constants.DefaultLearningRateDecay,
		MaxRetries:        constants.DefaultMaxRetries,
	}
}

// Validate checks the trainer configuration
func (c Config) Validate() error {
	if err := c.Privacy.WithDefaults().Validate(); err != nil {
		return err
	}
	if !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0) {
		return errors.NewConfigurationError(errors.CodeInvalidLearningRate,
			fmt.Sprintf("learning rate must be positive and finite, got %v", c.LearningRate))
	}
	if !(c.LearningRateDecay >= 0) || math.IsInf(c.LearningRateDecay, 0) {
		return errors.NewConfigurationError(errors.CodeInvalidLearningRate,
			fmt.Sprintf("learning rate decay must be non-negative and finite, got %v", c.LearningRateDecay))
	}
	if c.Workers < 0 {
		return errors.NewConfigurationError(errors.CodeInvalidWorkers,
			fmt.Sprintf("workers must not be negative, got %d", c.Workers))
	}
	if c.MaxRetries < 0 {
		return errors.NewConfigurationError(errors.CodeInvalidWorkers,
			fmt.Sprintf("max retries must not be negative, got %d", c.MaxRetries))
	}
	return nil
}

// TrainOptions describes one training invocation
type TrainOptions struct {
	BatchSize int `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`
	Epochs    int `json:"epochs" yaml:"epochs" mapstructure:"epochs"`
}

// Result is the outcome of a training run. Model is set for every run that
// got past validation, including aborted ones.
type Result struct {
	RunID        string                      `json:"run_id" yaml:"run_id"`
	Status       State                       `json:"status" yaml:"status"`
	Reason       AbortReason                 `json:"reason,omitempty" yaml:"reason,omitempty"`
	Model        *Model                      `json:"-" yaml:"-"`
	Spent        privacy.Budget              `json:"spent" yaml:"spent"`
	Target       privacy.Budget              `json:"target" yaml:"target"`
	Calibration  *privacy.Calibration        `json:"calibration" yaml:"calibration"`
	StepsRun     int                         `json:"steps_run" yaml:"steps_run"`
	StepsPlanned int                         `json:"steps_planned" yaml:"steps_planned"`
	Retries      int                         `json:"retries" yaml:"retries"`
	Ledger       []privacy.BudgetTransaction `json:"-" yaml:"-"`
	Duration     time.Duration               `json:"duration" yaml:"duration"`
	Cause        error                       `json:"-" yaml:"-"`
}

// Recorder receives training telemetry
type Recorder interface {
	ObserveStep(runID string, spent privacy.Budget, duration time.Duration)
	ObserveRetry(runID string)
	ObserveOutcome(runID string, status State, reason AbortReason)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStep(string, privacy.Budget, time.Duration) {}
func (nopRecorder) ObserveRetry(string)                               {}
func (nopRecorder) ObserveOutcome(string, State, AbortReason)         {}

// MultiRecorder fans telemetry out to every non-nil recorder in order
func MultiRecorder(recorders ...Recorder) Recorder {
	var out multiRecorder
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	switch len(out) {
	case 0:
		return nopRecorder{}
	case 1:
		return out[0]
	}
	return out
}

type multiRecorder []Recorder

func (m multiRecorder) ObserveStep(runID string, spent privacy.Budget, duration time.Duration) {
	for _, r := range m {
		r.ObserveStep(runID, spent, duration)
	}
}

func (m multiRecorder) ObserveRetry(runID string) {
	for _, r := range m {
		r.ObserveRetry(runID)
	}
}

func (m multiRecorder) ObserveOutcome(runID string, status State, reason AbortReason) {
	for _, r := range m {
		r.ObserveOutcome(runID, status, reason)
	}
}

// Trainer runs differentially private SGD for binary logistic regression.
// A trainer trains once; Spent, State and Model may be called from other
// goroutines while Train runs.
type Trainer struct {
	id       string
	config   Config
	logger   *logrus.Logger
	clipper  *privacy.Clipper
	recorder Recorder
	gradient gradientFunc

	mu          sync.RWMutex
	state       State
	accountant  privacy.Accountant
	calibration *privacy.Calibration
	theta       []float64
}

// NewTrainer validates cfg and creates a trainer
func NewTrainer(cfg Config, logger *logrus.Logger) (*Trainer, error) {
	if logger == nil {
		logger = logrus.New()
	}
	cfg.Privacy = cfg.Privacy.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, err := privacy.ParseCompositionStrategy(string(cfg.Privacy.Composition))
	if err != nil {
		return nil, err
	}
	cfg.Privacy.Composition = strategy

	clipper, err := privacy.NewClipper(cfg.Privacy.ClipNorm)
	if err != nil {
		return nil, err
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Trainer{
		id:       uuid.New().String(),
		config:   cfg,
		logger:   logger,
		clipper:  clipper,
		recorder: recorder,
		gradient: logisticGradient,
		state:    StateUninitialized,
	}, nil
}

// ID returns the run identifier
func (t *Trainer) ID() string {
	return t.id
}

// Config returns the validated configuration
func (t *Trainer) Config() Config {
	return t.config
}

// State returns the lifecycle state
func (t *Trainer) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Spent returns the privacy expenditure so far; zero before training starts
func (t *Trainer) Spent() privacy.Budget {
	t.mu.RLock()
	acct := t.accountant
	t.mu.RUnlock()
	if acct == nil {
		return privacy.Budget{}
	}
	return acct.Spent()
}

// Target returns the configured (ε, δ)
func (t *Trainer) Target() privacy.Budget {
	return t.config.Privacy.Target()
}

// BudgetStatus returns the accountant's status, or nil before training starts
func (t *Trainer) BudgetStatus() *privacy.BudgetStatus {
	t.mu.RLock()
	acct := t.accountant
	t.mu.RUnlock()
	if acct == nil {
		return nil
	}
	return acct.Status()
}

// Calibration returns the run's calibration, or nil before training starts
func (t *Trainer) Calibration() *privacy.Calibration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.calibration
}

// Model returns a snapshot of the current parameters as a model, or nil
// before training starts
func (t *Trainer) Model() *Model {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.theta == nil {
		return nil
	}
	return newModelFromTheta(t.theta)
}

// Train runs DP-SGD on ds. Invalid input is rejected with a ValidationError
// and an infeasible configuration with a ConfigurationError, both before any
// gradient is computed. Budget exhaustion and interruption abort the run and
// return the partial model without an error. Persistent numerical instability
// aborts the run and returns both the result and a NumericalInstabilityError.
func (t *Trainer) Train(ctx context.Context, ds *Dataset, opts TrainOptions) (*Result, error) {
	if state := t.State(); state != StateUninitialized {
		return nil, errors.NewInvalidStateError("train", string(state))
	}
	if err := ValidateInput(ds, opts); err != nil {
		return nil, err
	}

	n := ds.Len()
	stepsPerEpoch := (n + opts.BatchSize - 1) / opts.BatchSize
	samplingRate, totalSteps := Schedule(n, opts)

	cal, err := privacy.Calibrate(privacy.NewCalibrationRequest(t.config.Privacy, samplingRate, totalSteps))
	if err != nil {
		return nil, err
	}
	acct, err := privacy.NewAccountant(cal)
	if err != nil {
		return nil, err
	}

	source := t.randomSource()
	sampler, err := privacy.NewPoissonSampler(samplingRate, source)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidSamplingRate,
			"failed to create batch sampler")
	}
	mechanism := privacy.NewGaussianMechanism(source)

	t.mu.Lock()
	if t.state != StateUninitialized {
		state := t.state
		t.mu.Unlock()
		return nil, errors.NewInvalidStateError("train", string(state))
	}
	t.state = StateTraining
	t.accountant = acct
	t.calibration = cal
	t.theta = make([]float64, ds.Dim()+1)
	t.mu.Unlock()

	logger := t.logger.WithFields(logrus.Fields{
		"run_id":   t.id,
		"examples": n,
		"features": ds.Dim(),
	})
	logger.WithFields(logrus.Fields{
		"strategy":         cal.Strategy,
		"noise_multiplier": cal.NoiseMultiplier,
		"noise_stddev":     cal.NoiseStdDev,
		"sampling_rate":    cal.SamplingRate,
		"steps":            cal.Steps,
		"projected":        cal.Projected.String(),
		"target":           cal.Target.String(),
	}).Info("Calibrated noise for private training")
	if cal.Capped {
		logger.WithField("max_noise_multiplier", t.config.Privacy.MaxNoiseMultiplier).
			Warn("Noise multiplier capped; the run will stop when the privacy budget is exhausted")
	}

	run := &trainingRun{
		trainer:     t,
		ds:          ds,
		batchSize:   opts.BatchSize,
		sampler:     sampler,
		mechanism:   mechanism,
		accountant:  acct,
		noiseStdDev: cal.NoiseStdDev,
		logger:      logger,
		workers:     t.workers(),
	}
	result := &Result{
		RunID:        t.id,
		Target:       cal.Target,
		Calibration:  cal,
		StepsPlanned: totalSteps,
	}
	start := time.Now()

	status, reason, runErr := run.loop(ctx, opts.Epochs, stepsPerEpoch, result)

	t.mu.Lock()
	t.state = status
	result.Model = newModelFromTheta(t.theta)
	t.mu.Unlock()

	result.Status = status
	result.Reason = reason
	result.Spent = acct.Spent()
	result.StepsRun = acct.Steps()
	result.Ledger = acct.Ledger()
	result.Duration = time.Since(start)
	t.recorder.ObserveOutcome(t.id, status, reason)

	fields := logrus.Fields{
		"status":        status,
		"steps_run":     result.StepsRun,
		"steps_planned": result.StepsPlanned,
		"epsilon_spent": result.Spent.Epsilon,
		"delta_spent":   result.Spent.Delta,
		"duration":      result.Duration,
	}
	if status == StateAborted {
		fields["reason"] = reason
		logger.WithFields(fields).Warn("Private training aborted")
	} else {
		logger.WithFields(fields).Info("Private training completed")
	}

	return result, runErr
}

// ValidateInput checks a dataset and training options the way Train does
func ValidateInput(ds *Dataset, opts TrainOptions) error {
	if ds == nil || ds.Len() == 0 {
		return errors.NewValidationError(errors.CodeEmptyDataset, "dataset has no examples").
			WithCause(errors.ErrEmptyDataset)
	}
	if err := ds.Validate(); err != nil {
		return err
	}
	if opts.BatchSize <= 0 || opts.BatchSize > ds.Len() {
		return errors.NewFieldValidationError(errors.CodeBatchSizeInvalid, "batch_size", opts.BatchSize,
			fmt.Sprintf("1..%d", ds.Len()))
	}
	if opts.Epochs <= 0 {
		return errors.NewFieldValidationError(errors.CodeEpochsInvalid, "epochs", opts.Epochs, "> 0")
	}
	return nil
}

// Schedule returns the Poisson sampling rate and the number of noisy steps
// of a run over n examples: ceil(n/B) steps per epoch at rate B/n.
func Schedule(n int, opts TrainOptions) (float64, int) {
	if n <= 0 || opts.BatchSize <= 0 {
		return 0, 0
	}
	stepsPerEpoch := (n + opts.BatchSize - 1) / opts.BatchSize
	return float64(opts.BatchSize) / float64(n), opts.Epochs * stepsPerEpoch
}

// PlanCalibration calibrates noise for a run of the given shape without
// training, so the cost of a configuration can be inspected up front.
func PlanCalibration(cfg privacy.Config, n int, opts TrainOptions) (*privacy.Calibration, error) {
	if n <= 0 {
		return nil, errors.NewValidationError(errors.CodeEmptyDataset, "dataset has no examples").
			WithCause(errors.ErrEmptyDataset)
	}
	if opts.BatchSize <= 0 || opts.BatchSize > n {
		return nil, errors.NewFieldValidationError(errors.CodeBatchSizeInvalid, "batch_size", opts.BatchSize,
			fmt.Sprintf("1..%d", n))
	}
	if opts.Epochs <= 0 {
		return nil, errors.NewFieldValidationError(errors.CodeEpochsInvalid, "epochs", opts.Epochs, "> 0")
	}
	samplingRate, steps := Schedule(n, opts)
	return privacy.Calibrate(privacy.NewCalibrationRequest(cfg.WithDefaults(), samplingRate, steps))
}

func (t *Trainer) randomSource() privacy.RandomSource {
	switch {
	case t.config.Source != nil:
		return t.config.Source
	case t.config.Seed != 0:
		return privacy.NewSeededSource(t.config.Seed)
	default:
		return privacy.NewSecureSource()
	}
}

func (t *Trainer) workers() int {
	if t.config.Workers > 0 {
		return t.config.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// trainingRun holds the per-run collaborators of the optimizer loop
type trainingRun struct {
	trainer     *Trainer
	ds          *Dataset
	batchSize   int
	sampler     *privacy.PoissonSampler
	mechanism   *privacy.GaussianMechanism
	accountant  privacy.Accountant
	noiseStdDev float64
	logger      *logrus.Entry
	workers     int
}

func (r *trainingRun) loop(ctx context.Context, epochs, stepsPerEpoch int, result *Result) (State, AbortReason, error) {
	t := r.trainer
	step := 0
	for epoch := 0; epoch < epochs; epoch++ {
		lr := t.config.LearningRate / (1 + t.config.LearningRateDecay*float64(epoch))

		for s := 0; s < stepsPerEpoch; s++ {
			if err := ctx.Err(); err != nil {
				result.Cause = err
				return StateAborted, AbortReasonInterrupted, nil
			}
			if r.accountant.Exhausted() {
				result.Cause = errors.ErrPrivacyBudgetExceeded
				return StateAborted, AbortReasonBudgetExhausted, nil
			}

			stepStart := time.Now()
			candidate, err := r.attemptStep(ctx, step, lr, result)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					result.Cause = ctxErr
					return StateAborted, AbortReasonInterrupted, nil
				}
				var numErr *errors.NumericalInstabilityError
				if stderrors.As(err, &numErr) {
					result.Cause = numErr
					return StateAborted, AbortReasonNumericalInstability, numErr
				}
				return StateAborted, AbortReasonNone, err
			}

			spent, err := r.accountant.Step()
			if err != nil {
				result.Cause = err
				return StateAborted, AbortReasonBudgetExhausted, nil
			}

			t.mu.Lock()
			t.theta = candidate
			t.mu.Unlock()

			t.recorder.ObserveStep(t.id, spent, time.Since(stepStart))
			step++
		}

		r.logger.WithFields(logrus.Fields{
			"epoch":         epoch + 1,
			"learning_rate": lr,
			"epsilon_spent": r.accountant.Spent().Epsilon,
		}).Debug("Epoch finished")
	}
	return StateCompleted, AbortReasonNone, nil
}

// attemptStep computes one candidate update, retrying with a fresh batch and
// fresh noise when non-finite values appear. The committed parameters are
// not touched.
func (r *trainingRun) attemptStep(ctx context.Context, step int, lr float64, result *Result) ([]float64, error) {
	t := r.trainer
	t.mu.RLock()
	theta := make([]float64, len(t.theta))
	copy(theta, t.theta)
	t.mu.RUnlock()

	attempts := 1 + t.config.MaxRetries
	for attempt := 1; attempt <= attempts; attempt++ {
		candidate, err := r.computeUpdate(ctx, theta, lr)
		if err == nil {
			return candidate, nil
		}
		if !stderrors.Is(err, errNonFiniteGradient) {
			return nil, err
		}

		result.Retries++
		t.recorder.ObserveRetry(t.id)
		r.logger.WithFields(logrus.Fields{
			"step":    step,
			"attempt": attempt,
		}).Warn("Discarded step with non-finite values")
	}

	spent := r.accountant.Spent()
	return nil, errors.NewNumericalInstabilityError(step, attempts, spent.Epsilon, spent.Delta)
}

// computeUpdate samples a batch, clips and sums per-example gradients, adds
// noise once to the sum and returns θ - lr·(sum + noise)/B as a new vector.
func (r *trainingRun) computeUpdate(ctx context.Context, theta []float64, lr float64) ([]float64, error) {
	t := r.trainer
	batch := r.sampler.Sample(r.ds.Len())

	grads, err := perExampleGradients(ctx, theta, r.ds, batch, r.workers, t.gradient)
	if err != nil {
		return nil, err
	}

	sum := t.clipper.ClipAndSum(grads, len(theta))
	noisy, err := r.mechanism.AddNoise(sum, r.noiseStdDev)
	if err != nil {
		return nil, err
	}

	candidate := make([]float64, len(theta))
	floats.AddScaledTo(candidate, theta, -lr/float64(r.batchSize), noisy)
	if !allFinite(candidate) {
		return nil, errNonFiniteGradient
	}
	return candidate, nil
}
