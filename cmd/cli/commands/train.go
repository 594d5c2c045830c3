package commands

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/dptrain/cmd/cli/config"
	"github.com/inferloop/dptrain/internal/ml"
	"github.com/inferloop/dptrain/internal/privacy"
	"github.com/inferloop/dptrain/internal/training"
	"github.com/inferloop/dptrain/pkg/constants"
	"github.com/inferloop/dptrain/pkg/errors"
)

type TrainOptions struct {
	DataFile     string
	EvalFile     string
	LabelColumn  int
	NoHeader     bool
	Standardize  bool
	EpsilonGrid  []float64
	ModelDir     string
	OutputFormat string
	OutputFile   string
}

// TrainReport is the output of the train command. TotalSpent is the basic
// composition of every run on the same data: releasing all of them costs the
// sum of their budgets.
type TrainReport struct {
	Dataset    DatasetSummary `json:"dataset" yaml:"dataset"`
	Runs       []RunReport    `json:"runs" yaml:"runs"`
	TotalSpent privacy.Budget `json:"total_spent" yaml:"total_spent"`
}

// DatasetSummary describes the training data
type DatasetSummary struct {
	Path         string           `json:"path" yaml:"path"`
	Examples     int              `json:"examples" yaml:"examples"`
	Features     int              `json:"features" yaml:"features"`
	LabelBalance float64          `json:"label_balance" yaml:"label_balance"`
	EvalExamples int              `json:"eval_examples,omitempty" yaml:"eval_examples,omitempty"`
	Scaler       *training.Scaler `json:"scaler,omitempty" yaml:"scaler,omitempty"`
}

// RunReport describes one private training run. TrainAccuracy is computed on
// the raw training data and is not covered by the privacy guarantee.
type RunReport struct {
	RunID         string               `json:"run_id" yaml:"run_id"`
	Status        training.State       `json:"status" yaml:"status"`
	Reason        training.AbortReason `json:"reason,omitempty" yaml:"reason,omitempty"`
	Target        privacy.Budget       `json:"target" yaml:"target"`
	Spent         privacy.Budget       `json:"spent" yaml:"spent"`
	Calibration   *privacy.Calibration `json:"calibration" yaml:"calibration"`
	StepsRun      int                  `json:"steps_run" yaml:"steps_run"`
	StepsPlanned  int                  `json:"steps_planned" yaml:"steps_planned"`
	Retries       int                  `json:"retries" yaml:"retries"`
	Duration      string               `json:"duration" yaml:"duration"`
	Parameters    training.Parameters  `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	TrainAccuracy *float64             `json:"train_accuracy,omitempty" yaml:"train_accuracy,omitempty"`
	EvalAccuracy  *float64             `json:"eval_accuracy,omitempty" yaml:"eval_accuracy,omitempty"`
	ModelPath     string               `json:"model_path,omitempty" yaml:"model_path,omitempty"`
	Error         string               `json:"error,omitempty" yaml:"error,omitempty"`
}

func NewTrainCmd(global *GlobalOptions) *cobra.Command {
	opts := &TrainOptions{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a differentially private logistic regression model",
		Long: `Train a binary logistic regression classifier with DP-SGD on a CSV dataset.
Per-example gradients are clipped, Gaussian noise is calibrated to the (epsilon, delta)
budget, and training stops before the budget would be exceeded.

Only the model parameters are private. The reported train accuracy is computed on the raw
training data and is not covered by the guarantee. With --epsilon-grid every model is
trained on the same data, so total_spent reports the summed cost of releasing all of them.`,
		Example: `  # Train with the default budget (epsilon=1, delta=1e-5)
  dptrain train --data train.csv

  # Train with a tighter budget and report held-out accuracy
  dptrain train --data train.csv --eval test.csv --epsilon 0.5 --batch-size 64

  # Compare accuracy over several budgets
  dptrain train --data train.csv --eval test.csv --standardize --epsilon-grid 0.1,0.5,1,2,5 --format yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, global, opts)
		},
	}

	// Add flags
	cmd.Flags().StringVarP(&opts.DataFile, "data", "d", "", "Training CSV file (required)")
	cmd.Flags().StringVar(&opts.EvalFile, "eval", "", "Evaluation CSV file for accuracy")
	cmd.Flags().IntVar(&opts.LabelColumn, "label-column", -1, "Zero-based label column, negative counts from the end")
	cmd.Flags().BoolVar(&opts.NoHeader, "no-header", false, "CSV files have no header row")
	cmd.Flags().BoolVar(&opts.Standardize, "standardize", false, "Z-score features using training statistics (not covered by the privacy guarantee)")
	cmd.Flags().Float64SliceVar(&opts.EpsilonGrid, "epsilon-grid", nil, "Train one model per epsilon instead of --epsilon; releasing all of them costs the sum (see total_spent)")
	cmd.Flags().StringVar(&opts.ModelDir, "save-models", "", "Directory to save trained models to (readable by the server's --model-dir)")
	addPrivacyFlags(cmd.Flags())
	cmd.Flags().Float64("learning-rate", constants.DefaultLearningRate, "SGD learning rate")
	cmd.Flags().Float64("lr-decay", constants.DefaultLearningRateDecay, "Learning rate decay per epoch")
	cmd.Flags().Int("workers", 0, "Per-example gradient workers (0 for GOMAXPROCS)")
	cmd.Flags().Int("max-retries", constants.DefaultMaxRetries, "Retries of a step with a non-finite update")
	cmd.Flags().Uint64("seed", 0, "Seed for reproducible sampling and noise (0 uses a secure source)")
	cmd.Flags().String("log-level", constants.DefaultLogLevel, "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", constants.DefaultLogFormat, "Log format (json, text)")
	outputFlags(cmd, &opts.OutputFormat, &opts.OutputFile)

	cmd.MarkFlagRequired("data")

	return cmd
}

func runTrain(cmd *cobra.Command, global *GlobalOptions, opts *TrainOptions) error {
	if err := validateFormat(opts.OutputFormat); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(global.ConfigFile, cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := cfg.Logging.NewLogger(global.Verbose)
	if err != nil {
		return err
	}

	csvOpts := training.DefaultCSVOptions()
	csvOpts.LabelColumn = opts.LabelColumn
	csvOpts.HasHeader = !opts.NoHeader

	trainSet, err := loadDataset(opts.DataFile, csvOpts)
	if err != nil {
		return err
	}
	var evalSet *training.Dataset
	if opts.EvalFile != "" {
		if evalSet, err = loadDataset(opts.EvalFile, csvOpts); err != nil {
			return err
		}
		if evalSet.Dim() != trainSet.Dim() {
			return fmt.Errorf("evaluation data has %d features, training data has %d", evalSet.Dim(), trainSet.Dim())
		}
	}

	report := &TrainReport{
		Dataset: DatasetSummary{
			Path:         opts.DataFile,
			Examples:     trainSet.Len(),
			Features:     trainSet.Dim(),
			LabelBalance: trainSet.LabelBalance(),
		},
	}
	if evalSet != nil {
		report.Dataset.EvalExamples = evalSet.Len()
	}

	if opts.Standardize {
		scaler, err := training.FitScaler(trainSet)
		if err != nil {
			return err
		}
		if trainSet, err = scaler.Transform(trainSet); err != nil {
			return err
		}
		if evalSet != nil {
			if evalSet, err = scaler.Transform(evalSet); err != nil {
				return err
			}
		}
		report.Dataset.Scaler = scaler
		logger.Warn("Standardizing with statistics of the raw training data; the scaler is not privatized")
	}

	var store *ml.LocalModelStorage
	if opts.ModelDir != "" {
		if store, err = ml.NewLocalModelStorage(opts.ModelDir, logger); err != nil {
			return err
		}
	}

	epsilons := opts.EpsilonGrid
	if len(epsilons) == 0 {
		epsilons = []float64{cfg.Privacy.Epsilon}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var failed error
	for _, epsilon := range epsilons {
		trainerCfg := cfg.TrainerConfig()
		trainerCfg.Privacy.Epsilon = epsilon

		run, err := trainOnce(ctx, logger, store, trainerCfg, cfg.TrainOptions(), trainSet, evalSet)
		if err != nil && run == nil {
			return err
		}
		if err != nil && failed == nil {
			failed = err
		}
		report.Runs = append(report.Runs, *run)
		report.TotalSpent = report.TotalSpent.Add(run.Spent)
		if ctx.Err() != nil {
			break
		}
	}

	if err := writeOutput(cmd.OutOrStdout(), opts.OutputFile, opts.OutputFormat, report); err != nil {
		return err
	}
	return failed
}

// trainOnce trains one model. A run that produced a result is reported even
// when it ended with an error.
func trainOnce(ctx context.Context, logger *logrus.Logger, store *ml.LocalModelStorage, cfg training.Config, opts training.TrainOptions, trainSet, evalSet *training.Dataset) (*RunReport, error) {
	trainer, err := training.NewTrainer(cfg, logger)
	if err != nil {
		return nil, err
	}

	result, err := trainer.Train(ctx, trainSet, opts)
	if result == nil {
		return nil, err
	}

	run := &RunReport{
		RunID:        result.RunID,
		Status:       result.Status,
		Reason:       result.Reason,
		Target:       result.Target,
		Spent:        result.Spent,
		Calibration:  result.Calibration,
		StepsRun:     result.StepsRun,
		StepsPlanned: result.StepsPlanned,
		Retries:      result.Retries,
		Duration:     result.Duration.String(),
	}
	if err != nil {
		run.Error = err.Error()
		var numErr *errors.NumericalInstabilityError
		if !stderrors.As(err, &numErr) {
			return run, err
		}
	}

	if result.Model != nil {
		run.Parameters = result.Model.Parameters()
		if acc, accErr := result.Model.Accuracy(trainSet); accErr == nil {
			run.TrainAccuracy = &acc
		}
		if evalSet != nil {
			if acc, accErr := result.Model.Accuracy(evalSet); accErr == nil {
				run.EvalAccuracy = &acc
			}
		}

		if store != nil {
			path, saveErr := saveModel(ctx, logger, store, result)
			if saveErr != nil {
				return run, saveErr
			}
			run.ModelPath = path
		}
	}

	logger.WithFields(logrus.Fields{
		"run_id":        run.RunID,
		"status":        run.Status,
		"epsilon":       run.Target.Epsilon,
		"epsilon_spent": run.Spent.Epsilon,
	}).Info("Finished private training run")

	return run, err
}

// saveModel registers the run's model with a registry backed by store, which
// writes it in the layout the server restores from.
func saveModel(ctx context.Context, logger *logrus.Logger, store *ml.LocalModelStorage, result *training.Result) (string, error) {
	registry := ml.NewModelRegistry(nil, logger)
	registry.SetStorage(store)

	name := fmt.Sprintf("epsilon-%g", result.Target.Epsilon)
	if _, err := registry.Register(result.RunID, name, result); err != nil {
		return "", err
	}
	meta, err := store.GetMetadata(ctx, result.RunID)
	if err != nil {
		return "", err
	}
	return meta.Path, nil
}

func loadDataset(path string, opts training.CSVOptions) (*training.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	ds, err := training.LoadCSV(f, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return ds, nil
}
