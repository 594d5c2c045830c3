package commands

import (
	"github.com/spf13/cobra"

	"github.com/inferloop/dptrain/cmd/cli/config"
	"github.com/inferloop/dptrain/internal/privacy"
	"github.com/inferloop/dptrain/internal/training"
)

type CalibrateOptions struct {
	Examples     int
	OutputFormat string
	OutputFile   string
}

// CalibrationReport is the output of the calibrate command
type CalibrationReport struct {
	Examples    int                  `json:"examples" yaml:"examples"`
	BatchSize   int                  `json:"batch_size" yaml:"batch_size"`
	Epochs      int                  `json:"epochs" yaml:"epochs"`
	Calibration *privacy.Calibration `json:"calibration" yaml:"calibration"`
}

func NewCalibrateCmd(global *GlobalOptions) *cobra.Command {
	opts := &CalibrateOptions{}

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Compute the noise a training run would use, without training",
		Long: `Calibrate the Gaussian noise multiplier for a run over the given number of
examples, batch size and epochs, and print the per-step and projected privacy cost.`,
		Example: `  # Noise for 60000 examples, batch 256, 10 epochs at epsilon=2
  dptrain calibrate --examples 60000 --batch-size 256 --epochs 10 --epsilon 2

  # Compare with simple composition
  dptrain calibrate --examples 60000 --strategy simple --format yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalibrate(cmd, global, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Examples, "examples", "n", 0, "Number of training examples (required)")
	addPrivacyFlags(cmd.Flags())
	outputFlags(cmd, &opts.OutputFormat, &opts.OutputFile)

	cmd.MarkFlagRequired("examples")

	return cmd
}

func runCalibrate(cmd *cobra.Command, global *GlobalOptions, opts *CalibrateOptions) error {
	if err := validateFormat(opts.OutputFormat); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(global.ConfigFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Privacy.WithDefaults().Validate(); err != nil {
		return err
	}

	cal, err := training.PlanCalibration(cfg.Privacy, opts.Examples, cfg.TrainOptions())
	if err != nil {
		return err
	}

	return writeOutput(cmd.OutOrStdout(), opts.OutputFile, opts.OutputFormat, &CalibrationReport{
		Examples:    opts.Examples,
		BatchSize:   cfg.Training.BatchSize,
		Epochs:      cfg.Training.Epochs,
		Calibration: cal,
	})
}
