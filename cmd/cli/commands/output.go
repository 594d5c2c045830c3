package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/inferloop/dptrain/pkg/constants"
)

// GlobalOptions holds the persistent flags of the root command
type GlobalOptions struct {
	ConfigFile string
	Verbose    bool
}

// addPrivacyFlags registers the privacy budget flags shared by train and calibrate
func addPrivacyFlags(flags *pflag.FlagSet) {
	flags.Float64("epsilon", constants.DefaultEpsilon, "Target epsilon of the whole run")
	flags.Float64("delta", constants.DefaultDelta, "Target delta of the whole run")
	flags.Float64("clip-norm", constants.DefaultClipNorm, "Per-example gradient L2 clipping bound")
	flags.String("strategy", constants.DefaultCompositionStrategy, "Composition strategy (simple, advanced)")
	flags.Float64("max-noise-multiplier", constants.DefaultMaxNoiseMultiplier, "Upper bound of the calibrated noise multiplier")
	flags.Int("batch-size", constants.DefaultBatchSize, "Expected batch size")
	flags.Int("epochs", constants.DefaultEpochs, "Number of passes over the data")
}

// writeOutput encodes v as json or yaml to path, or to w when path is "-"
func writeOutput(w io.Writer, path, format string, v interface{}) error {
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch strings.ToLower(format) {
	case constants.FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case constants.FormatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(v); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unsupported output format %q (want json or yaml)", format)
	}
}

func validateFormat(format string) error {
	switch strings.ToLower(format) {
	case constants.FormatJSON, constants.FormatYAML:
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (want json or yaml)", format)
	}
}

func outputFlags(cmd *cobra.Command, format, output *string) {
	cmd.Flags().StringVar(format, "format", constants.FormatJSON, "Report format (json, yaml)")
	cmd.Flags().StringVarP(output, "output", "o", "-", "Output file (- for stdout)")
}
