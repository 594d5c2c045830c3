package privacy

import (
	"fmt"
	"math"
	"strings"

	"github.com/inferloop/dptrain/pkg/constants"
	"github.com/inferloop/dptrain/pkg/errors"
)

// CompositionStrategy selects how per-step privacy loss composes over a run
type CompositionStrategy string

const (
	// CompositionSimple splits the budget evenly: each of T steps gets (ε/T, δ/T).
	// No subsampling amplification is claimed.
	CompositionSimple CompositionStrategy = "simple"
	// CompositionAdvanced accounts the Poisson-subsampled Gaussian mechanism in
	// Rényi DP and converts the composed loss to (ε, δ) at the target δ.
	CompositionAdvanced CompositionStrategy = "advanced"
)

// ParseCompositionStrategy maps a configuration string to a strategy
func ParseCompositionStrategy(s string) (CompositionStrategy, error) {
	switch CompositionStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case CompositionSimple:
		return CompositionSimple, nil
	case CompositionAdvanced, "rdp", "moments":
		return CompositionAdvanced, nil
	default:
		return "", errors.NewConfigurationError(errors.CodeInvalidStrategy,
			fmt.Sprintf("unknown composition strategy %q (want simple or advanced)", s))
	}
}

// Budget is an (ε, δ) pair, used both for targets and for expenditure
type Budget struct {
	Epsilon float64 `json:"epsilon" yaml:"epsilon"`
	Delta   float64 `json:"delta" yaml:"delta"`
}

// Exceeds reports whether b spends more than target in either coordinate
func (b Budget) Exceeds(target Budget) bool {
	return b.Epsilon > target.Epsilon || b.Delta > target.Delta
}

// Remaining returns what is left of target after b, floored at zero
func (b Budget) Remaining(target Budget) Budget {
	return Budget{
		Epsilon: math.Max(target.Epsilon-b.Epsilon, 0),
		Delta:   math.Max(target.Delta-b.Delta, 0),
	}
}

// Add composes b with other under basic composition
func (b Budget) Add(other Budget) Budget {
	return Budget{Epsilon: b.Epsilon + other.Epsilon, Delta: b.Delta + other.Delta}
}

func (b Budget) String() string {
	return fmt.Sprintf("(ε=%.6g, δ=%.3g)", b.Epsilon, b.Delta)
}

// Config is the privacy configuration of one trainer. It is passed explicitly
// at construction; nothing is read from the environment here.
type Config struct {
	Epsilon            float64             `json:"epsilon" yaml:"epsilon" mapstructure:"epsilon"`
	Delta              float64             `json:"delta" yaml:"delta" mapstructure:"delta"`
	ClipNorm           float64             `json:"clip_norm" yaml:"clip_norm" mapstructure:"clip_norm"`
	Composition        CompositionStrategy `json:"composition_strategy" yaml:"composition_strategy" mapstructure:"composition_strategy"`
	MaxNoiseMultiplier float64             `json:"max_noise_multiplier,omitempty" yaml:"max_noise_multiplier,omitempty" mapstructure:"max_noise_multiplier"`
}

// DefaultConfig returns the reference configuration: ε=1, δ=1e-5, C=1, RDP accounting
func DefaultConfig() Config {
	return Config{
		Epsilon:            constants.DefaultEpsilon,
		Delta:              constants.DefaultDelta,
		ClipNorm:           constants.DefaultClipNorm,
		Composition:        CompositionAdvanced,
		MaxNoiseMultiplier: constants.DefaultMaxNoiseMultiplier,
	}
}

// Target returns the configured (ε, δ)
func (c Config) Target() Budget {
	return Budget{Epsilon: c.Epsilon, Delta: c.Delta}
}

// WithDefaults fills the optional fields left at their zero value
func (c Config) WithDefaults() Config {
	if c.Composition == "" {
		c.Composition = CompositionAdvanced
	}
	if c.MaxNoiseMultiplier == 0 {
		c.MaxNoiseMultiplier = constants.DefaultMaxNoiseMultiplier
	}
	return c
}

// Validate checks the (ε, δ, C) invariants and the strategy
func (c Config) Validate() error {
	errs := errors.NewValidationErrors(errors.ErrorTypeConfiguration)

	if !(c.Epsilon > 0) || math.IsInf(c.Epsilon, 0) {
		errs.Add(errors.NewConfigurationError(errors.CodeInvalidEpsilon,
			fmt.Sprintf("epsilon must be positive and finite, got %v", c.Epsilon)))
	}
	if !(c.Delta > 0 && c.Delta < 1) {
		errs.Add(errors.NewConfigurationError(errors.CodeInvalidDelta,
			fmt.Sprintf("delta must be in (0, 1), got %v", c.Delta)))
	}
	if !(c.ClipNorm > 0) || math.IsInf(c.ClipNorm, 0) {
		errs.Add(errors.NewConfigurationError(errors.CodeInvalidClipNorm,
			fmt.Sprintf("clip norm must be positive and finite, got %v", c.ClipNorm)))
	}
	if _, err := ParseCompositionStrategy(string(c.Composition)); err != nil {
		errs.Add(err.(*errors.AppError))
	}
	if !(c.MaxNoiseMultiplier > 0) || math.IsInf(c.MaxNoiseMultiplier, 0) {
		errs.Add(errors.NewConfigurationError(errors.CodeInvalidNoiseCap,
			fmt.Sprintf("max noise multiplier must be positive and finite, got %v", c.MaxNoiseMultiplier)))
	}

	return errs.Err()
}
