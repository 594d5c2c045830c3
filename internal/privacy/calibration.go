package privacy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inferloop/dptrain/pkg/constants"
	"github.com/inferloop/dptrain/pkg/errors"
)

// bisectionIterations is fixed so that σ is a deterministic, monotone
// function of the request.
const bisectionIterations = 80

// CalibrationRequest holds everything the calibrator needs for one run
type CalibrationRequest struct {
	Epsilon            float64             `json:"epsilon" yaml:"epsilon"`
	Delta              float64             `json:"delta" yaml:"delta"`
	SamplingRate       float64             `json:"sampling_rate" yaml:"sampling_rate"`
	Steps              int                 `json:"steps" yaml:"steps"`
	ClipNorm           float64             `json:"clip_norm" yaml:"clip_norm"`
	Strategy           CompositionStrategy `json:"composition_strategy" yaml:"composition_strategy"`
	MaxNoiseMultiplier float64             `json:"max_noise_multiplier,omitempty" yaml:"max_noise_multiplier,omitempty"`
}

// NewCalibrationRequest builds a request from a privacy config and the run shape
func NewCalibrationRequest(cfg Config, samplingRate float64, steps int) CalibrationRequest {
	return CalibrationRequest{
		Epsilon:            cfg.Epsilon,
		Delta:              cfg.Delta,
		SamplingRate:       samplingRate,
		Steps:              steps,
		ClipNorm:           cfg.ClipNorm,
		Strategy:           cfg.Composition,
		MaxNoiseMultiplier: cfg.MaxNoiseMultiplier,
	}
}

// Validate checks the request
func (r CalibrationRequest) Validate() error {
	cfg := Config{
		Epsilon:            r.Epsilon,
		Delta:              r.Delta,
		ClipNorm:           r.ClipNorm,
		Composition:        r.Strategy,
		MaxNoiseMultiplier: r.MaxNoiseMultiplier,
	}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !(r.SamplingRate > 0 && r.SamplingRate <= 1) {
		return errors.NewConfigurationError(errors.CodeInvalidSamplingRate,
			fmt.Sprintf("sampling rate must be in (0, 1], got %v", r.SamplingRate))
	}
	if r.Steps < 1 {
		return errors.NewConfigurationError(errors.CodeInvalidSteps,
			fmt.Sprintf("number of steps must be at least 1, got %d", r.Steps))
	}
	return nil
}

// Calibration is the outcome of noise calibration for one run
type Calibration struct {
	Strategy        CompositionStrategy `json:"composition_strategy" yaml:"composition_strategy"`
	NoiseMultiplier float64             `json:"noise_multiplier" yaml:"noise_multiplier"`
	NoiseStdDev     float64             `json:"noise_stddev" yaml:"noise_stddev"`
	ClipNorm        float64             `json:"clip_norm" yaml:"clip_norm"`
	SamplingRate    float64             `json:"sampling_rate" yaml:"sampling_rate"`
	Steps           int                 `json:"steps" yaml:"steps"`
	Target          Budget              `json:"target" yaml:"target"`
	PerStep         Budget              `json:"per_step" yaml:"per_step"`
	Projected       Budget              `json:"projected" yaml:"projected"`
	Capped          bool                `json:"capped" yaml:"capped"`
}

// Calibrate finds the smallest noise multiplier σ for which the configured
// composition of Steps Gaussian steps stays within (Epsilon, Delta). The noise
// added to the summed clipped gradient has standard deviation σ·ClipNorm.
//
// If no σ up to MaxNoiseMultiplier meets the budget, σ is the cap and Capped
// is set; such a run is stopped by its accountant before it overspends.
func Calibrate(req CalibrationRequest) (*Calibration, error) {
	if req.Strategy == "" {
		req.Strategy = CompositionAdvanced
	}
	if req.MaxNoiseMultiplier == 0 {
		req.MaxNoiseMultiplier = constants.DefaultMaxNoiseMultiplier
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	strategy, _ := ParseCompositionStrategy(string(req.Strategy))

	target := Budget{Epsilon: req.Epsilon, Delta: req.Delta}
	cal := &Calibration{
		Strategy:     strategy,
		ClipNorm:     req.ClipNorm,
		SamplingRate: req.SamplingRate,
		Steps:        req.Steps,
		Target:       target,
	}

	var feasible func(sigma float64) bool
	switch strategy {
	case CompositionSimple:
		epsStep := req.Epsilon / float64(req.Steps)
		deltaStep := req.Delta / float64(req.Steps)
		feasible = func(sigma float64) bool {
			return DeltaForGaussian(sigma, 1, epsStep) <= deltaStep
		}
	default:
		feasible = func(sigma float64) bool {
			return RDPEpsilon(req.SamplingRate, sigma, req.Steps, req.Delta) <= req.Epsilon
		}
	}

	sigma, capped := bisectNoiseMultiplier(feasible, req.MaxNoiseMultiplier)
	if !(sigma > 0) || math.IsNaN(sigma) {
		return nil, errors.NewConfigurationError(errors.CodeInvalidBudget,
			fmt.Sprintf("calibration produced an invalid noise multiplier %v", sigma))
	}

	cal.NoiseMultiplier = sigma
	cal.NoiseStdDev = sigma * req.ClipNorm
	cal.Capped = capped

	switch strategy {
	case CompositionSimple:
		epsStep := req.Epsilon / float64(req.Steps)
		deltaStep := req.Delta / float64(req.Steps)
		if capped {
			// The cap does not reach δ/T at ε/T; charge what it actually costs.
			deltaStep = DeltaForGaussian(sigma, 1, epsStep)
		}
		cal.PerStep = Budget{Epsilon: epsStep, Delta: deltaStep}
		cal.Projected = Budget{
			Epsilon: epsStep * float64(req.Steps),
			Delta:   deltaStep * float64(req.Steps),
		}
		if !capped {
			cal.Projected = target
		}
	default:
		perStep := ComputeRDP(req.SamplingRate, sigma)
		cal.PerStep = Budget{Epsilon: EpsilonFromRDP(perStep, 1, req.Delta), Delta: req.Delta}
		cal.Projected = Budget{Epsilon: EpsilonFromRDP(perStep, req.Steps, req.Delta), Delta: req.Delta}
	}

	return cal, nil
}

// bisectNoiseMultiplier returns the upper end of the final bracket of a
// fixed-iteration bisection over (0, maxSigma]. feasible must be monotone
// non-decreasing in σ.
func bisectNoiseMultiplier(feasible func(float64) bool, maxSigma float64) (float64, bool) {
	if !feasible(maxSigma) {
		return maxSigma, true
	}
	lo, hi := 0.0, maxSigma
	for i := 0; i < bisectionIterations; i++ {
		mid := lo + (hi-lo)/2
		if mid <= lo || mid >= hi {
			break
		}
		if feasible(mid) {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, false
}

// DeltaForGaussian is the tight δ(ε) of the Gaussian mechanism with standard
// deviation sigma and L2 sensitivity (Balle & Wang 2018, Theorem 8):
//
//	δ = Φ(s/2σ − εσ/s) − e^ε Φ(−s/2σ − εσ/s)
func DeltaForGaussian(sigma, sensitivity, epsilon float64) float64 {
	if !(sigma > 0) {
		return 1
	}
	a := sensitivity / (2 * sigma)
	b := epsilon * sigma / sensitivity
	first := distuv.UnitNormal.CDF(a - b)
	tail := distuv.UnitNormal.CDF(-a - b)
	second := 0.0
	if tail > 0 {
		second = math.Exp(epsilon + math.Log(tail))
	}
	return math.Max(first-second, 0)
}

// SigmaForGaussian returns the smallest standard deviation for which the
// Gaussian mechanism with the given sensitivity is (epsilon, delta)-DP.
func SigmaForGaussian(epsilon, delta, sensitivity float64) (float64, error) {
	if !(epsilon > 0) || math.IsInf(epsilon, 0) {
		return 0, errors.NewConfigurationError(errors.CodeInvalidEpsilon,
			fmt.Sprintf("epsilon must be positive and finite, got %v", epsilon))
	}
	if !(delta > 0 && delta < 1) {
		return 0, errors.NewConfigurationError(errors.CodeInvalidDelta,
			fmt.Sprintf("delta must be in (0, 1), got %v", delta))
	}
	if !(sensitivity > 0) || math.IsInf(sensitivity, 0) {
		return 0, errors.NewConfigurationError(errors.CodeInvalidClipNorm,
			fmt.Sprintf("sensitivity must be positive and finite, got %v", sensitivity))
	}

	// Grow the bracket until δ(hi) is small enough.
	hi := sensitivity
	for DeltaForGaussian(hi, sensitivity, epsilon) > delta {
		hi *= 2
		if math.IsInf(hi, 0) {
			return 0, errors.NewConfigurationError(errors.CodeInvalidBudget,
				fmt.Sprintf("no finite sigma satisfies (%v, %v)", epsilon, delta))
		}
	}
	sigma, _ := bisectNoiseMultiplier(func(s float64) bool {
		return DeltaForGaussian(s, sensitivity, epsilon) <= delta
	}, hi)
	return sigma, nil
}

func (c *Calibration) String() string {
	return fmt.Sprintf("%s σ=%.6g (stddev %.6g) over %d steps at q=%.4g, projected %s of %s",
		c.Strategy, c.NoiseMultiplier, c.NoiseStdDev, c.Steps, c.SamplingRate, c.Projected, c.Target)
}
