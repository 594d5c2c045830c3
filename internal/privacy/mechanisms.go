package privacy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// GaussianMechanism adds isotropic Gaussian noise to an aggregated vector.
// Every call draws fresh samples from the source; nothing is cached.
type GaussianMechanism struct {
	source RandomSource
}

// NewGaussianMechanism creates a Gaussian mechanism drawing from source.
// A nil source falls back to NewSecureSource.
func NewGaussianMechanism(source RandomSource) *GaussianMechanism {
	if source == nil {
		source = NewSecureSource()
	}
	return &GaussianMechanism{source: source}
}

// GetName returns the mechanism name
func (gm *GaussianMechanism) GetName() string {
	return "gaussian"
}

// GetDescription returns mechanism description
func (gm *GaussianMechanism) GetDescription() string {
	return "Gaussian mechanism adds N(0, (σC)²) noise to the summed clipped gradient"
}

// AddNoise returns vec + N(0, stdDev²) per coordinate as a new slice
func (gm *GaussianMechanism) AddNoise(vec []float64, stdDev float64) ([]float64, error) {
	if !(stdDev > 0) || math.IsInf(stdDev, 0) {
		return nil, fmt.Errorf("noise standard deviation must be positive and finite, got %v", stdDev)
	}

	normal := distuv.Normal{
		Mu:    0,
		Sigma: stdDev,
		Src:   gm.source,
	}

	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = v + normal.Rand()
	}
	return out, nil
}

// PoissonSampler draws batches by including every example independently with
// probability q. This is the sampling scheme the Rényi accountant assumes.
type PoissonSampler struct {
	rate      float64
	bernoulli distuv.Bernoulli
}

// NewPoissonSampler creates a sampler with inclusion probability rate
func NewPoissonSampler(rate float64, source RandomSource) (*PoissonSampler, error) {
	if !(rate > 0 && rate <= 1) {
		return nil, fmt.Errorf("sampling rate must be in (0, 1], got %v", rate)
	}
	if source == nil {
		source = NewSecureSource()
	}
	return &PoissonSampler{
		rate:      rate,
		bernoulli: distuv.Bernoulli{P: rate, Src: source},
	}, nil
}

// Rate returns the inclusion probability q
func (ps *PoissonSampler) Rate() float64 {
	return ps.rate
}

// Sample returns the indices in [0, n) selected for one batch, in ascending order
func (ps *PoissonSampler) Sample(n int) []int {
	expected := int(math.Ceil(ps.rate * float64(n)))
	batch := make([]int, 0, expected)
	for i := 0; i < n; i++ {
		if ps.bernoulli.Rand() == 1 {
			batch = append(batch, i)
		}
	}
	return batch
}
