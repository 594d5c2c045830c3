package privacy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestGaussianMechanismAddNoise(t *testing.T) {
	gm := NewGaussianMechanism(NewSeededSource(42))
	assert.Equal(t, "gaussian", gm.GetName())
	assert.NotEmpty(t, gm.GetDescription())

	zeros := make([]float64, 20000)
	noisy, err := gm.AddNoise(zeros, 2.0)
	require.NoError(t, err)
	require.Len(t, noisy, len(zeros))

	mean, std := stat.MeanStdDev(noisy, nil)
	assert.InDelta(t, 0.0, mean, 0.1)
	assert.InDelta(t, 2.0, std, 0.1)

	// Input is left alone.
	for _, v := range zeros {
		require.Equal(t, 0.0, v)
	}
}

func TestGaussianMechanismFreshNoise(t *testing.T) {
	gm := NewGaussianMechanism(NewSeededSource(1))
	vec := []float64{1, 2, 3}

	a, err := gm.AddNoise(vec, 1.0)
	require.NoError(t, err)
	b, err := gm.AddNoise(vec, 1.0)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGaussianMechanismReplaysWithSameSeed(t *testing.T) {
	vec := []float64{0.5, -0.5}
	a, err := NewGaussianMechanism(NewSeededSource(9)).AddNoise(vec, 1.0)
	require.NoError(t, err)
	b, err := NewGaussianMechanism(NewSeededSource(9)).AddNoise(vec, 1.0)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGaussianMechanismRejectsBadStdDev(t *testing.T) {
	gm := NewGaussianMechanism(nil)
	for _, sd := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := gm.AddNoise([]float64{1}, sd)
		assert.Error(t, err)
	}
}

func TestPoissonSampler(t *testing.T) {
	_, err := NewPoissonSampler(0, nil)
	assert.Error(t, err)
	_, err = NewPoissonSampler(1.2, nil)
	assert.Error(t, err)

	full, err := NewPoissonSampler(1, NewSeededSource(3))
	require.NoError(t, err)
	assert.Len(t, full.Sample(50), 50)

	sampler, err := NewPoissonSampler(0.1, NewSeededSource(3))
	require.NoError(t, err)
	assert.Equal(t, 0.1, sampler.Rate())

	total := 0
	const rounds = 200
	for r := 0; r < rounds; r++ {
		batch := sampler.Sample(1000)
		for i := 1; i < len(batch); i++ {
			require.Less(t, batch[i-1], batch[i])
		}
		if len(batch) > 0 {
			require.GreaterOrEqual(t, batch[0], 0)
			require.Less(t, batch[len(batch)-1], 1000)
		}
		total += len(batch)
	}
	assert.InDelta(t, 100.0, float64(total)/rounds, 3.0)
}
