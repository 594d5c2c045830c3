package privacy

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/dptrain/pkg/errors"
)

func TestClipL2(t *testing.T) {
	tests := []struct {
		name     string
		input    []float64
		clipNorm float64
		expected []float64
	}{
		{
			name:     "within bound unchanged",
			input:    []float64{0.3, 0.4},
			clipNorm: 1.0,
			expected: []float64{0.3, 0.4},
		},
		{
			name:     "scaled onto the sphere",
			input:    []float64{3, 4},
			clipNorm: 1.0,
			expected: []float64{0.6, 0.8},
		},
		{
			name:     "zero vector",
			input:    []float64{0, 0, 0},
			clipNorm: 1.0,
			expected: []float64{0, 0, 0},
		},
		{
			name:     "empty vector",
			input:    []float64{},
			clipNorm: 2.0,
			expected: []float64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ClipL2(tt.input, tt.clipNorm)
			require.Len(t, out, len(tt.expected))
			for i := range tt.expected {
				assert.InDelta(t, tt.expected[i], out[i], 1e-12)
			}
			assert.LessOrEqual(t, L2Norm(out), tt.clipNorm)
		})
	}
}

func TestClipL2DoesNotMutateInput(t *testing.T) {
	g := []float64{30, -40, 0}
	_ = ClipL2(g, 1)
	assert.Equal(t, []float64{30, -40, 0}, g)
}

func TestClipL2BoundHoldsForRandomVectors(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 2000; i++ {
		dim := 1 + rng.IntN(50)
		g := make([]float64, dim)
		scale := math.Pow(10, float64(rng.IntN(12)-4))
		for j := range g {
			g[j] = (rng.Float64()*2 - 1) * scale
		}
		clipNorm := 0.01 + rng.Float64()*5

		out := ClipL2(g, clipNorm)
		assert.LessOrEqual(t, L2Norm(out), clipNorm)
		if L2Norm(g) <= clipNorm {
			assert.Equal(t, g, out)
		}
	}
}

func TestNewClipper(t *testing.T) {
	for _, c := range []float64{0, -1, math.Inf(1), math.NaN()} {
		_, err := NewClipper(c)
		require.Error(t, err)
		assert.True(t, errors.IsConfigurationError(err))
	}

	clipper, err := NewClipper(2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, clipper.Bound())
}

func TestClipAndSum(t *testing.T) {
	clipper, err := NewClipper(1.0)
	require.NoError(t, err)

	grads := [][]float64{
		{3, 4},
		{0.1, 0.2},
		{0, 0},
	}
	sum := clipper.ClipAndSum(grads, 2)
	assert.InDelta(t, 0.7, sum[0], 1e-12)
	assert.InDelta(t, 1.0, sum[1], 1e-12)

	// Each example contributes at most C to the sum.
	assert.LessOrEqual(t, L2Norm(sum), 3.0)
}
