package privacy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/inferloop/dptrain/pkg/errors"
)

// maxClipCorrections bounds the rounding guard in ClipL2
const maxClipCorrections = 4

// L2Norm returns the Euclidean norm of g
func L2Norm(g []float64) float64 {
	if len(g) == 0 {
		return 0
	}
	return floats.Norm(g, 2)
}

// ClipL2 returns g · min(1, clipNorm/‖g‖₂) as a new slice; g is not modified.
// A zero vector is returned unchanged. Vectors with a non-finite norm are
// returned unchanged as well, callers reject them before aggregation.
// clipNorm must be positive.
func ClipL2(g []float64, clipNorm float64) []float64 {
	out := make([]float64, len(g))
	copy(out, g)

	norm := L2Norm(out)
	if norm == 0 || norm <= clipNorm || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return out
	}

	floats.Scale(clipNorm/norm, out)

	// Scaling can land a few ulps above the bound.
	for i := 0; i < maxClipCorrections; i++ {
		n := L2Norm(out)
		if n <= clipNorm {
			break
		}
		floats.Scale(math.Nextafter(clipNorm/n, 0), out)
	}
	return out
}

// Clipper bounds per-example gradients to a fixed L2 norm
type Clipper struct {
	clipNorm float64
}

// NewClipper creates a clipper for the given bound
func NewClipper(clipNorm float64) (*Clipper, error) {
	if !(clipNorm > 0) || math.IsInf(clipNorm, 0) {
		return nil, errors.NewConfigurationError(errors.CodeInvalidClipNorm,
			fmt.Sprintf("clip norm must be positive and finite, got %v", clipNorm))
	}
	return &Clipper{clipNorm: clipNorm}, nil
}

// Bound returns the clipping bound C
func (c *Clipper) Bound() float64 {
	return c.clipNorm
}

// Clip returns the clipped copy of g
func (c *Clipper) Clip(g []float64) []float64 {
	return ClipL2(g, c.clipNorm)
}

// ClipAndSum clips every gradient and sums them in slice order into a
// vector of length dim.
func (c *Clipper) ClipAndSum(grads [][]float64, dim int) []float64 {
	sum := make([]float64, dim)
	for _, g := range grads {
		floats.Add(sum, c.Clip(g))
	}
	return sum
}
