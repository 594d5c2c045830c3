package training

import (
	"context"
	stderrors "errors"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

var errNonFiniteGradient = stderrors.New("non-finite per-example gradient")

// gradientFunc computes the loss gradient of one example with respect to the
// flat parameter vector theta = [w..., b].
type gradientFunc func(theta, x []float64, y int) []float64

// logisticGradient is the gradient of the binary cross-entropy loss:
// (σ(w·x + b) - y) · [x, 1].
func logisticGradient(theta, x []float64, y int) []float64 {
	d := len(x)
	residual := sigmoid(floats.Dot(theta[:d], x)+theta[d]) - float64(y)

	g := make([]float64, d+1)
	floats.ScaleTo(g[:d], residual, x)
	g[d] = residual
	return g
}

// perExampleGradients evaluates grad for every batch member with at most
// workers goroutines. Results are stored by batch position so the caller can
// aggregate in a fixed order.
func perExampleGradients(ctx context.Context, theta []float64, ds *Dataset, batch []int, workers int, grad gradientFunc) ([][]float64, error) {
	grads := make([][]float64, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for pos, idx := range batch {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ex := ds.examples[idx]
			gi := grad(theta, ex.Features, ex.Label)
			if !allFinite(gi) {
				return errNonFiniteGradient
			}
			grads[pos] = gi
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return grads, nil
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
