package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/dptrain/pkg/errors"
)

func TestModelPredict(t *testing.T) {
	model, err := NewModel(Parameters{
		"weights": {1, -1},
		"bias":    {0},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, model.Dim())

	tests := []struct {
		name  string
		x     []float64
		proba float64
		label int
	}{
		{"on the boundary", []float64{0, 0}, 0.5, 0},
		{"positive side", []float64{2, 0}, 1 / (1 + math.Exp(-2)), 1},
		{"negative side", []float64{0, 3}, 1 / (1 + math.Exp(3)), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := model.PredictProba(tt.x)
			require.NoError(t, err)
			assert.InDelta(t, tt.proba, p, 1e-12)

			label, err := model.Predict(tt.x)
			require.NoError(t, err)
			assert.Equal(t, tt.label, label)
		})
	}
}

func TestModelPredictRejectsBadInput(t *testing.T) {
	model, err := NewModel(NewParameters(3))
	require.NoError(t, err)

	_, err = model.Predict([]float64{1, 2})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)

	_, err = model.PredictProba([]float64{1, math.NaN(), 0})
	assert.True(t, errors.IsValidationError(err))

	_, err = model.PredictBatch([][]float64{{1, 2, 3}, {1}})
	assert.Error(t, err)
}

func TestModelParametersAreCopies(t *testing.T) {
	params := Parameters{"weights": {0.5, 0.25}, "bias": {1}}
	model, err := NewModel(params)
	require.NoError(t, err)

	params["weights"][0] = 100
	got := model.Parameters()
	assert.Equal(t, []float64{0.5, 0.25}, got.Weights())
	assert.Equal(t, 1.0, got.Bias())

	got["weights"][1] = -7
	assert.Equal(t, []float64{0.5, 0.25}, model.Parameters().Weights())
}

func TestNewModelRequiresParameters(t *testing.T) {
	_, err := NewModel(Parameters{"bias": {0}})
	assert.True(t, errors.IsValidationError(err))

	_, err = NewModel(Parameters{"weights": {1}, "bias": {0, 1}})
	assert.True(t, errors.IsValidationError(err))
}

func TestModelAccuracy(t *testing.T) {
	ds, err := NewDataset([]Example{
		{Features: []float64{1}, Label: 1},
		{Features: []float64{-1}, Label: 0},
		{Features: []float64{2}, Label: 0},
		{Features: []float64{-3}, Label: 0},
	})
	require.NoError(t, err)

	model, err := NewModel(Parameters{"weights": {1}, "bias": {0}})
	require.NoError(t, err)

	acc, err := model.Accuracy(ds)
	require.NoError(t, err)
	assert.Equal(t, 0.75, acc)
}

func TestParametersClone(t *testing.T) {
	p := NewParameters(2)
	c := p.Clone()
	c["weights"][0] = 3
	assert.Equal(t, 0.0, p.Weights()[0])
	assert.Equal(t, 0.0, p.Bias())
}

func TestLogisticGradient(t *testing.T) {
	theta := []float64{0, 0, 0}
	g := logisticGradient(theta, []float64{2, -4}, 1)
	// σ(0) - 1 = -0.5
	assert.Equal(t, []float64{-1, 2, -0.5}, g)
}
