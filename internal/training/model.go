package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/inferloop/dptrain/pkg/constants"
	"github.com/inferloop/dptrain/pkg/errors"
)

// Parameters holds named parameter vectors: "weights" (length d) and "bias" (length 1)
type Parameters map[string][]float64

// NewParameters returns all-zero parameters for dimension dim
func NewParameters(dim int) Parameters {
	return Parameters{
		constants.ParamWeights: make([]float64, dim),
		constants.ParamBias:    make([]float64, 1),
	}
}

// Clone returns a deep copy
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		c := make([]float64, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}

// Weights returns the weight vector
func (p Parameters) Weights() []float64 {
	return p[constants.ParamWeights]
}

// Bias returns the intercept
func (p Parameters) Bias() float64 {
	b := p[constants.ParamBias]
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// parametersFromTheta splits the flat optimizer vector [w..., b] into named parameters
func parametersFromTheta(theta []float64) Parameters {
	d := len(theta) - 1
	weights := make([]float64, d)
	copy(weights, theta[:d])
	return Parameters{
		constants.ParamWeights: weights,
		constants.ParamBias:    {theta[d]},
	}
}

// Model is a trained binary logistic regression classifier. Prediction is a
// pure function of the parameters and the input.
type Model struct {
	weights   []float64
	bias      float64
	threshold float64
}

// NewModel builds a model from parameters, copying them
func NewModel(params Parameters) (*Model, error) {
	weights, ok := params[constants.ParamWeights]
	if !ok {
		return nil, errors.NewFieldValidationError(errors.CodeInvalidInput, constants.ParamWeights, "missing", "weight vector")
	}
	bias, ok := params[constants.ParamBias]
	if !ok || len(bias) != 1 {
		return nil, errors.NewFieldValidationError(errors.CodeInvalidInput, constants.ParamBias, bias, "single value")
	}
	w := make([]float64, len(weights))
	copy(w, weights)
	return &Model{
		weights:   w,
		bias:      bias[0],
		threshold: constants.DefaultDecisionThreshold,
	}, nil
}

func newModelFromTheta(theta []float64) *Model {
	m, _ := NewModel(parametersFromTheta(theta))
	return m
}

// Dim returns the expected feature dimension
func (m *Model) Dim() int {
	return len(m.weights)
}

// Parameters returns a deep copy of the learned parameters
func (m *Model) Parameters() Parameters {
	w := make([]float64, len(m.weights))
	copy(w, m.weights)
	return Parameters{
		constants.ParamWeights: w,
		constants.ParamBias:    {m.bias},
	}
}

// PredictProba returns P(label = 1 | x)
func (m *Model) PredictProba(x []float64) (float64, error) {
	if len(x) != len(m.weights) {
		return 0, errors.NewFieldValidationError(errors.CodeDimensionMismatch, "features", len(x), len(m.weights)).
			WithCause(errors.ErrDimensionMismatch)
	}
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, errors.NewValidationError(errors.CodeNonFiniteFeature, "features must be finite")
		}
	}
	return sigmoid(floats.Dot(m.weights, x) + m.bias), nil
}

// Predict returns the class label, 1 when PredictProba exceeds the threshold.
// A probability exactly on the threshold is labeled 0.
func (m *Model) Predict(x []float64) (int, error) {
	p, err := m.PredictProba(x)
	if err != nil {
		return 0, err
	}
	if p > m.threshold {
		return 1, nil
	}
	return 0, nil
}

// PredictBatch predicts every row of xs
func (m *Model) PredictBatch(xs [][]float64) ([]int, error) {
	out := make([]int, len(xs))
	for i, x := range xs {
		label, err := m.Predict(x)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = label
	}
	return out, nil
}

// Accuracy returns the fraction of examples of d the model labels correctly
func (m *Model) Accuracy(d *Dataset) (float64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	correct := 0
	for _, ex := range d.examples {
		label, err := m.Predict(ex.Features)
		if err != nil {
			return 0, err
		}
		if label == ex.Label {
			correct++
		}
	}
	return float64(correct) / float64(len(d.examples)), nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
