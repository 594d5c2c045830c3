package training

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/dptrain/pkg/errors"
)

func TestNewDatasetCopiesExamples(t *testing.T) {
	examples := []Example{
		{Features: []float64{1, 2}, Label: 0},
		{Features: []float64{3, 4}, Label: 1},
	}
	ds, err := NewDataset(examples)
	require.NoError(t, err)

	examples[0].Features[0] = 99
	assert.Equal(t, []float64{1, 2}, ds.Example(0).Features)
	assert.Equal(t, 2, ds.Len())
	assert.Equal(t, 2, ds.Dim())
	assert.Equal(t, 0.5, ds.LabelBalance())

	got := ds.Examples()
	got[1].Features[1] = -1
	assert.Equal(t, []float64{3, 4}, ds.Example(1).Features)
}

func TestNewDatasetValidation(t *testing.T) {
	tests := []struct {
		name     string
		examples []Example
		code     string
		index    int
	}{
		{"empty", nil, errors.CodeEmptyDataset, -1},
		{"no features", []Example{{Features: nil, Label: 0}}, errors.CodeDimensionMismatch, -1},
		{
			name: "ragged features",
			examples: []Example{
				{Features: []float64{1, 2}, Label: 0},
				{Features: []float64{1}, Label: 1},
			},
			code:  errors.CodeDimensionMismatch,
			index: 1,
		},
		{
			name:     "non-binary label",
			examples: []Example{{Features: []float64{1}, Label: 2}},
			code:     errors.CodeLabelInvalid,
			index:    0,
		},
		{
			name: "non-finite feature",
			examples: []Example{
				{Features: []float64{1}, Label: 0},
				{Features: []float64{1}, Label: 1},
				{Features: []float64{math.Inf(-1)}, Label: 1},
			},
			code:  errors.CodeNonFiniteFeature,
			index: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := NewDataset(tt.examples)
			require.Error(t, err)
			assert.Nil(t, ds)
			assert.True(t, errors.IsValidationError(err))

			var appErr *errors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.code, appErr.Code)

			if tt.index >= 0 {
				var vErr *errors.ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.Equal(t, tt.index, vErr.Index)
			}
		})
	}
}

func TestNewDatasetFromMatrix(t *testing.T) {
	ds, err := NewDatasetFromMatrix([][]float64{{1}, {2}}, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())

	_, err = NewDatasetFromMatrix([][]float64{{1}, {2}}, []int{0})
	assert.True(t, errors.IsValidationError(err))
}

func TestLoadCSV(t *testing.T) {
	input := `x1,x2,label
0.5,1.5,1
-1, 2,0
3,4,1
`
	ds, err := LoadCSV(strings.NewReader(input), DefaultCSVOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, 2, ds.Dim())
	assert.Equal(t, Example{Features: []float64{-1, 2}, Label: 0}, ds.Example(1))
}

func TestLoadCSVLabelFirstNoHeader(t *testing.T) {
	input := "1;0.1;0.2\n0;0.3;0.4\n"
	ds, err := LoadCSV(strings.NewReader(input), CSVOptions{LabelColumn: 0, Comma: ';'})
	require.NoError(t, err)
	assert.Equal(t, Example{Features: []float64{0.1, 0.2}, Label: 1}, ds.Example(0))
}

func TestLoadCSVErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		code  string
	}{
		{"not a number", "a,label\nfoo,1\n", errors.CodeInvalidInput},
		{"bad label", "a,label\n1,0.5\n", errors.CodeLabelInvalid},
		{"only header", "a,label\n", errors.CodeEmptyDataset},
		{"ragged rows", "a,b,label\n1,2,1\n1,0\n", errors.CodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCSV(strings.NewReader(tt.input), DefaultCSVOptions())
			require.Error(t, err)
			var appErr *errors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.code, appErr.Code)
		})
	}
}

func TestScaler(t *testing.T) {
	ds, err := NewDataset([]Example{
		{Features: []float64{1, 5}, Label: 0},
		{Features: []float64{3, 5}, Label: 1},
		{Features: []float64{5, 5}, Label: 1},
	})
	require.NoError(t, err)

	scaler, err := FitScaler(ds)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, scaler.Mean[0], 1e-12)
	assert.InDelta(t, 2.0, scaler.Std[0], 1e-12)
	// Constant columns keep unit scale.
	assert.Equal(t, 1.0, scaler.Std[1])

	scaled, err := scaler.Transform(ds)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-1, 0}, scaled.Example(0).Features, 1e-12)
	assert.InDeltaSlice(t, []float64{1, 0}, scaled.Example(2).Features, 1e-12)
	assert.Equal(t, 1, scaled.Example(2).Label)

	_, err = scaler.TransformVector([]float64{1})
	assert.True(t, errors.IsValidationError(err))
}
