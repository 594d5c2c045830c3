package training

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/dptrain/pkg/errors"
)

// Example is one labelled training point. Labels are binary, 0 or 1.
type Example struct {
	Features []float64 `json:"features" yaml:"features"`
	Label    int       `json:"label" yaml:"label"`
}

// Dataset is an immutable, validated set of examples sharing one feature dimension
type Dataset struct {
	examples []Example
	dim      int
}

// NewDataset deep-copies and validates examples
func NewDataset(examples []Example) (*Dataset, error) {
	if len(examples) == 0 {
		return nil, errors.NewValidationError(errors.CodeEmptyDataset, "dataset has no examples").
			WithCause(errors.ErrEmptyDataset)
	}

	ds := &Dataset{
		examples: make([]Example, len(examples)),
		dim:      len(examples[0].Features),
	}
	for i, ex := range examples {
		features := make([]float64, len(ex.Features))
		copy(features, ex.Features)
		ds.examples[i] = Example{Features: features, Label: ex.Label}
	}

	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// NewDatasetFromMatrix builds a dataset from a row-major feature matrix and labels
func NewDatasetFromMatrix(features [][]float64, labels []int) (*Dataset, error) {
	if len(features) != len(labels) {
		return nil, errors.NewFieldValidationError(errors.CodeDimensionMismatch, "labels", len(labels), len(features))
	}
	examples := make([]Example, len(features))
	for i := range features {
		examples[i] = Example{Features: features[i], Label: labels[i]}
	}
	return NewDataset(examples)
}

// Validate checks the dataset invariants
func (d *Dataset) Validate() error {
	if d == nil || len(d.examples) == 0 {
		return errors.NewValidationError(errors.CodeEmptyDataset, "dataset has no examples").
			WithCause(errors.ErrEmptyDataset)
	}
	if d.dim == 0 {
		return errors.NewValidationError(errors.CodeDimensionMismatch, "examples have no features").
			WithCause(errors.ErrDimensionMismatch)
	}

	for i, ex := range d.examples {
		if len(ex.Features) != d.dim {
			err := errors.NewExampleValidationError(errors.CodeDimensionMismatch, i,
				fmt.Sprintf("expected %d features, got %d", d.dim, len(ex.Features)))
			err.Cause = errors.ErrDimensionMismatch
			return err
		}
		if ex.Label != 0 && ex.Label != 1 {
			return errors.NewExampleValidationError(errors.CodeLabelInvalid, i,
				fmt.Sprintf("label must be 0 or 1, got %d", ex.Label))
		}
		for _, v := range ex.Features {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errors.NewExampleValidationError(errors.CodeNonFiniteFeature, i,
					"features must be finite")
			}
		}
	}
	return nil
}

// Len returns the number of examples
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.examples)
}

// Dim returns the feature dimension
func (d *Dataset) Dim() int {
	if d == nil {
		return 0
	}
	return d.dim
}

// Example returns a copy of the i-th example
func (d *Dataset) Example(i int) Example {
	ex := d.examples[i]
	features := make([]float64, len(ex.Features))
	copy(features, ex.Features)
	return Example{Features: features, Label: ex.Label}
}

// Examples returns a deep copy of all examples
func (d *Dataset) Examples() []Example {
	out := make([]Example, d.Len())
	for i := range out {
		out[i] = d.Example(i)
	}
	return out
}

// LabelBalance returns the fraction of positive labels
func (d *Dataset) LabelBalance() float64 {
	if d.Len() == 0 {
		return 0
	}
	pos := 0
	for _, ex := range d.examples {
		pos += ex.Label
	}
	return float64(pos) / float64(len(d.examples))
}

// CSVOptions controls how LoadCSV reads a file
type CSVOptions struct {
	// LabelColumn is the zero-based label column; negative counts from the end.
	LabelColumn int
	HasHeader   bool
	Comma       rune
}

// DefaultCSVOptions reads comma-separated rows with a header and the label last
func DefaultCSVOptions() CSVOptions {
	return CSVOptions{LabelColumn: -1, HasHeader: true, Comma: ','}
}

// LoadCSV reads a dataset of numeric features and a 0/1 label column
func LoadCSV(r io.Reader, opts CSVOptions) (*Dataset, error) {
	reader := csv.NewReader(r)
	if opts.Comma != 0 {
		reader.Comma = opts.Comma
	}
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput,
			"failed to parse CSV")
	}
	if opts.HasHeader && len(records) > 0 {
		records = records[1:]
	}

	examples := make([]Example, 0, len(records))
	for row, record := range records {
		labelCol := opts.LabelColumn
		if labelCol < 0 {
			labelCol += len(record)
		}
		if labelCol < 0 || labelCol >= len(record) {
			return nil, errors.NewExampleValidationError(errors.CodeInvalidInput, row,
				fmt.Sprintf("label column %d out of range for %d columns", opts.LabelColumn, len(record)))
		}

		ex := Example{Features: make([]float64, 0, len(record)-1)}
		for col, field := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, errors.NewExampleValidationError(errors.CodeInvalidInput, row,
					fmt.Sprintf("column %d: %v", col, err))
			}
			if col == labelCol {
				if v != 0 && v != 1 {
					return nil, errors.NewExampleValidationError(errors.CodeLabelInvalid, row,
						fmt.Sprintf("label must be 0 or 1, got %v", v))
				}
				ex.Label = int(v)
				continue
			}
			ex.Features = append(ex.Features, v)
		}
		examples = append(examples, ex)
	}

	return NewDataset(examples)
}

// Scaler standardizes features to zero mean and unit variance. Fitting it on
// the training data reads that data outside the private mechanism, so its
// statistics are not covered by the run's (ε, δ) guarantee.
type Scaler struct {
	Mean []float64 `json:"mean" yaml:"mean"`
	Std  []float64 `json:"std" yaml:"std"`
}

// FitScaler computes per-feature mean and standard deviation
func FitScaler(d *Dataset) (*Scaler, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	s := &Scaler{
		Mean: make([]float64, d.dim),
		Std:  make([]float64, d.dim),
	}
	column := make([]float64, len(d.examples))
	for j := 0; j < d.dim; j++ {
		for i, ex := range d.examples {
			column[i] = ex.Features[j]
		}
		mean, std := stat.MeanStdDev(column, nil)
		if !(std > 0) {
			std = 1
		}
		s.Mean[j] = mean
		s.Std[j] = std
	}
	return s, nil
}

// TransformVector standardizes a single feature vector
func (s *Scaler) TransformVector(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, errors.NewFieldValidationError(errors.CodeDimensionMismatch, "features", len(x), len(s.Mean))
	}
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out, nil
}

// Transform returns a standardized copy of d
func (s *Scaler) Transform(d *Dataset) (*Dataset, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	examples := make([]Example, len(d.examples))
	for i, ex := range d.examples {
		x, err := s.TransformVector(ex.Features)
		if err != nil {
			return nil, err
		}
		examples[i] = Example{Features: x, Label: ex.Label}
	}
	return NewDataset(examples)
}
