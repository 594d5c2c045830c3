package ml

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/dptrain/internal/training"
	"github.com/inferloop/dptrain/pkg/errors"
)

func testDataset(t *testing.T, n int) *training.Dataset {
	t.Helper()
	examples := make([]training.Example, n)
	for i := range examples {
		label := i % 2
		x := float64(i%7) / 7
		if label == 0 {
			x = -x - 0.5
		} else {
			x += 0.5
		}
		examples[i] = training.Example{Features: []float64{x, x / 2}, Label: label}
	}
	ds, err := training.NewDataset(examples)
	require.NoError(t, err)
	return ds
}

func trainedResult(t *testing.T) *training.Result {
	t.Helper()
	cfg := training.DefaultConfig()
	cfg.Seed = 7
	trainer, err := training.NewTrainer(cfg, logrus.New())
	require.NoError(t, err)
	result, err := trainer.Train(context.Background(), testDataset(t, 40), training.TrainOptions{BatchSize: 10, Epochs: 2})
	require.NoError(t, err)
	return result
}

func TestModelRegistryRegisterAndPredict(t *testing.T) {
	registry := NewModelRegistry(nil, logrus.New())
	result := trainedResult(t)

	model, err := registry.Register("run-1", "demo", result)
	require.NoError(t, err)
	assert.Equal(t, "run-1", model.ID)
	assert.Equal(t, training.StateCompleted, model.Status)
	assert.Equal(t, result.Spent, model.Spent)
	assert.Len(t, model.Parameters.Weights(), 2)

	pred, err := registry.Predict("run-1", []float64{1, 0.5})
	require.NoError(t, err)
	assert.Equal(t, "run-1", pred.ModelID)
	assert.GreaterOrEqual(t, pred.Probability, 0.0)
	assert.LessOrEqual(t, pred.Probability, 1.0)

	expected, err := result.Model.Predict([]float64{1, 0.5})
	require.NoError(t, err)
	assert.Equal(t, expected, pred.Label)

	_, err = registry.Predict("run-1", []float64{1})
	assert.True(t, errors.IsValidationError(err))
}

func TestModelRegistryNotFound(t *testing.T) {
	registry := NewModelRegistry(nil, nil)

	_, err := registry.Get("missing")
	assert.ErrorIs(t, err, errors.ErrModelNotFound)
	assert.Equal(t, 404, errors.HTTPStatusOf(err))

	_, err = registry.Predict("missing", []float64{1})
	assert.ErrorIs(t, err, errors.ErrModelNotFound)

	assert.ErrorIs(t, registry.Delete("missing"), errors.ErrModelNotFound)
}

func TestModelRegistryRejectsRunsWithoutModel(t *testing.T) {
	registry := NewModelRegistry(nil, nil)

	_, err := registry.Register("x", "", nil)
	assert.ErrorIs(t, err, errors.ErrModelNotTrained)

	_, err = registry.Register("x", "", &training.Result{Status: training.StateTraining, Model: trainedResult(t).Model})
	assert.True(t, errors.IsValidationError(err))
}

func TestModelRegistryListDeleteAndEvict(t *testing.T) {
	registry := NewModelRegistry(&RegistryConfig{MaxModels: 2}, nil)
	result := trainedResult(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := registry.Register(id, id, result)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, registry.Count())

	ids := []string{}
	for _, m := range registry.List() {
		ids = append(ids, m.ID)
	}
	assert.NotContains(t, ids, "a")
	assert.Contains(t, ids, "c")

	require.NoError(t, registry.Delete("c"))
	assert.Equal(t, 1, registry.Count())
}

func TestModelRegistrySnapshotsAreIsolated(t *testing.T) {
	registry := NewModelRegistry(nil, nil)
	_, err := registry.Register("run", "", trainedResult(t))
	require.NoError(t, err)

	got, err := registry.Get("run")
	require.NoError(t, err)
	original := got.Parameters.Weights()[0]
	got.Parameters["weights"][0] = 1e9

	again, err := registry.Get("run")
	require.NoError(t, err)
	assert.Equal(t, original, again.Parameters.Weights()[0])
}

func TestModelRegistryEvaluate(t *testing.T) {
	registry := NewModelRegistry(nil, nil)
	_, err := registry.Register("run", "", trainedResult(t))
	require.NoError(t, err)

	ds := testDataset(t, 20)
	metrics, err := registry.Evaluate("run", ds)
	require.NoError(t, err)
	assert.Equal(t, 20, metrics.Examples)
	assert.GreaterOrEqual(t, metrics.Accuracy, 0.0)
	assert.LessOrEqual(t, metrics.Accuracy, 1.0)

	model, err := registry.Get("run")
	require.NoError(t, err)
	require.NotNil(t, model.Metrics)
	assert.Equal(t, metrics.Accuracy, model.Metrics.Accuracy)
}

func TestLocalModelStorageRoundTrip(t *testing.T) {
	store, err := NewLocalModelStorage(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	registry := NewModelRegistry(nil, nil)
	registry.SetStorage(store)

	registered, err := registry.Register("run-7", "stored", trainedResult(t))
	require.NoError(t, err)

	exists, err := store.Exists(ctx, "run-7")
	require.NoError(t, err)
	assert.True(t, exists)

	meta, err := store.GetMetadata(ctx, "run-7")
	require.NoError(t, err)
	assert.Positive(t, meta.Size)
	assert.Len(t, meta.Checksum, 64)

	restored := NewModelRegistry(nil, nil)
	restored.SetStorage(store)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restored.Get("run-7")
	require.NoError(t, err)
	assert.Equal(t, registered.Parameters, got.Parameters)
	assert.Equal(t, registered.Spent, got.Spent)
	assert.Equal(t, registered.Status, got.Status)

	x := []float64{0.8, -0.2}
	want, err := registry.Predict("run-7", x)
	require.NoError(t, err)
	have, err := restored.Predict("run-7", x)
	require.NoError(t, err)
	assert.Equal(t, want.Label, have.Label)
	assert.InDelta(t, want.Probability, have.Probability, 1e-12)

	require.NoError(t, restored.Delete("run-7"))
	exists, err = store.Exists(ctx, "run-7")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalModelStorageRejectsUnsafeIDs(t *testing.T) {
	store, err := NewLocalModelStorage(t.TempDir(), nil)
	require.NoError(t, err)

	for _, id := range []string{"", "..", "../escape", `a\\b`} {
		_, err := store.Retrieve(context.Background(), id)
		assert.True(t, errors.IsValidationError(err), id)
	}

	_, err = store.Retrieve(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrModelNotFound)
}

func TestRestoreSkipsCorruptArtifacts(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalModelStorage(dir, nil)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "broken"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken", "model.json"), []byte("{"), 0o600))

	registry := NewModelRegistry(nil, nil)
	registry.SetStorage(store)
	n, err := registry.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, registry.Count())
}
