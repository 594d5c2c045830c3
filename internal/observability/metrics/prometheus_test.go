package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/dptrain/internal/privacy"
	"github.com/inferloop/dptrain/internal/training"
)

func newTestMetrics(t *testing.T) *TrainingMetrics {
	t.Helper()
	tm, err := NewTrainingMetrics(nil, nil)
	require.NoError(t, err)
	return tm
}

func TestObserveStepTracksSpendPerRun(t *testing.T) {
	tm := newTestMetrics(t)

	tm.ObserveStep("run-a", privacy.Budget{Epsilon: 0.1, Delta: 1e-6}, time.Millisecond)
	tm.ObserveStep("run-a", privacy.Budget{Epsilon: 0.25, Delta: 2e-6}, time.Millisecond)
	tm.ObserveStep("run-b", privacy.Budget{Epsilon: 0.05, Delta: 1e-7}, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(tm.trainingStepsTotal.WithLabelValues("run-a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.trainingStepsTotal.WithLabelValues("run-b")))
	assert.Equal(t, 0.25, testutil.ToFloat64(tm.epsilonSpent.WithLabelValues("run-a")))
	assert.Equal(t, 2e-6, testutil.ToFloat64(tm.deltaSpent.WithLabelValues("run-a")))
	assert.Equal(t, 1, testutil.CollectAndCount(tm.stepDuration))

	tm.Forget("run-a")
	assert.Equal(t, 1, testutil.CollectAndCount(tm.epsilonSpent))
}

func TestObserveOutcomeAndRetries(t *testing.T) {
	tm := newTestMetrics(t)

	tm.ObserveOutcome("r1", training.StateCompleted, training.AbortReasonNone)
	tm.ObserveOutcome("r2", training.StateAborted, training.AbortReasonBudgetExhausted)
	tm.ObserveOutcome("r3", training.StateAborted, training.AbortReasonBudgetExhausted)
	tm.ObserveRetry("r1")

	assert.Equal(t, 1.0, testutil.ToFloat64(tm.trainingRunsTotal.WithLabelValues("completed", "none")))
	assert.Equal(t, 2.0, testutil.ToFloat64(tm.trainingRunsTotal.WithLabelValues("aborted", "budget_exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.stepRetriesTotal))
}

func TestHandlerExposesNamespacedMetrics(t *testing.T) {
	tm := newTestMetrics(t)
	tm.ObserveStep("run-a", privacy.Budget{Epsilon: 0.5, Delta: 1e-5}, time.Millisecond)
	tm.RecordHTTPRequest(http.MethodGet, "/api/v1/trainings", "200", time.Millisecond)

	rec := httptest.NewRecorder()
	tm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	for _, name := range []string{
		"dptrain_training_steps_total",
		"dptrain_epsilon_spent",
		"dptrain_delta_spent",
		"dptrain_step_duration_seconds",
		"dptrain_http_requests_total",
	} {
		assert.True(t, strings.Contains(text, name), "missing %s", name)
	}
}

func TestTrainerReportsToMetrics(t *testing.T) {
	tm := newTestMetrics(t)

	examples := make([]training.Example, 20)
	for i := range examples {
		x := float64(i%5) + 1
		label := i % 2
		if label == 0 {
			x = -x
		}
		examples[i] = training.Example{Features: []float64{x}, Label: label}
	}
	ds, err := training.NewDataset(examples)
	require.NoError(t, err)

	cfg := training.DefaultConfig()
	cfg.Seed = 11
	cfg.Recorder = tm
	trainer, err := training.NewTrainer(cfg, nil)
	require.NoError(t, err)

	result, err := trainer.Train(t.Context(), ds, training.TrainOptions{BatchSize: 5, Epochs: 1})
	require.NoError(t, err)

	assert.Equal(t, float64(result.StepsRun), testutil.ToFloat64(tm.trainingStepsTotal.WithLabelValues(trainer.ID())))
	assert.Equal(t, result.Spent.Epsilon, testutil.ToFloat64(tm.epsilonSpent.WithLabelValues(trainer.ID())))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.trainingRunsTotal.WithLabelValues("completed", "none")))
}
