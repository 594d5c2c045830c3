package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/dptrain/internal/ml"
	"github.com/inferloop/dptrain/internal/training"
	"github.com/inferloop/dptrain/pkg/constants"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	config := NewDefaultConfig()
	config.MaxConcurrentJobs = 2
	config.AllowSeededTraining = true
	s, err := NewServer(config, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Jobs().Shutdown(ctx)
	})
	return s
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func separableExamples(n int) []training.Example {
	examples := make([]training.Example, n)
	for i := range examples {
		label := i % 2
		x := float64(i%7)/7 + 0.5
		if label == 0 {
			x = -x
		}
		examples[i] = training.Example{Features: []float64{x, x / 2}, Label: label}
	}
	return examples
}

func TestConfigValidate(t *testing.T) {
	config := NewDefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, "0.0.0.0:8080", config.GetAddress())

	config.Port = 0
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.MaxConcurrentJobs = 0
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.TLSCertFile = "cert.pem"
	assert.Error(t, config.Validate())

	_, err := NewServer(config, nil)
	assert.Error(t, err)

	config = NewDefaultConfig()
	config.Storage.Backend = ml.BackendS3
	assert.Error(t, config.Validate(), "s3 needs a bucket")

	config = NewDefaultConfig()
	config.Influx.URL = "http://localhost:8086"
	config.Influx.Bucket = ""
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.MaxFinishedJobs = -1
	assert.Error(t, config.Validate())
}

func TestStorageConfigFromModelDir(t *testing.T) {
	config := NewDefaultConfig()
	assert.False(t, config.StorageConfig().Enabled())

	config.ModelDir = "/var/lib/dptrain"
	storage := config.StorageConfig()
	assert.Equal(t, ml.BackendLocal, storage.Backend)
	assert.Equal(t, "/var/lib/dptrain", storage.Dir)

	config.Storage.Backend = ml.BackendRedis
	assert.Equal(t, ml.BackendRedis, config.StorageConfig().Backend, "an explicit backend wins")
}

func TestHealthAddsRequestID(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(constants.HeaderRequestID))

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(2), body["max_jobs"])

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(constants.HeaderRequestID, "fixed-id")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "fixed-id", rec.Header().Get(constants.HeaderRequestID))
}

func TestCalibrate(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/calibrations", map[string]interface{}{
		"num_examples": 200,
		"batch_size":   32,
		"epochs":       5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var cal struct {
		Strategy        string  `json:"composition_strategy"`
		NoiseMultiplier float64 `json:"noise_multiplier"`
		Steps           int     `json:"steps"`
		Projected       struct {
			Epsilon float64 `json:"epsilon"`
		} `json:"projected"`
	}
	decodeBody(t, rec, &cal)
	assert.Equal(t, "advanced", cal.Strategy)
	assert.Equal(t, 35, cal.Steps)
	assert.Greater(t, cal.NoiseMultiplier, 1.0)
	assert.LessOrEqual(t, cal.Projected.Epsilon, 1.0)
}

func TestCalibrateRejectsInvalidBudget(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/calibrations", map[string]interface{}{
		"privacy":      map[string]interface{}{"epsilon": -1},
		"num_examples": 200,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "INVALID_EPSILON", body.Error.Code)
	assert.Equal(t, "configuration", body.Error.Type)
	assert.NotEmpty(t, body.RequestID)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/calibrations", map[string]interface{}{
		"num_examples": 10,
		"batch_size":   20,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	decodeBody(t, rec, &body)
	assert.Equal(t, "BATCH_SIZE_INVALID", body.Error.Code)
}

func TestTrainingLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/trainings", map[string]interface{}{
		"name":       "lifecycle",
		"privacy":    map[string]interface{}{"epsilon": 2},
		"seed":       3,
		"examples":   separableExamples(40),
		"batch_size": 10,
		"epochs":     2,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created struct {
		ID     string `json:"id"`
		Target struct {
			Epsilon float64 `json:"epsilon"`
		} `json:"target"`
	}
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, 2.0, created.Target.Epsilon)
	assert.Equal(t, "/api/v1/trainings/"+created.ID, rec.Header().Get("Location"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.Jobs().Wait(ctx, created.ID)
	require.NoError(t, err)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/trainings/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job struct {
		Status   string `json:"status"`
		StepsRun int    `json:"steps_run"`
		ModelID  string `json:"model_id"`
	}
	decodeBody(t, rec, &job)
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, 8, job.StepsRun)
	assert.Equal(t, created.ID, job.ModelID)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/trainings/"+created.ID+"/budget", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var budget BudgetResponse
	decodeBody(t, rec, &budget)
	assert.LessOrEqual(t, budget.Spent.Epsilon, budget.Target.Epsilon)
	assert.LessOrEqual(t, budget.Spent.Delta, budget.Target.Delta)
	assert.Greater(t, budget.Spent.Epsilon, 0.0)
	require.NotNil(t, budget.Status)
	assert.Equal(t, 8, budget.Status.StepsTaken)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/trainings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/models/"+created.ID+"/predict",
		PredictRequest{Features: []float64{1.2, 0.6}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var prediction struct {
		Label       int     `json:"label"`
		Probability float64 `json:"probability"`
	}
	decodeBody(t, rec, &prediction)
	assert.Contains(t, []int{0, 1}, prediction.Label)
	assert.GreaterOrEqual(t, prediction.Probability, 0.0)
	assert.LessOrEqual(t, prediction.Probability, 1.0)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/models/"+created.ID+"/predict",
		PredictRequest{Features: []float64{1}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "DIMENSION_MISMATCH", body.Error.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/models/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/api/v1/models/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(t, s, http.MethodGet, "/api/v1/models/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTraining(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/trainings", map[string]interface{}{
		"seed":       5,
		"examples":   separableExamples(200),
		"batch_size": 2,
		"epochs":     2000,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &created)

	rec = doRequest(t, s, http.MethodDelete, "/api/v1/trainings/"+created.ID, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	job, err := s.Jobs().Wait(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, training.StateAborted, job.Status)
	assert.Equal(t, training.AbortReasonInterrupted, job.Reason)
}

func TestCreateTrainingRejectsBadRequests(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"malformed json", `{"examples": [`, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown field", `{"examplez": []}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"empty dataset", map[string]interface{}{"examples": []training.Example{}}, http.StatusBadRequest, "EMPTY_DATASET"},
		{"bad label", map[string]interface{}{
			"examples": []training.Example{{Features: []float64{1}, Label: 2}},
		}, http.StatusBadRequest, "LABEL_INVALID"},
		{"batch too large", map[string]interface{}{
			"examples":   separableExamples(4),
			"batch_size": 10,
		}, http.StatusBadRequest, "BATCH_SIZE_INVALID"},
		{"bad delta", map[string]interface{}{
			"privacy":    map[string]interface{}{"delta": 2},
			"examples":   separableExamples(4),
			"batch_size": 2,
		}, http.StatusBadRequest, "INVALID_DELTA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/api/v1/trainings", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			var body errorBody
			decodeBody(t, rec, &body)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}

	assert.Empty(t, s.Jobs().List())
}

func TestSeededTrainingIsDisabledByDefault(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	config := NewDefaultConfig()
	require.False(t, config.AllowSeededTraining)
	s, err := NewServer(config, logger)
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/trainings", map[string]interface{}{
		"seed":       11,
		"examples":   separableExamples(20),
		"batch_size": 5,
		"epochs":     1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "SEED_NOT_ALLOWED", body.Error.Code)
	assert.Empty(t, s.Jobs().List())

	rec = doRequest(t, s, http.MethodPost, "/api/v1/trainings", map[string]interface{}{
		"examples":   separableExamples(20),
		"batch_size": 5,
		"epochs":     1,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Jobs().Shutdown(ctx))
}

func TestUnknownResources(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		method string
		path   string
		status int
		code   string
	}{
		{http.MethodGet, "/api/v1/trainings/nope", http.StatusNotFound, "JOB_NOT_FOUND"},
		{http.MethodGet, "/api/v1/trainings/nope/budget", http.StatusNotFound, "JOB_NOT_FOUND"},
		{http.MethodDelete, "/api/v1/trainings/nope", http.StatusNotFound, "JOB_NOT_FOUND"},
		{http.MethodGet, "/api/v1/models/nope", http.StatusNotFound, "MODEL_NOT_FOUND"},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound, "ROUTE_NOT_FOUND"},
	}

	for _, tt := range tests {
		rec := doRequest(t, s, tt.method, tt.path, nil)
		require.Equal(t, tt.status, rec.Code, "%s %s", tt.method, tt.path)
		var body errorBody
		decodeBody(t, rec, &body)
		assert.Equal(t, tt.code, body.Error.Code, "%s %s", tt.method, tt.path)
	}

	rec := doRequest(t, s, http.MethodPost, "/api/v1/models/nope/predict", PredictRequest{Features: []float64{1}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	doRequest(t, s, http.MethodGet, "/health", nil)
	rec := doRequest(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dptrain_http_requests_total")
	assert.Contains(t, rec.Body.String(), `path="/health"`)
}

func TestRecoveryMiddleware(t *testing.T) {
	s := newTestServer(t)

	handler := s.requestIDMiddleware(s.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.NotEmpty(t, body.RequestID)
}

func TestRequestSizeLimit(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	config := NewDefaultConfig()
	config.MaxRequestSize = 16
	s, err := NewServer(config, logger)
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/calibrations", map[string]interface{}{
		"num_examples": 200,
		"batch_size":   32,
		"epochs":       5,
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "REQUEST_TOO_LARGE", body.Error.Code)
}

func TestModelsPersistAcrossRestarts(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	config := NewDefaultConfig()
	config.ModelDir = t.TempDir()

	first, err := NewServer(config, logger)
	require.NoError(t, err)

	rec := doRequest(t, first, http.MethodPost, "/api/v1/trainings", map[string]interface{}{
		"examples":   separableExamples(40),
		"batch_size": 10,
		"epochs":     1,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &created)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = first.Jobs().Wait(ctx, created.ID)
	require.NoError(t, err)
	require.NoError(t, first.Jobs().Shutdown(ctx))

	second, err := NewServer(config, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Jobs().Shutdown(context.Background()) })

	rec = doRequest(t, second, http.MethodGet, "/api/v1/models/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, second, http.MethodPost, "/api/v1/models/"+created.ID+"/predict",
		map[string]interface{}{"features": []float64{1, 0.5}})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, second, http.MethodDelete, "/api/v1/models/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	third, err := NewServer(config, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = third.Jobs().Shutdown(context.Background()) })
	rec = doRequest(t, third, http.MethodGet, "/api/v1/models/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInfluxRecorderIsWiredIntoHealth(t *testing.T) {
	var pings atomic.Int32
	influx := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			pings.Add(1)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer influx.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	config := NewDefaultConfig()
	config.Influx.URL = influx.URL
	config.Influx.Bucket = "dp"
	s, err := NewServer(config, logger)
	require.NoError(t, err)
	defer s.Stop(context.Background())

	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string                            `json:"status"`
		Checks map[string]map[string]interface{} `json:"checks"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body.Status)
	require.Contains(t, body.Checks, "influxdb")
	assert.Equal(t, "healthy", body.Checks["influxdb"]["status"])
	assert.Equal(t, int32(1), pings.Load())
}
