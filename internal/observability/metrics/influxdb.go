package metrics

import (
	"context"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/internal/privacy"
	"github.com/inferloop/dptrain/internal/training"
	"github.com/inferloop/dptrain/pkg/errors"
)

// InfluxConfig configures the InfluxDB training recorder. An empty URL
// disables it.
type InfluxConfig struct {
	URL           string        `json:"url" yaml:"url" mapstructure:"url"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty" mapstructure:"token"`
	Organization  string        `json:"organization" yaml:"organization" mapstructure:"organization"`
	Bucket        string        `json:"bucket" yaml:"bucket" mapstructure:"bucket"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval" mapstructure:"flush_interval"`
	MaxRetries    int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	UseGZip       bool          `json:"use_gzip" yaml:"use_gzip" mapstructure:"use_gzip"`
}

// Enabled reports whether a server URL is configured
func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

// InfluxRecorder writes training telemetry to InfluxDB as time series: one
// training_step point per committed step, one training_retry point per
// recomputed step and one training_run point per finished run. Writes are
// batched and asynchronous; failures are logged.
type InfluxRecorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	config   *InfluxConfig
	logger   *logrus.Logger

	closeOnce sync.Once
	done      chan struct{}
}

const closeTimeout = 5 * time.Second

var _ training.Recorder = (*InfluxRecorder)(nil)

// NewInfluxRecorder creates a recorder writing to config.Bucket
func NewInfluxRecorder(config *InfluxConfig, logger *logrus.Logger) (*InfluxRecorder, error) {
	if config == nil || config.URL == "" {
		return nil, errors.NewConfigurationError(errors.CodeInvalidStorage, "InfluxDB url is required")
	}
	if config.Bucket == "" {
		return nil, errors.NewConfigurationError(errors.CodeInvalidStorage, "InfluxDB bucket is required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	if config.BatchSize == 0 {
		config.BatchSize = 500
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = time.Second
	}

	client := influxdb2.NewClientWithOptions(
		config.URL,
		config.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(config.BatchSize)).
			SetFlushInterval(uint(config.FlushInterval.Milliseconds())).
			SetMaxRetries(uint(config.MaxRetries)).
			SetUseGZip(config.UseGZip).
			SetPrecision(time.Millisecond),
	)

	r := &InfluxRecorder{
		client:   client,
		writeAPI: client.WriteAPI(config.Organization, config.Bucket),
		config:   config,
		logger:   logger,
		done:     make(chan struct{}),
	}

	// The error channel must be taken before the first write.
	go r.handleWriteErrors(r.writeAPI.Errors())

	return r, nil
}

// ObserveStep writes the run's cumulative spend after a committed step
func (r *InfluxRecorder) ObserveStep(runID string, spent privacy.Budget, duration time.Duration) {
	p := influxdb2.NewPointWithMeasurement("training_step").
		AddTag("run", runID).
		AddField("epsilon_spent", spent.Epsilon).
		AddField("delta_spent", spent.Delta).
		AddField("duration_ms", float64(duration.Microseconds())/1000).
		SetTime(time.Now())
	r.writeAPI.WritePoint(p)
}

// ObserveRetry writes a recomputed step
func (r *InfluxRecorder) ObserveRetry(runID string) {
	p := influxdb2.NewPointWithMeasurement("training_retry").
		AddTag("run", runID).
		AddField("count", 1).
		SetTime(time.Now())
	r.writeAPI.WritePoint(p)
}

// ObserveOutcome writes how a run finished
func (r *InfluxRecorder) ObserveOutcome(runID string, status training.State, reason training.AbortReason) {
	label := string(reason)
	if label == "" {
		label = "none"
	}
	p := influxdb2.NewPointWithMeasurement("training_run").
		AddTag("run", runID).
		AddTag("status", string(status)).
		AddTag("reason", label).
		AddField("count", 1).
		SetTime(time.Now())
	r.writeAPI.WritePoint(p)
}

// Ping checks that the InfluxDB server is reachable
func (r *InfluxRecorder) Ping(ctx context.Context) error {
	ok, err := r.client.Ping(ctx)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			"failed to ping InfluxDB")
	}
	if !ok {
		return errors.NewAppError(errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			"InfluxDB is not ready")
	}
	return nil
}

// Close flushes pending points and closes the client
func (r *InfluxRecorder) Close() error {
	r.closeOnce.Do(func() {
		r.writeAPI.Flush()
		r.client.Close()
		select {
		case <-r.done:
		case <-time.After(closeTimeout):
			r.logger.Warn("Timed out waiting for InfluxDB write errors to drain")
		}
		r.logger.Debug("InfluxDB recorder closed")
	})
	return nil
}

func (r *InfluxRecorder) handleWriteErrors(errCh <-chan error) {
	defer close(r.done)
	for err := range errCh {
		r.logger.WithError(err).WithField("bucket", r.config.Bucket).Warn("InfluxDB write failed")
	}
}
