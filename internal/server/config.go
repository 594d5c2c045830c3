package server

import (
	"fmt"
	"time"

	"github.com/inferloop/dptrain/internal/ml"
	"github.com/inferloop/dptrain/internal/observability/metrics"
	"github.com/inferloop/dptrain/pkg/constants"
)

// Config contains the configuration of the training API server
type Config struct {
	Host            string        `json:"host" yaml:"host" mapstructure:"host"`
	Port            int           `json:"port" yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxRequestSize  int64         `json:"max_request_size" yaml:"max_request_size" mapstructure:"max_request_size"`
	TLSCertFile     string        `json:"tls_cert_file,omitempty" yaml:"tls_cert_file,omitempty" mapstructure:"tls_cert_file"`
	TLSKeyFile      string        `json:"tls_key_file,omitempty" yaml:"tls_key_file,omitempty" mapstructure:"tls_key_file"`

	// Training capacity
	MaxConcurrentJobs int    `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
	MaxModels         int    `json:"max_models" yaml:"max_models" mapstructure:"max_models"`
	MaxFinishedJobs   int    `json:"max_finished_jobs" yaml:"max_finished_jobs" mapstructure:"max_finished_jobs"`
	ModelDir          string `json:"model_dir,omitempty" yaml:"model_dir,omitempty" mapstructure:"model_dir"`

	// AllowSeededTraining lets requests fix the sampling and noise seed.
	// Seeded runs are reproducible by anyone who knows the seed.
	AllowSeededTraining bool `json:"allow_seeded_training" yaml:"allow_seeded_training" mapstructure:"allow_seeded_training"`

	// Model persistence. ModelDir is shorthand for the local backend.
	Storage ml.StorageConfig `json:"storage" yaml:"storage" mapstructure:"storage"`

	EnableMetrics bool                 `json:"enable_metrics" yaml:"enable_metrics" mapstructure:"enable_metrics"`
	Influx        metrics.InfluxConfig `json:"influx" yaml:"influx" mapstructure:"influx"`
	Version       string               `json:"version" yaml:"version" mapstructure:"-"`
}

// NewDefaultConfig creates a default server configuration
func NewDefaultConfig() *Config {
	return &Config{
		Host:              constants.DefaultHost,
		Port:              constants.DefaultPort,
		ReadTimeout:       constants.DefaultReadTimeout,
		WriteTimeout:      constants.DefaultWriteTimeout,
		IdleTimeout:       constants.DefaultIdleTimeout,
		ShutdownTimeout:   constants.DefaultShutdownTimeout,
		MaxRequestSize:    constants.DefaultMaxRequestSize,
		MaxConcurrentJobs: constants.DefaultMaxTrainingJobs,
		MaxModels:         constants.DefaultMaxModels,
		MaxFinishedJobs:   constants.DefaultMaxFinishedJobs,
		EnableMetrics:     true,
		Version:           constants.AppVersion,
	}
}

// Validate validates the server configuration
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("max request size must be positive")
	}

	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max concurrent jobs must be positive")
	}

	if c.MaxModels < 0 {
		return fmt.Errorf("max models must not be negative")
	}

	if c.MaxFinishedJobs < 0 {
		return fmt.Errorf("max finished jobs must not be negative")
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls cert and key must be set together")
	}

	if err := c.StorageConfig().Validate(); err != nil {
		return err
	}

	if c.Influx.Enabled() && c.Influx.Bucket == "" {
		return fmt.Errorf("influx bucket is required")
	}

	return nil
}

// StorageConfig returns the effective model storage configuration
func (c *Config) StorageConfig() ml.StorageConfig {
	storage := c.Storage
	if c.ModelDir != "" && (storage.Backend == "" || storage.Backend == ml.BackendLocal) {
		storage.Backend = ml.BackendLocal
		storage.Dir = c.ModelDir
	}
	return storage
}

// GetAddress returns the server address
func (c *Config) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
