package ml

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/pkg/errors"
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendS3       = "s3"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// StorageConfig selects and configures the model storage backend. An empty
// backend keeps models in memory only.
type StorageConfig struct {
	Backend  string         `json:"backend" yaml:"backend" mapstructure:"backend"`
	Dir      string         `json:"dir,omitempty" yaml:"dir,omitempty" mapstructure:"dir"`
	S3       S3Config       `json:"s3" yaml:"s3" mapstructure:"s3"`
	Redis    RedisConfig    `json:"redis" yaml:"redis" mapstructure:"redis"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres" mapstructure:"postgres"`
}

// Enabled reports whether models are persisted
func (c StorageConfig) Enabled() bool {
	return c.Backend != "" && c.Backend != BackendMemory
}

// Validate checks that the selected backend has what it needs to connect
func (c StorageConfig) Validate() error {
	switch c.Backend {
	case "", BackendMemory:
	case BackendLocal:
		if c.Dir == "" {
			return errors.NewConfigurationError(errors.CodeInvalidStorage, "local storage needs a directory")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return errors.NewConfigurationError(errors.CodeInvalidStorage, "S3 bucket is required")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.NewConfigurationError(errors.CodeInvalidStorage, "redis address is required")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return errors.NewConfigurationError(errors.CodeInvalidStorage, "postgres dsn is required")
		}
	default:
		return errors.NewConfigurationError(errors.CodeInvalidStorage,
			fmt.Sprintf("unknown storage backend %q (want local, s3, redis or postgres)", c.Backend))
	}
	return nil
}

// NewModelStorage connects the configured backend. It returns a nil storage
// for the in-memory backend. Backends holding connections implement io.Closer.
func NewModelStorage(ctx context.Context, config StorageConfig, logger *logrus.Logger) (ModelStorage, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		store ModelStorage
		err   error
	)
	switch config.Backend {
	case BackendLocal:
		store, err = NewLocalModelStorage(config.Dir, logger)
	case BackendS3:
		store, err = NewS3ModelStorage(&config.S3, logger)
	case BackendRedis:
		store, err = NewRedisModelStorage(ctx, &config.Redis, logger)
	case BackendPostgres:
		store, err = NewPostgresModelStorage(ctx, &config.Postgres, logger)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// CloseStorage releases the connections of store, if it holds any
func CloseStorage(store ModelStorage) error {
	if closer, ok := store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
