package ml

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/pkg/errors"
)

// RedisConfig holds configuration for Redis model storage
type RedisConfig struct {
	Addr         string        `json:"addr" yaml:"addr" mapstructure:"addr"`
	Password     string        `json:"password,omitempty" yaml:"password,omitempty" mapstructure:"password"`
	DB           int           `json:"db" yaml:"db" mapstructure:"db"`
	KeyPrefix    string        `json:"key_prefix" yaml:"key_prefix" mapstructure:"key_prefix"`
	TTL          time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size" mapstructure:"pool_size"`
}

// RedisModelStorage implements ModelStorage on Redis. Each model is a JSON
// string at <prefix>model:<id>; the set <prefix>models indexes the ids.
type RedisModelStorage struct {
	config *RedisConfig
	client redis.UniversalClient
	logger *logrus.Logger
}

// NewRedisModelStorage connects to Redis and verifies the connection
func NewRedisModelStorage(ctx context.Context, config *RedisConfig, logger *logrus.Logger) (*RedisModelStorage, error) {
	if config == nil || config.Addr == "" {
		return nil, errors.NewConfigurationError(errors.CodeInvalidStorage, "redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolSize:     config.PoolSize,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to connect to redis at %s", config.Addr))
	}

	return newRedisModelStorage(client, config, logger), nil
}

func newRedisModelStorage(client redis.UniversalClient, config *RedisConfig, logger *logrus.Logger) *RedisModelStorage {
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisModelStorage{config: config, client: client, logger: logger}
}

// Store writes model, replacing an earlier version
func (r *RedisModelStorage) Store(ctx context.Context, model *RegisteredModel) (string, error) {
	key, err := r.modelKey(model.ID)
	if err != nil {
		return "", err
	}
	data, err := encodeModel(model)
	if err != nil {
		return "", err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, r.config.TTL)
		pipe.SAdd(ctx, r.indexKey(), model.ID)
		return nil
	})
	if err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to store model %s", model.ID))
	}

	r.logger.WithFields(logrus.Fields{
		"model_id": model.ID,
		"key":      key,
	}).Debug("Stored model in redis")

	return "redis://" + r.config.Addr + "/" + key, nil
}

// Retrieve reads a stored model
func (r *RedisModelStorage) Retrieve(ctx context.Context, id string) (*RegisteredModel, error) {
	key, err := r.modelKey(id)
	if err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, modelNotFound(id)
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to read model %s", id))
	}
	return decodeModel(id, data)
}

// Delete removes a stored model
func (r *RedisModelStorage) Delete(ctx context.Context, id string) error {
	key, err := r.modelKey(id)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to delete model %s", id))
	}
	return nil
}

// Exists checks if a model is stored
func (r *RedisModelStorage) Exists(ctx context.Context, id string) (bool, error) {
	key, err := r.modelKey(id)
	if err != nil {
		return false, err
	}

	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to check model %s", id))
	}
	return n > 0, nil
}

// List returns the ids of all stored models, sorted. Ids whose model expired
// through the TTL are dropped from the index.
func (r *RedisModelStorage) List(ctx context.Context) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			"failed to list models")
	}

	ids := make([]string, 0, len(members))
	for _, id := range members {
		ok, err := r.Exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetMetadata returns metadata about a stored model. Redis keeps no
// modification time, so LastModified is the model's UpdatedAt.
func (r *RedisModelStorage) GetMetadata(ctx context.Context, id string) (*StorageMetadata, error) {
	key, err := r.modelKey(id)
	if err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, modelNotFound(id)
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to read model %s", id))
	}
	model, err := decodeModel(id, data)
	if err != nil {
		return nil, err
	}

	return &StorageMetadata{
		Path:         "redis://" + r.config.Addr + "/" + key,
		Size:         int64(len(data)),
		LastModified: model.UpdatedAt,
		Checksum:     checksum(data),
	}, nil
}

// Close closes the Redis connection
func (r *RedisModelStorage) Close() error {
	return r.client.Close()
}

func (r *RedisModelStorage) modelKey(id string) (string, error) {
	if err := validateModelID(id); err != nil {
		return "", err
	}
	return r.config.KeyPrefix + "model:" + id, nil
}

func (r *RedisModelStorage) indexKey() string {
	return r.config.KeyPrefix + "models"
}

var _ ModelStorage = (*RedisModelStorage)(nil)
