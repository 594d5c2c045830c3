package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/inferloop/dptrain/internal/privacy"
	"github.com/inferloop/dptrain/internal/server"
	"github.com/inferloop/dptrain/internal/training"
	"github.com/inferloop/dptrain/pkg/constants"
)

// CLIConfig is the file, environment and flag configuration shared by the
// dptrain binaries
type CLIConfig struct {
	Privacy  privacy.Config `mapstructure:"privacy"`
	Training TrainingConfig `mapstructure:"training"`
	Server   server.Config  `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// TrainingConfig holds the optimizer settings and the run shape
type TrainingConfig struct {
	LearningRate      float64 `mapstructure:"learning_rate"`
	LearningRateDecay float64 `mapstructure:"learning_rate_decay"`
	Workers           int     `mapstructure:"workers"`
	MaxRetries        int     `mapstructure:"max_retries"`
	Seed              uint64  `mapstructure:"seed"`
	BatchSize         int     `mapstructure:"batch_size"`
	Epochs            int     `mapstructure:"epochs"`
}

// LoggingConfig configures logrus
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// flagKeys maps command-line flags to configuration keys. Flags override the
// environment, which overrides the config file.
var flagKeys = map[string]string{
	"epsilon":              "privacy.epsilon",
	"delta":                "privacy.delta",
	"clip-norm":            "privacy.clip_norm",
	"strategy":             "privacy.composition_strategy",
	"max-noise-multiplier": "privacy.max_noise_multiplier",
	"learning-rate":        "training.learning_rate",
	"lr-decay":             "training.learning_rate_decay",
	"workers":              "training.workers",
	"max-retries":          "training.max_retries",
	"seed":                 "training.seed",
	"batch-size":           "training.batch_size",
	"epochs":               "training.epochs",
	"host":                 "server.host",
	"port":                 "server.port",
	"max-jobs":             "server.max_concurrent_jobs",
	"max-models":           "server.max_models",
	"max-finished-jobs":    "server.max_finished_jobs",
	"model-dir":            "server.model_dir",
	"allow-seeded":         "server.allow_seeded_training",
	"storage":              "server.storage.backend",
	"influx-url":           "server.influx.url",
	"log-level":            "logging.level",
	"log-format":           "logging.format",
}

// LoadConfig reads cfgFile (or $HOME/.dptrain/config.yaml when empty), the
// DPTRAIN_* environment and the flags in flags that have a configuration key
func LoadConfig(cfgFile string, flags *pflag.FlagSet) (*CLIConfig, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}

		v.AddConfigPath(filepath.Join(home, constants.DefaultConfigDir))
		v.SetConfigName(constants.DefaultConfigName)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &CLIConfig{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.Server.Version = constants.AppVersion

	return config, nil
}

func setDefaults(v *viper.Viper) {
	privacyDefaults := privacy.DefaultConfig()
	v.SetDefault("privacy.epsilon", privacyDefaults.Epsilon)
	v.SetDefault("privacy.delta", privacyDefaults.Delta)
	v.SetDefault("privacy.clip_norm", privacyDefaults.ClipNorm)
	v.SetDefault("privacy.composition_strategy", string(privacyDefaults.Composition))
	v.SetDefault("privacy.max_noise_multiplier", privacyDefaults.MaxNoiseMultiplier)

	v.SetDefault("training.learning_rate", constants.DefaultLearningRate)
	v.SetDefault("training.learning_rate_decay", constants.DefaultLearningRateDecay)
	v.SetDefault("training.workers", 0)
	v.SetDefault("training.max_retries", constants.DefaultMaxRetries)
	v.SetDefault("training.seed", uint64(0))
	v.SetDefault("training.batch_size", constants.DefaultBatchSize)
	v.SetDefault("training.epochs", constants.DefaultEpochs)

	serverDefaults := server.NewDefaultConfig()
	v.SetDefault("server.host", serverDefaults.Host)
	v.SetDefault("server.port", serverDefaults.Port)
	v.SetDefault("server.read_timeout", serverDefaults.ReadTimeout)
	v.SetDefault("server.write_timeout", serverDefaults.WriteTimeout)
	v.SetDefault("server.idle_timeout", serverDefaults.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", serverDefaults.ShutdownTimeout)
	v.SetDefault("server.max_request_size", serverDefaults.MaxRequestSize)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")
	v.SetDefault("server.max_concurrent_jobs", serverDefaults.MaxConcurrentJobs)
	v.SetDefault("server.max_models", serverDefaults.MaxModels)
	v.SetDefault("server.max_finished_jobs", serverDefaults.MaxFinishedJobs)
	v.SetDefault("server.model_dir", "")
	v.SetDefault("server.allow_seeded_training", false)

	v.SetDefault("server.storage.backend", "")
	v.SetDefault("server.storage.dir", "")
	v.SetDefault("server.storage.s3.region", "us-east-1")
	v.SetDefault("server.storage.s3.bucket", "")
	v.SetDefault("server.storage.s3.prefix", "")
	v.SetDefault("server.storage.s3.access_key_id", "")
	v.SetDefault("server.storage.s3.secret_access_key", "")
	v.SetDefault("server.storage.s3.endpoint", "")
	v.SetDefault("server.storage.s3.force_path_style", false)
	v.SetDefault("server.storage.s3.disable_ssl", false)
	v.SetDefault("server.storage.s3.max_retries", 3)
	v.SetDefault("server.storage.redis.addr", "")
	v.SetDefault("server.storage.redis.password", "")
	v.SetDefault("server.storage.redis.db", 0)
	v.SetDefault("server.storage.redis.key_prefix", constants.AppName+":")
	v.SetDefault("server.storage.redis.ttl", time.Duration(0))
	v.SetDefault("server.storage.redis.dial_timeout", 5*time.Second)
	v.SetDefault("server.storage.redis.read_timeout", 3*time.Second)
	v.SetDefault("server.storage.redis.write_timeout", 3*time.Second)
	v.SetDefault("server.storage.redis.pool_size", 10)
	v.SetDefault("server.storage.postgres.dsn", "")
	v.SetDefault("server.storage.postgres.table", "dp_models")
	v.SetDefault("server.storage.postgres.max_open_conns", 10)
	v.SetDefault("server.storage.postgres.max_idle_conns", 2)
	v.SetDefault("server.storage.postgres.conn_max_lifetime", time.Hour)

	v.SetDefault("server.influx.url", "")
	v.SetDefault("server.influx.token", "")
	v.SetDefault("server.influx.organization", "")
	v.SetDefault("server.influx.bucket", constants.AppName)
	v.SetDefault("server.influx.batch_size", 500)
	v.SetDefault("server.influx.flush_interval", time.Second)
	v.SetDefault("server.influx.max_retries", 3)
	v.SetDefault("server.influx.use_gzip", false)
	v.SetDefault("server.enable_metrics", serverDefaults.EnableMetrics)

	v.SetDefault("logging.level", constants.DefaultLogLevel)
	v.SetDefault("logging.format", constants.DefaultLogFormat)
}

// TrainerConfig returns the explicit trainer configuration
func (c *CLIConfig) TrainerConfig() training.Config {
	return training.Config{
		Privacy:           c.Privacy,
		LearningRate:      c.Training.LearningRate,
		LearningRateDecay: c.Training.LearningRateDecay,
		Workers:           c.Training.Workers,
		MaxRetries:        c.Training.MaxRetries,
		Seed:              c.Training.Seed,
	}
}

// TrainOptions returns the run shape
func (c *CLIConfig) TrainOptions() training.TrainOptions {
	return training.TrainOptions{
		BatchSize: c.Training.BatchSize,
		Epochs:    c.Training.Epochs,
	}
}

// NewLogger builds a logger from the logging configuration. verbose forces
// debug level.
func (c LoggingConfig) NewLogger(verbose bool) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(c.Format) {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q (want json or text)", c.Format)
	}

	return logger, nil
}

// GetDefaultConfigPath returns the config file read when none is given
func GetDefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, constants.DefaultConfigDir, constants.DefaultConfigName+".yaml")
}
