package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/dptrain/internal/privacy"
	"github.com/inferloop/dptrain/pkg/constants"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, privacy.DefaultConfig(), cfg.Privacy)
	assert.Equal(t, constants.DefaultLearningRate, cfg.Training.LearningRate)
	assert.Equal(t, constants.DefaultBatchSize, cfg.Training.BatchSize)
	assert.Equal(t, constants.DefaultEpochs, cfg.Training.Epochs)
	assert.Equal(t, constants.DefaultMaxRetries, cfg.Training.MaxRetries)
	assert.Equal(t, constants.DefaultPort, cfg.Server.Port)
	assert.Equal(t, constants.DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)
	assert.Equal(t, constants.DefaultLogLevel, cfg.Logging.Level)
	require.NoError(t, cfg.Server.Validate())
	require.NoError(t, cfg.TrainerConfig().Validate())
}

func TestLoadConfigPrecedence(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
privacy:
  epsilon: 3
  delta: 0.0001
  composition_strategy: simple
training:
  batch_size: 64
  epochs: 10
  seed: 42
server:
  port: 9090
  shutdown_timeout: 5s
logging:
  level: debug
  format: text
`), 0o600))

	t.Setenv("DPTRAIN_TRAINING_EPOCHS", "20")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Float64("epsilon", constants.DefaultEpsilon, "")
	flags.Int("batch-size", constants.DefaultBatchSize, "")
	require.NoError(t, flags.Parse([]string{"--epsilon", "0.5"}))

	cfg, err := LoadConfig(path, flags)
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Privacy.Epsilon, "flag beats file")
	assert.Equal(t, 1e-4, cfg.Privacy.Delta)
	assert.Equal(t, privacy.CompositionSimple, cfg.Privacy.Composition)
	assert.Equal(t, 64, cfg.Training.BatchSize, "unset flag does not override file")
	assert.Equal(t, 20, cfg.Training.Epochs, "env beats file")
	assert.Equal(t, uint64(42), cfg.Training.Seed)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)

	opts := cfg.TrainOptions()
	assert.Equal(t, 64, opts.BatchSize)
	assert.Equal(t, 20, opts.Epochs)

	trainerCfg := cfg.TrainerConfig()
	assert.Equal(t, uint64(42), trainerCfg.Seed)
	assert.Equal(t, 0.5, trainerCfg.Privacy.Epsilon)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := LoggingConfig{Level: "warn", Format: "text"}.NewLogger(false)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	logger, err = LoggingConfig{Level: "info", Format: "json"}.NewLogger(true)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	_, err = LoggingConfig{Level: "loud"}.NewLogger(false)
	assert.Error(t, err)

	_, err = LoggingConfig{Level: "info", Format: "xml"}.NewLogger(false)
	assert.Error(t, err)
}
