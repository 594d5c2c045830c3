package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/dptrain/cmd/cli/config"
	"github.com/inferloop/dptrain/pkg/constants"
)

func TestParseFlagsOverridesConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DPTRAIN_SERVER_MAX_CONCURRENT_JOBS", "2")

	opts, err := ParseFlags([]string{"--port", "9443", "--max-models", "7"})
	require.NoError(t, err)
	assert.False(t, opts.Version)

	cfg, err := config.LoadConfig(opts.ConfigFile, opts.Flags)
	require.NoError(t, err)

	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Server.MaxModels)
	assert.Equal(t, 2, cfg.Server.MaxConcurrentJobs, "env applies when the flag is not given")
	assert.Equal(t, constants.DefaultHost, cfg.Server.Host)
	assert.False(t, cfg.Server.AllowSeededTraining)
	assert.Equal(t, constants.DefaultMaxFinishedJobs, cfg.Server.MaxFinishedJobs)
	require.NoError(t, cfg.Server.Validate())
}

func TestParseFlagsAllowsSeededTraining(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	opts, err := ParseFlags([]string{"--allow-seeded", "--max-finished-jobs", "10"})
	require.NoError(t, err)

	cfg, err := config.LoadConfig(opts.ConfigFile, opts.Flags)
	require.NoError(t, err)
	assert.True(t, cfg.Server.AllowSeededTraining)
	assert.Equal(t, 10, cfg.Server.MaxFinishedJobs)
}

func TestParseFlagsSelectsStorage(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DPTRAIN_SERVER_STORAGE_REDIS_ADDR", "redis:6379")

	opts, err := ParseFlags([]string{"--storage", "redis", "--influx-url", "http://influx:8086"})
	require.NoError(t, err)

	cfg, err := config.LoadConfig(opts.ConfigFile, opts.Flags)
	require.NoError(t, err)

	storage := cfg.Server.StorageConfig()
	assert.Equal(t, "redis", storage.Backend)
	assert.Equal(t, "redis:6379", storage.Redis.Addr)
	assert.Equal(t, "dptrain:", storage.Redis.KeyPrefix)
	assert.Equal(t, "http://influx:8086", cfg.Server.Influx.URL)
	assert.Equal(t, "dptrain", cfg.Server.Influx.Bucket)
	require.NoError(t, cfg.Server.Validate())
}

func TestParseFlagsRejectsUnknownFlag(t *testing.T) {
	_, err := ParseFlags([]string{"--workers-per-job", "4"})
	assert.Error(t, err)
}

func TestGetBuildInfo(t *testing.T) {
	info := GetBuildInfo()
	assert.Equal(t, constants.AppVersion, info.Version)
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.Platform)
	assert.NotEmpty(t, info.GonumVersion)
	assert.Equal(t, []string{"simple", "advanced"}, info.Strategies)
	assert.Equal(t, "advanced", info.DefaultStrategy)
	assert.Equal(t, "2..4096 (85 orders)", info.RDPOrders)
	assert.Equal(t, 1e4, info.MaxNoise)
	assert.Contains(t, info.StorageBackends, "postgres")
}
