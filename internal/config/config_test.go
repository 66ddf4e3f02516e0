package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SimonDedman/sharktrack/internal/config"
)

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "sharkbatch.yaml")

	cfg, err := config.LoadConfig(path, zap.NewNop())
	require.NoError(t, err)
	assert.FileExists(t, path)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.AutoSaveInterval)
	assert.Equal(t, time.Hour, cfg.StaleProcessingAfter)
	assert.Contains(t, cfg.VideoExtensions, ".mp4")
	assert.Equal(t, 1, cfg.Workers.Min)
	assert.Equal(t, 16, cfg.Workers.Max)
	assert.InDelta(t, 8.0, cfg.Workers.MemoryPercentPerWorker, 0.001)
}

func TestLoadConfigFillsMissingFieldsFromDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	partial := `
batch_name: reef-survey
input_dir: /data/videos
output_dir: /data/tracks
workers:
  min: 2
`
	require.NoError(t, os.WriteFile(path, []byte(partial), 0644))

	cfg, err := config.LoadConfig(path, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "reef-survey", cfg.BatchName)
	assert.Equal(t, "/data/videos", cfg.InputDir)
	assert.Equal(t, 2, cfg.Workers.Min)
	// Unset fields come from the defaults.
	assert.Equal(t, 16, cfg.Workers.Max)
	assert.InDelta(t, 80.0, cfg.Workers.TargetCPUPercent, 0.001)
	assert.Equal(t, 5*time.Second, cfg.Workers.AdjustmentInterval)
	assert.Equal(t, "nats://localhost:4222", cfg.Reporting.Nats.URL)
	assert.NotEmpty(t, cfg.TaskCommand)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: [not a map"), 0644))

	_, err := config.LoadConfig(path, zap.NewNop())
	require.Error(t, err)
}

func TestSaveConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.yaml")
	second := filepath.Join(dir, "second.yaml")

	cfg, err := config.LoadConfig(first, zap.NewNop())
	require.NoError(t, err)
	cfg.BatchName = "roundtrip"
	cfg.Workers.Max = 4

	require.NoError(t, config.SaveConfig(cfg, second, zap.NewNop()))

	again, err := config.LoadConfig(second, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", again.BatchName)
	assert.Equal(t, 4, again.Workers.Max)
}
