package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadChannels(t *testing.T) {
	path := writeRoster(t, `
channels:
  - id: some_channel
    limit: 200
  - id: "-1001234567890"
    fetch_media: false
  - id: another_channel
`)

	channels, err := LoadChannels(path)
	require.NoError(t, err)
	require.Len(t, channels, 3)

	assert.Equal(t, "some_channel", channels[0].ID)
	assert.Equal(t, 200, channels[0].Limit)
	assert.True(t, channels[0].MediaEnabled())

	assert.Equal(t, "-1001234567890", channels[1].ID)
	assert.False(t, channels[1].MediaEnabled())

	assert.True(t, channels[2].MediaEnabled(), "fetch_media defaults to true")
}

func TestLoadChannels_MissingFile(t *testing.T) {
	channels, err := LoadChannels(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestLoadChannels_EmptyPath(t *testing.T) {
	channels, err := LoadChannels("")
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestLoadChannels_MissingID(t *testing.T) {
	path := writeRoster(t, `
channels:
  - limit: 10
`)

	_, err := LoadChannels(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id is required")
}

func TestLoadChannels_BadYAML(t *testing.T) {
	path := writeRoster(t, "channels: [::")

	_, err := LoadChannels(path)
	require.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 50, cfg.CheckpointEvery)
	assert.Equal(t, 5, cfg.MaxConcurrentDls)
	assert.Equal(t, 3200, cfg.HTTPPort)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("CHECKPOINT_INTERVAL", "10")
	t.Setenv("TG_API_ID", "12345")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 10, cfg.CheckpointEvery)
	assert.Equal(t, 12345, cfg.TGApiID)
}
