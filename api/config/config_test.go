package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	cfg := New()

	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, DefaultOperationTimeout, cfg.OperationTimeout)
	assert.Equal(t, DefaultReconnectInterval, cfg.Reconnect.Interval)
	assert.Equal(t, float64(1), cfg.Reconnect.Multiplier)
	assert.Equal(t, DefaultWriteChunkSize, cfg.WriteChunkSize)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("overrides defaults", func(t *testing.T) {
		path := filepath.Join(dir, "full.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
connect_timeout: 5s
write_chunk_size: 180
reconnect:
  interval: 1s
  multiplier: 2
log:
  level: debug
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
		assert.Equal(t, 180, cfg.WriteChunkSize)
		assert.Equal(t, time.Second, cfg.Reconnect.Interval)
		assert.Equal(t, float64(2), cfg.Reconnect.Multiplier)
		assert.Equal(t, DefaultReconnectMaxInterval, cfg.Reconnect.MaxInterval)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, DefaultOperationTimeout, cfg.OperationTimeout)
	})

	t.Run("invalid values fall back to defaults", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
connect_timeout: -1s
write_chunk_size: 0
reconnect:
  multiplier: 0.5
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
		assert.Equal(t, DefaultWriteChunkSize, cfg.WriteChunkSize)
		assert.Equal(t, float64(1), cfg.Reconnect.Multiplier)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("connect_timeout: ["), 0o600))

		_, err := Load(path)
		assert.Error(t, err)
	})
}
