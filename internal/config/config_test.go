package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TopGunBuild/topgun/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, `
server:
  node_id: node-1
`))
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Server.NodeID)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 256, cfg.Connection.OutboundChannelCapacity)
	assert.Equal(t, 5*time.Second, cfg.Connection.SendTimeout)
	assert.Equal(t, 60*time.Second, cfg.Connection.IdleTimeout)
	assert.Equal(t, 131072, cfg.Connection.WriteBufferBytes)
	assert.Equal(t, 524288, cfg.Connection.MaxWriteBufferBytes)
	assert.Equal(t, int64(1000), cfg.Pipeline.MaxConcurrentOperations)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.DefaultOperationTimeout)
	assert.Equal(t, 271, cfg.Partition.Count)
	assert.Equal(t, 1, cfg.Partition.BackupCount)
	assert.Equal(t, "lru", cfg.Storage.EvictionPolicy)
	assert.Equal(t, "none", cfg.Storage.WriteMode)
	assert.Equal(t, 10*time.Second, cfg.Clock.MaxSkew)
	assert.Equal(t, time.Minute, cfg.Gc.Interval)
	assert.Equal(t, 30*time.Second, cfg.AntiEntropy.Interval)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_Overrides(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, `
server:
  node_id: node-2
  port: 9090
partition:
  count: 16
  backup_count: 2
storage:
  write_mode: write-behind
  cost_limit_bytes: 1048576
  eviction_policy: lfu
pipeline:
  max_concurrent_operations: 5
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 16, cfg.Partition.Count)
	assert.Equal(t, 2, cfg.Partition.BackupCount)
	assert.Equal(t, "write-behind", cfg.Storage.WriteMode)
	assert.Equal(t, int64(1048576), cfg.Storage.CostLimitBytes)
	assert.Equal(t, "lfu", cfg.Storage.EvictionPolicy)
	assert.Equal(t, int64(5), cfg.Pipeline.MaxConcurrentOperations)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing node_id", `server: {port: 8080}`},
		{"bad write mode", "server:\n  node_id: n\nstorage:\n  write_mode: sometimes"},
		{"bad eviction policy", "server:\n  node_id: n\nstorage:\n  eviction_policy: random"},
		{"bad port", "server:\n  node_id: n\n  port: 70000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadConfig(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
