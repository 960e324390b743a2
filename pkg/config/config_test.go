package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, dir string) {
	t.Helper()
	data := `{
		"server": {"grpc_address": "127.0.0.1:9000", "ws_address": "127.0.0.1:9001", "completion_queue_depth": 256},
		"channel": {"dial_timeout_ms": 5000, "idle_timeout_ms": 60000, "cleanup_interval_ms": 30000, "call_size_hint": 8192},
		"audit": {"enabled": true, "host": "db.internal", "port": 5432, "user": "callcore", "password": "secret", "dbname": "calls", "max_conns": 8, "min_conns": 1, "queue_size": 500, "batch_size": 50, "batch_interval_ms": 500},
		"redis": {"host": "redis.internal", "port": 6379, "pool_size": 10},
		"log": {"level": "info"}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(data), 0644))
}

func TestLoadParsesEveryKnownSection(t *testing.T) {
	dir := t.TempDir()
	writeTestConfig(t, dir)
	t.Cleanup(viper.Reset)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.GRPCAddress)
	assert.Equal(t, "127.0.0.1:9001", cfg.Server.WSAddress)
	assert.Equal(t, 256, cfg.Server.CompletionQueueDepth)
	assert.Equal(t, 8192, cfg.Channel.CallSizeHint)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, int32(8), cfg.Audit.MaxConns)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr())
}

func TestAuditConnectionURL(t *testing.T) {
	c := AuditConfig{User: "u", Password: "p", Host: "h", Port: 5432, DBName: "d"}
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", c.ConnectionURL())
}

func TestLoadMissingConfigErrors(t *testing.T) {
	t.Cleanup(viper.Reset)
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}
