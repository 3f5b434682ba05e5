package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "default file written")

	assert.Equal(t, 8089, cfg.Server.Port)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.GetDataDir())
	assert.Equal(t, filepath.Join(dir, "data", "session.msgpack"), cfg.GetSessionPath())
	assert.Equal(t, filepath.Join(dir, "data", "audit.duckdb"), cfg.GetJournalPath())
	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout())
	assert.Equal(t, 5*time.Minute, cfg.LockoutDuration())
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay())
	assert.Equal(t, 10*time.Second, cfg.OperationTimeout())
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
	assert.Equal(t, "0.0.0.0:8089", cfg.GetServerAddr())
}

func TestLoadConfigReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9100
backend:
  realtimeUrl: ws://mes.plant.local/ws
  deviceOperationUrl: https://mes.plant.local/api/device/operation
audit:
  sinkUrl: https://mes.plant.local/api/security/log
  journalFile: ""
advanced:
  logLevel: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "ws://mes.plant.local/ws", cfg.Backend.RealtimeURL)
	assert.Equal(t, "https://mes.plant.local/api/security/log", cfg.Audit.SinkURL)
	assert.Equal(t, "", cfg.GetJournalPath())
	assert.Equal(t, "debug", cfg.Advanced.LogLevel)
	assert.Equal(t, 30, cfg.Session.TimeoutMinutes, "unset fields keep defaults")
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9200")
	t.Setenv("DATA_DIR", "/var/lib/console")
	t.Setenv("REALTIME_URL", "ws://backend:9000/ws")
	t.Setenv("DEVICE_API_URL", "http://backend:9000/api/device/operation")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "/var/lib/console", cfg.GetDataDir())
	assert.Equal(t, "ws://backend:9000/ws", cfg.Backend.RealtimeURL)
	assert.Equal(t, "http://backend:9000/api/device/operation", cfg.Backend.DeviceOperationURL)
	assert.Equal(t, "warn", cfg.Advanced.LogLevel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr bool
	}{
		{"defaults", func(*AppConfig) {}, false},
		{"port out of range", func(c *AppConfig) { c.Server.Port = 70000 }, true},
		{"missing realtime url", func(c *AppConfig) { c.Backend.RealtimeURL = "" }, true},
		{"bad sink url", func(c *AppConfig) { c.Audit.SinkURL = "not a url" }, true},
		{"bad log level", func(c *AppConfig) { c.Advanced.LogLevel = "verbose" }, true},
		{"zero timeout", func(c *AppConfig) { c.Session.TimeoutMinutes = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 0\n"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
