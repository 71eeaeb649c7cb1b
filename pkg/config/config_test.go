package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propbus/propbus-go/pkg/log"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "propbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
hub:
  socket_path: /run/propbus/hub.sock
  socket_mode: "0600"
shared_memory:
  allocation_unit: 2097152
logging:
  level: debug
  format: json
  protocol_log_max_size: 1048576
persistence:
  dir: /var/lib/propbus
client:
  settle_timeout: 5s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/run/propbus/hub.sock", cfg.Hub.SocketPath)
	mode, err := cfg.Hub.Mode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), mode)
	assert.Equal(t, 2<<20, cfg.SharedMem.AllocationUnit)
	assert.Equal(t, "/var/lib/propbus", cfg.Persistence.Dir)
	assert.Equal(t, 5*time.Second, cfg.Client.SettleTimeout)
	assert.Equal(t, int64(1<<20), cfg.Logging.ProtocolLogMaxSize)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Hub.MaxMessageSize, cfg.Hub.MaxMessageSize)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("/nonexistent/propbus.yaml")
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "hub: [not, a, map]"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROPBUS_SOCKET", "/tmp/other.sock")
	t.Setenv("PROPBUS_LOG_LEVEL", "warn")
	t.Setenv("PROPBUS_SETTLE_TIMEOUT", "250ms")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.sock", cfg.Hub.SocketPath)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.SettleTimeout)

	t.Setenv("PROPBUS_ALLOCATION_UNIT", "lots")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no socket", func(c *Config) { c.Hub.SocketPath = "" }, "socket_path"},
		{"bad mode", func(c *Config) { c.Hub.SocketMode = "rw" }, "socket_mode"},
		{"odd unit", func(c *Config) { c.SharedMem.AllocationUnit = 1000 }, "allocation_unit"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"no timeout", func(c *Config) { c.Client.SettleTimeout = 0 }, "settle_timeout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "device", "Dome")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"service":"propbus"`)
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestNewProtocolLogger(t *testing.T) {
	l, closeFn, err := NewProtocolLogger(LoggingConfig{}, "", nil)
	require.NoError(t, err)
	assert.IsType(t, log.NoopLogger{}, l)
	require.NoError(t, closeFn())

	path := filepath.Join(t.TempDir(), "proto.cbor")
	var buf bytes.Buffer
	l, closeFn, err = NewProtocolLogger(LoggingConfig{ProtocolLog: path, ProtocolTrace: true},
		"/run/propbus/hub.sock", NewLogger(LoggingConfig{Level: "debug"}, &buf))
	require.NoError(t, err)
	assert.IsType(t, &log.MultiLogger{}, l)

	l.Log(log.Event{Timestamp: time.Now(), Device: "Dome", Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{Entity: log.StateEntityDevice, NewState: "DEFINED"}})
	require.NoError(t, closeFn())

	r, err := log.NewReader(path)
	require.NoError(t, err)
	defer r.Close()
	require.NotNil(t, r.Header())
	assert.Equal(t, "/run/propbus/hub.sock", r.Header().SocketPath)
	events, err := r.ReadAll()
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Contains(t, buf.String(), "Dome")
}
