package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := Empty()

	assert.Equal(t, "", cfg.GetPort())
	assert.Equal(t, DefaultListen, cfg.GetListen())
	assert.Equal(t, time.Second, cfg.GetReadTimeout())
	assert.Equal(t, time.Second, cfg.GetStopTimeout())
	assert.Equal(t, "info", cfg.GetLogLevel())
	assert.Equal(t, DefaultEventBuffer, cfg.GetEventBuffer())
	assert.NotNil(t, cfg.GetPortPattern())
	assert.NoError(t, cfg.Validate())

	opts := cfg.PortOptions()
	assert.Equal(t, 115200, opts.BaudRate)
	assert.Equal(t, time.Second, opts.ReadTimeout)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "spectrometer.yaml", `
port: /dev/ttyUSB1
listen: 0.0.0.0:9090
read_timeout: 250ms
stop_timeout: 2s
port_pattern: '^/dev/ttyS\d+$'
log_level: debug
event_buffer: 64
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", cfg.GetPort())
	assert.Equal(t, "0.0.0.0:9090", cfg.GetListen())
	assert.Equal(t, 250*time.Millisecond, cfg.GetReadTimeout())
	assert.Equal(t, 2*time.Second, cfg.GetStopTimeout())
	assert.True(t, cfg.GetPortPattern().MatchString("/dev/ttyS0"))
	assert.Equal(t, "debug", cfg.GetLogLevel())
	assert.Equal(t, 64, cfg.GetEventBuffer())
	assert.Equal(t, 250*time.Millisecond, cfg.PortOptions().ReadTimeout)
}

func TestLoad_PartialAndEmptyFiles(t *testing.T) {
	cfg, err := Load(writeConfig(t, "partial.yml", "listen: \":8081\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.GetListen())
	assert.Equal(t, time.Second, cfg.GetReadTimeout())

	cfg, err = Load(writeConfig(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.GetListen())
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"extension", "config.json", "{}", "extension"},
		{"unknown key", "c.yaml", "baud: 9600\n", "parse"},
		{"bad duration", "c.yaml", "read_timeout: soon\n", "read_timeout"},
		{"negative duration", "c.yaml", "stop_timeout: -1s\n", "stop_timeout"},
		{"log level", "c.yaml", "log_level: loud\n", "log_level"},
		{"pattern", "c.yaml", "port_pattern: '('\n", "port_pattern"},
		{"buffer", "c.yaml", "event_buffer: 0\n", "event_buffer"},
		{"listen", "c.yaml", "listen: nowhere\n", "listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_TooLarge(t *testing.T) {
	body := "# " + strings.Repeat("x", maxFileSize) + "\n"
	_, err := Load(writeConfig(t, "big.yaml", body))
	assert.ErrorContains(t, err, "too large")
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.GetListen())

	_, err = LoadOrDefault(writeConfig(t, "bad.yaml", "event_buffer: -3\n"))
	assert.Error(t, err)
}
