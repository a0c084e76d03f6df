// Package config loads the spectrometer service configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MIGO-OvO/TSL1401CL/internal/device"
	"github.com/MIGO-OvO/TSL1401CL/internal/monitoring"
)

// DefaultConfigPath is where the CLI looks for a configuration file when no
// --config flag is given. A missing file there is not an error.
const DefaultConfigPath = "spectrometer.yaml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Defaults for fields left unset.
const (
	DefaultListen      = "localhost:8080"
	DefaultEventBuffer = 16
)

// Config is the service configuration. Every field is optional; the Get*
// methods supply defaults for anything the file leaves out.
type Config struct {
	// Port is the serial port to connect to on startup. Empty means wait
	// for a connect request.
	Port *string `yaml:"port,omitempty"`
	// Listen is the HTTP listen address of the serve command.
	Listen *string `yaml:"listen,omitempty"`
	// ReadTimeout is the serial read timeout, as a duration string ("1s").
	ReadTimeout *string `yaml:"read_timeout,omitempty"`
	// StopTimeout bounds how long disconnect waits for the receive loop.
	StopTimeout *string `yaml:"stop_timeout,omitempty"`
	// PortPattern overrides the platform's port name pattern.
	PortPattern *string `yaml:"port_pattern,omitempty"`
	LogLevel    *string `yaml:"log_level,omitempty"`
	// EventBuffer is the per-subscriber event channel capacity.
	EventBuffer *int `yaml:"event_buffer,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a YAML config file. The path must have a .yaml or .yml
// extension and the file must be under 1MB. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns an empty config when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(filepath.Clean(path)); errors.Is(err, os.ErrNotExist) {
		monitoring.Logger().Debugw("no config file, using defaults", "path", path)
		return Empty(), nil
	}
	return Load(path)
}

// Validate checks every field that is set.
func (c *Config) Validate() error {
	if c.Listen != nil && *c.Listen != "" {
		if _, _, err := net.SplitHostPort(*c.Listen); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", *c.Listen, err)
		}
	}

	for name, v := range map[string]*string{
		"read_timeout": c.ReadTimeout,
		"stop_timeout": c.StopTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.PortPattern != nil && *c.PortPattern != "" {
		if _, err := regexp.Compile(*c.PortPattern); err != nil {
			return fmt.Errorf("invalid port_pattern: %w", err)
		}
	}

	if c.LogLevel != nil {
		if _, ok := monitoring.ParseLevel(*c.LogLevel); !ok {
			return fmt.Errorf("unknown log_level %q", *c.LogLevel)
		}
	}

	if c.EventBuffer != nil && *c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer must be positive, got %d", *c.EventBuffer)
	}
	return nil
}

// GetPort returns the startup port, or "" when none is configured.
func (c *Config) GetPort() string {
	if c.Port == nil {
		return ""
	}
	return *c.Port
}

// GetListen returns the listen address or the default.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return DefaultListen
	}
	return *c.Listen
}

// GetReadTimeout parses and returns the serial read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return durationOr(c.ReadTimeout, device.DefaultReadTimeout)
}

// GetStopTimeout parses and returns the receive loop stop timeout.
func (c *Config) GetStopTimeout() time.Duration {
	return durationOr(c.StopTimeout, time.Second)
}

// GetPortPattern compiles the configured port pattern, falling back to the
// platform default.
func (c *Config) GetPortPattern() *regexp.Regexp {
	if c.PortPattern != nil && *c.PortPattern != "" {
		if re, err := regexp.Compile(*c.PortPattern); err == nil {
			return re
		}
	}
	return regexp.MustCompile(device.DefaultPortPattern())
}

// GetLogLevel returns the log level name, "info" by default.
func (c *Config) GetLogLevel() string {
	if c.LogLevel == nil || *c.LogLevel == "" {
		return "info"
	}
	return *c.LogLevel
}

// GetEventBuffer returns the subscriber buffer size or the default.
func (c *Config) GetEventBuffer() int {
	if c.EventBuffer == nil || *c.EventBuffer <= 0 {
		return DefaultEventBuffer
	}
	return *c.EventBuffer
}

// PortOptions returns the serial options implied by the config.
func (c *Config) PortOptions() device.PortOptions {
	opts := device.DefaultPortOptions()
	opts.ReadTimeout = c.GetReadTimeout()
	return opts
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
