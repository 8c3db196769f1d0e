// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads iolabstat configuration files.
//
// Configuration is read from the file named by --config or the
// IOLABSTAT_CONFIG environment variable. Values missing from the file keep
// their defaults, and command line flags override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path
const EnvVar = "IOLABSTAT_CONFIG"

// Config is the iolabstat configuration
type Config struct {
	Connection  ConnectionConfig  `yaml:"connection"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Capture     CaptureConfig     `yaml:"capture"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// ConnectionConfig selects the transport to the dongle. Exactly one of
// Port, URL and Replay may be set.
type ConnectionConfig struct {
	// Port is a serial device path, or "auto" to find the dongle by USB id
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`

	// URL is a WebSocket serial bridge
	URL         string        `yaml:"url"`
	Username    string        `yaml:"username"`
	NoSSLVerify bool          `yaml:"no_ssl_verify"`
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// Replay is a capture file to play back
	Replay      string  `yaml:"replay"`
	Realtime    bool    `yaml:"realtime"`
	ReplaySpeed float64 `yaml:"replay_speed"`
}

// AcquisitionConfig configures the pipeline and the commands sent to the remote
type AcquisitionConfig struct {
	Remote uint8 `yaml:"remote"`

	// FixedConfig is applied when acquisition starts. 0 leaves the remote as is.
	FixedConfig uint8 `yaml:"fixed_config"`

	ReadInterval    time.Duration `yaml:"read_interval"`
	AnalyzeInterval time.Duration `yaml:"analyze_interval"`
	CommandInterval time.Duration `yaml:"command_interval"` // pause between queued commands

	// TypeOrder overrides the framer tie-break order (record type names or numbers)
	TypeOrder []string `yaml:"type_order,omitempty"`

	PowerDownOnExit bool `yaml:"power_down_on_exit"`
}

// CaptureConfig configures recording of the raw byte stream
type CaptureConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Address to serve /metrics on, e.g. ":9110". Empty disables it.
	Address string `yaml:"address"`
}

// LogConfig configures logging
type LogConfig struct {
	Level    string `yaml:"level"` // debug, info, warn, error
	DumpData bool   `yaml:"dump_data"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Baud:        115200,
			Username:    "admin",
			ReadTimeout: 100 * time.Millisecond,
			ReplaySpeed: 1,
		},
		Acquisition: AcquisitionConfig{
			Remote:          iolab.DefaultRemote,
			ReadInterval:    50 * time.Millisecond,
			AnalyzeInterval: 110 * time.Millisecond,
			CommandInterval: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads the file named by IOLABSTAT_CONFIG, or returns the defaults
// when it is not set
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads and validates a configuration file
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []error

	sources := 0
	for _, s := range []string{c.Connection.Port, c.Connection.URL, c.Connection.Replay} {
		if s != "" {
			sources++
		}
	}
	if sources > 1 {
		errs = append(errs, errors.New("connection: only one of port, url and replay may be set"))
	}
	if c.Connection.Baud <= 0 {
		errs = append(errs, fmt.Errorf("connection.baud must be positive: %d", c.Connection.Baud))
	}
	if c.Connection.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connection.read_timeout must be positive: %s", c.Connection.ReadTimeout))
	}
	if c.Connection.ReplaySpeed <= 0 {
		errs = append(errs, fmt.Errorf("connection.replay_speed must be positive: %g", c.Connection.ReplaySpeed))
	}

	if c.Acquisition.Remote == 0 {
		errs = append(errs, errors.New("acquisition.remote must be at least 1"))
	}
	if c.Acquisition.FixedConfig != 0 {
		if _, ok := iolab.LookupPreset(c.Acquisition.FixedConfig); !ok {
			errs = append(errs, fmt.Errorf("acquisition.fixed_config: unknown preset %d", c.Acquisition.FixedConfig))
		}
	}
	if c.Acquisition.ReadInterval <= 0 {
		errs = append(errs, fmt.Errorf("acquisition.read_interval must be positive: %s", c.Acquisition.ReadInterval))
	}
	if c.Acquisition.AnalyzeInterval <= 0 {
		errs = append(errs, fmt.Errorf("acquisition.analyze_interval must be positive: %s", c.Acquisition.AnalyzeInterval))
	}
	if c.Acquisition.CommandInterval < 0 {
		errs = append(errs, fmt.Errorf("acquisition.command_interval must not be negative: %s", c.Acquisition.CommandInterval))
	}
	if _, err := c.TypeOrder(); err != nil {
		errs = append(errs, fmt.Errorf("acquisition.type_order: %w", err))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

// TypeOrder returns the configured framer tie-break order, or nil for the
// default order
func (c *Config) TypeOrder() ([]iolab.RecordType, error) {
	if len(c.Acquisition.TypeOrder) == 0 {
		return nil, nil
	}

	order := make([]iolab.RecordType, 0, len(c.Acquisition.TypeOrder))
	seen := make(map[iolab.RecordType]bool, len(c.Acquisition.TypeOrder))
	for _, name := range c.Acquisition.TypeOrder {
		t, err := iolab.ParseRecordType(name)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			return nil, fmt.Errorf("duplicate record type %s", iolab.FormatRecordType(t))
		}
		seen[t] = true
		order = append(order, t)
	}
	return order, nil
}
