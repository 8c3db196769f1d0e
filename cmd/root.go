// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Thermoquad/iolabstat/pkg/config"
	"github.com/spf13/cobra"
)

var (
	// Config file
	configPath string

	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Replay flags
	replayPath  string
	replayReal  bool
	replaySpeed float64

	// Acquisition flags
	remoteNumber uint8
	presetNumber uint8
	powerDown    bool
	logLevel     string
	dumpData     bool

	// Output flags
	capturePath string
	metricsAddr string
)

// cfg is the loaded configuration with flag overrides applied
var cfg = config.Default()

var rootCmd = &cobra.Command{
	Use:   "iolabstat",
	Short: "IOLab Serial Hub Acquisition and Analyzer",
	Long: `iolabstat - A CLI tool for acquiring and analyzing IOLab dongle records.

Frames the dongle's record stream, tracks the remote's sensor configuration
and decodes multi-sensor data records into per-sensor sample series.

Connection modes:
  Serial:    --port /dev/ttyACM0 [--baud 115200]   (--port auto finds the dongle)
  WebSocket: --url ws://host/path [--username user]
  Replay:    --replay session.iolab [--realtime] [--speed 2]

For WebSocket authentication, the password is read from the IOLAB_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.

Settings can also be read from a YAML file given with --config or the
IOLABSTAT_CONFIG environment variable. Flags override the file.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (YAML)")

	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device, or \"auto\"")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Replay flags
	rootCmd.PersistentFlags().StringVar(&replayPath, "replay", "", "Replay a capture file instead of connecting")
	rootCmd.PersistentFlags().BoolVar(&replayReal, "realtime", false, "Pace replay at the recorded timing")
	rootCmd.PersistentFlags().Float64Var(&replaySpeed, "speed", 1, "Realtime replay speed factor")

	// Acquisition flags
	rootCmd.PersistentFlags().Uint8Var(&remoteNumber, "remote", 1, "Remote number")
	rootCmd.PersistentFlags().Uint8Var(&presetNumber, "fixed-config", 0, "Fixed configuration to apply at start (0 keeps the remote's)")
	rootCmd.PersistentFlags().BoolVar(&powerDown, "power-down", false, "Power the remote down on exit")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&dumpData, "dump-data", false, "Hex dump new bytes every cycle (debug level)")

	// Output flags
	rootCmd.PersistentFlags().StringVar(&capturePath, "capture", "", "Record the connection to a capture file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config file and applies flags that were set
// explicitly, then installs the default logger
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := parseLogLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// applyFlags copies explicitly set persistent flags over the file values
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("port") {
		c.Connection.Port = portName
	}
	if flags.Changed("baud") {
		c.Connection.Baud = baudRate
	}
	if flags.Changed("url") {
		c.Connection.URL = wsURL
	}
	if flags.Changed("username") {
		c.Connection.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		c.Connection.NoSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("replay") {
		c.Connection.Replay = replayPath
	}
	if flags.Changed("realtime") {
		c.Connection.Realtime = replayReal
	}
	if flags.Changed("speed") {
		c.Connection.ReplaySpeed = replaySpeed
	}
	if flags.Changed("remote") {
		c.Acquisition.Remote = remoteNumber
	}
	if flags.Changed("fixed-config") {
		c.Acquisition.FixedConfig = presetNumber
	}
	if flags.Changed("power-down") {
		c.Acquisition.PowerDownOnExit = powerDown
	}
	if flags.Changed("capture") {
		c.Capture.Path = capturePath
	}
	if flags.Changed("metrics-addr") {
		c.Metrics.Address = metricsAddr
	}
	if flags.Changed("log-level") {
		c.Log.Level = logLevel
	}
	if flags.Changed("dump-data") {
		c.Log.DumpData = dumpData
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
