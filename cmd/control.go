// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
	"github.com/Thermoquad/iolabstat/pkg/pipeline"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for controlling an IOLab remote",
	Long: `Control an IOLab remote via an interactive terminal UI.

This command provides a TUI for configuring the remote and starting and
stopping acquisition through the dongle, over a serial port or a WebSocket
bridge.

Features:
  - Fixed configuration presets with their sensors and rates
  - Direct entry of a configuration number
  - Start and stop of data acquisition
  - Live statistics and the latest sample of every sensor
  - Remote battery and firmware status
  - Event logging
  - Automatic reconnection on connection loss

Tab switches between the preset list, the configuration input and the
start/stop button. Enter applies the focused control.`,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
}

// errNoPipeline is returned when a command is sent while reconnecting
var errNoPipeline = errors.New("connection lost")

// connectionManager handles pipeline lifecycle and reconnection
type connectionManager struct {
	pipe     *pipeline.Pipeline
	connInfo string
	metrics  *pipeline.Metrics
	mu       sync.RWMutex
	p        *tea.Program
	done     chan struct{}
}

func (cm *connectionManager) getPipeline() *pipeline.Pipeline {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.pipe
}

func (cm *connectionManager) setPipeline(pipe *pipeline.Pipeline, connInfo string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.pipe = pipe
	cm.connInfo = connInfo
}

// connect starts a new pipeline and queries the remote's configuration
func (cm *connectionManager) connect() error {
	handler := pipeline.HandlerFuncs{
		Cycle: func(s *pipeline.Session) {
			cm.p.Send(newCycleMsg(s))
		},
	}

	pipe, err := newPipeline(handler, cm.metrics)
	if err != nil {
		return err
	}
	if err := pipe.Start(); err != nil {
		return err
	}
	cm.setPipeline(pipe, describeConnection())

	// The new session starts without a sensor map
	remote := cfg.Acquisition.Remote
	go cm.send(context.Background(),
		iolab.NewGetDongleStatus(),
		iolab.NewGetFixedConfig(remote),
		iolab.NewGetPacketConfig(remote),
	)
	return nil
}

// send writes commands to the current pipeline, pausing between them
func (cm *connectionManager) send(ctx context.Context, cmds ...*iolab.Record) error {
	pipe := cm.getPipeline()
	if pipe == nil {
		return errNoPipeline
	}
	return pipe.SendAll(ctx, cfg.Acquisition.CommandInterval, cmds...)
}

func runControl(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics, err := startMetrics(ctx)
	if err != nil {
		return err
	}

	// Create connection manager
	cm := &connectionManager{
		metrics: metrics,
		done:    make(chan struct{}),
	}

	// Create TUI model with connection manager
	m := initialControlModel(cm, describeConnection())

	// Create TUI program with alt screen and mouse support
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	cm.p = p

	// Open initial connection (serial, WebSocket or replay)
	if err := cm.connect(); err != nil {
		return err
	}

	// Start supervisor goroutine
	go cm.supervise()

	// Run TUI
	final, err := p.Run()
	close(cm.done) // Signal goroutines to stop

	// Leave the remote stopped if acquisition was started from here
	if fm, ok := final.(controlModel); ok && fm.acquiring {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
		cm.send(shutdownCtx, iolab.ShutdownSequence(cfg.Acquisition.Remote, cfg.Acquisition.PowerDownOnExit)...)
		cancelShutdown()
	}

	if pipe := cm.getPipeline(); pipe != nil {
		pipe.Stop()
	}
	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// supervise waits for the current pipeline's ingest to end and reconnects.
// A replay is not reopened once it has been read to the end.
func (cm *connectionManager) supervise() {
	for {
		pipe := cm.getPipeline()
		if pipe == nil {
			return
		}

		select {
		case <-cm.done:
			return
		case <-pipe.IngestDone():
		}

		ingestErr := pipe.IngestErr()
		select {
		case <-cm.done:
			return
		default:
		}

		if cfg.Connection.Replay != "" {
			cm.p.Send(ingestDoneMsg{err: ingestErr})
			return
		}

		// Notify TUI about connection loss
		cm.p.Send(connectionLostMsg{err: ingestErr})
		pipe.Stop()
		cm.setPipeline(nil, "")

		// Attempt to reconnect
		if !cm.reconnect() {
			return // Shutdown requested during reconnect
		}
	}
}

// reconnect attempts to reconnect with exponential backoff
// Returns false if shutdown was requested during reconnection
func (cm *connectionManager) reconnect() bool {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-cm.done:
			return false
		case <-time.After(backoff):
		}

		// Attempt to reconnect
		if err := cm.connect(); err == nil {
			// Notify TUI about reconnection
			cm.p.Send(reconnectedMsg{connInfo: describeConnection()})
			return true
		}

		// Exponential backoff
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
