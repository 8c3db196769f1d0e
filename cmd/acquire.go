// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
	"github.com/Thermoquad/iolabstat/pkg/pipeline"
	"github.com/spf13/cobra"
)

var acquireSensor string

var acquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Run an interactive acquisition session",
	Long: `Run the acquisition pipeline and control the remote from stdin.

Commands (one per line):
  =N  set fixed configuration N and query the resulting packet layout
  a   start data acquisition
  s   stop data acquisition
  x   exit

With --sensor, every new sample of that sensor is printed as it is decoded.
With --fixed-config (or acquisition.fixed_config) the remote is configured
on startup.

On exit, stopData is sent (and powerDown with --power-down) and the session
statistics are printed. --capture records the session and --metrics-addr
serves Prometheus metrics.`,
	RunE: runAcquire,
}

func init() {
	rootCmd.AddCommand(acquireCmd)
	acquireCmd.Flags().StringVar(&acquireSensor, "sensor", "", "Print samples of this sensor (name or id)")
}

// acquireAction is one parsed stdin command
type acquireAction int

const (
	actionNone acquireAction = iota
	actionSetConfig
	actionStart
	actionStop
	actionExit
)

type acquireCommand struct {
	action acquireAction
	config uint8
}

// parseAcquireCommand parses a line typed on stdin
func parseAcquireCommand(line string) (acquireCommand, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return acquireCommand{}, nil
	case line == "a":
		return acquireCommand{action: actionStart}, nil
	case line == "s":
		return acquireCommand{action: actionStop}, nil
	case line == "x":
		return acquireCommand{action: actionExit}, nil
	case strings.HasPrefix(line, "="):
		n, err := strconv.ParseUint(strings.TrimSpace(line[1:]), 10, 8)
		if err != nil {
			return acquireCommand{}, fmt.Errorf("invalid configuration %q", line[1:])
		}
		if _, ok := iolab.LookupPreset(uint8(n)); !ok {
			return acquireCommand{}, fmt.Errorf("unknown fixed configuration %d", n)
		}
		return acquireCommand{action: actionSetConfig, config: uint8(n)}, nil
	}
	return acquireCommand{}, fmt.Errorf("unknown command %q (use =N, a, s or x)", line)
}

// parseSensor resolves a sensor by name or numeric id
func parseSensor(s string) (iolab.SensorID, error) {
	if id, ok := iolab.LookupSensor(s); ok {
		return id, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil || !iolab.KnownSensor(iolab.SensorID(n)) {
		return 0, fmt.Errorf("unknown sensor %q", s)
	}
	return iolab.SensorID(n), nil
}

// sampleStreamer prints the samples of one sensor decoded since the
// previous cycle
type sampleStreamer struct {
	out    io.Writer
	sensor iolab.SensorID
	next   int
}

func (st *sampleStreamer) OnBegin(*pipeline.Session) {}

func (st *sampleStreamer) OnCycle(s *pipeline.Session) {
	samples := s.Outputs().Since(st.sensor, st.next)
	name := iolab.SensorName(st.sensor)
	for i, sample := range samples {
		fmt.Fprintf(st.out, "%s #%d: %s\n", name, st.next+i, sample)
	}
	st.next += len(samples)
}

func (st *sampleStreamer) OnEnd(*pipeline.Session) {}

func runAcquire(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handlers := []pipeline.Handler{
		pipeline.HandlerFuncs{
			Cycle: func(s *pipeline.Session) {
				for _, ch := range s.LastCycle().Changes {
					printConfigChange(ch)
				}
				for _, r := range s.LastCycle().Frame.Records {
					if r.Type() == iolab.RecordNACK {
						fmt.Printf("[NACK] command rejected\n")
					}
				}
			},
			End: func(s *pipeline.Session) {
				s.Stats().CalculateRates()
				fmt.Println()
				fmt.Print(s.Stats().String())
			},
		},
	}
	if acquireSensor != "" {
		id, err := parseSensor(acquireSensor)
		if err != nil {
			return err
		}
		handlers = append(handlers, &sampleStreamer{out: os.Stdout, sensor: id})
	}

	metrics, err := startMetrics(ctx)
	if err != nil {
		return err
	}

	p, err := newPipeline(pipeline.MultiHandler(handlers...), metrics)
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}

	remote := cfg.Acquisition.Remote
	interval := cfg.Acquisition.CommandInterval

	fmt.Printf("iolabstat - Acquisition\n")
	fmt.Printf("Connection: %s\n", describeConnection())
	fmt.Printf("Session: %s\n", p.Session().ID())
	fmt.Printf("Remote: %d\n", remote)
	fmt.Printf("Commands: =N (configure), a (start), s (stop), x (exit)\n\n")

	if fc := cfg.Acquisition.FixedConfig; fc != 0 {
		fmt.Printf("Configuring remote: %s\n", iolab.FormatPreset(fc))
		if err := p.SendAll(ctx, interval, iolab.ConfigureSequence(remote, fc)...); err != nil {
			p.Stop()
			return fmt.Errorf("configure remote: %w", err)
		}
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case <-p.IngestDone():
			if err := p.IngestErr(); err != nil {
				fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
			}
			break loop

		case line, ok := <-lines:
			if !ok {
				// Keep acquiring until a signal or the end of the stream
				lines = nil
				continue
			}

			c, err := parseAcquireCommand(line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				continue
			}
			if c.action == actionExit {
				break loop
			}
			if err := runAcquireCommand(ctx, p, remote, interval, c); err != nil {
				fmt.Fprintf(os.Stderr, "Send error: %v\n", err)
			}
		}
	}

	// Shutdown courtesy: leave the remote stopped
	if p.State() == pipeline.StateRunning {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.SendAll(shutdownCtx, interval, iolab.ShutdownSequence(remote, cfg.Acquisition.PowerDownOnExit)...); err != nil {
			fmt.Fprintf(os.Stderr, "Shutdown commands failed: %v\n", err)
		}
		cancel()
	}

	if err := p.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		return err
	}
	return nil
}

// runAcquireCommand sends the records for one stdin command
func runAcquireCommand(ctx context.Context, p *pipeline.Pipeline, remote uint8, interval time.Duration, c acquireCommand) error {
	switch c.action {
	case actionSetConfig:
		fmt.Printf("Configuring remote: %s\n", iolab.FormatPreset(c.config))
		return p.SendAll(ctx, interval, iolab.ConfigureSequence(remote, c.config)...)
	case actionStart:
		fmt.Printf("Starting acquisition\n")
		return p.Send(iolab.NewStartData())
	case actionStop:
		fmt.Printf("Stopping acquisition\n")
		return p.Send(iolab.NewStopData())
	}
	return nil
}
