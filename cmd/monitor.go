// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
	"github.com/Thermoquad/iolabstat/pkg/pipeline"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Aliases: []string{"error_detection"},
	Short:   "Detect and analyze malformed records and errors",
	Long: `Track framing errors, malformed data records and decode failures with statistics.

This command validates each record and detects:
  - Framing mismatches and skipped noise bytes
  - Sequence gaps (lost data records)
  - Sensor count and length mismatches against the packet configuration
  - Remote buffer overflows
  - Decode aborts and malformed sensor blocks

By default, only errors are displayed. Use --show-all to display valid records too.

Records are validated in real-time, with errors highlighted immediately and
periodic statistics summaries displayed at configurable intervals.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all records (not just errors)")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := startMetrics(ctx)
	if err != nil {
		return err
	}

	if useTUI {
		return runTUIMode(ctx, metrics)
	}
	return runTextMode(ctx, metrics)
}

// runTUIMode runs the monitor in TUI mode
func runTUIMode(ctx context.Context, metrics *pipeline.Metrics) error {
	// Create TUI program
	m := initialModel(describeConnection(), statsInterval, showAll)
	prog := tea.NewProgram(m, tea.WithContext(ctx))

	handler := pipeline.HandlerFuncs{
		Cycle: func(s *pipeline.Session) {
			prog.Send(newCycleMsg(s))
		},
	}

	p, err := newPipeline(handler, metrics)
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}
	defer p.Stop()

	go func() {
		select {
		case <-p.IngestDone():
			prog.Send(ingestDoneMsg{err: p.IngestErr()})
		case <-ctx.Done():
		}
	}()

	// Run TUI
	if _, err := prog.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %v", err)
	}

	return nil
}

// textMonitor prints errors and periodic statistics as cycles arrive
type textMonitor struct {
	showAll      bool
	interval     time.Duration
	lastStats    time.Time
	synchronized bool
}

func (t *textMonitor) OnBegin(s *pipeline.Session) {
	fmt.Printf("iolabstat - Monitor Mode\n")
	fmt.Printf("Connection: %s\n", describeConnection())
	fmt.Printf("Statistics interval: %v\n", t.interval)
	if t.showAll {
		fmt.Printf("Mode: All records\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")
	t.lastStats = time.Now()
}

func (t *textMonitor) OnCycle(s *pipeline.Session) {
	c := s.LastCycle()

	// Ignore framing errors until the first valid record
	if !t.synchronized && len(c.Frame.Records) > 0 {
		t.synchronized = true
		if skipped := s.Stats().SkippedBytes; skipped > 0 {
			fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", skipped)
		} else {
			fmt.Printf("[SYNC] Synchronized\n\n")
		}
	} else if t.synchronized && c.Frame.Mismatches > 0 {
		printFramingError(c.Frame)
	}

	for _, r := range c.Frame.Records {
		switch {
		case r.Type() == iolab.RecordNACK:
			fmt.Printf("[%s] \033[1;31mNACK\033[0m received\n\n", r.Timestamp().Format("15:04:05.000"))
		case r.Type() == iolab.RecordDongleStatus || r.Type() == iolab.RecordRemoteStatus:
			// Always print status replies (for debugging)
			fmt.Printf("[%s] \033[1;32m%s:\033[0m %s\n\n",
				r.Timestamp().Format("15:04:05.000"), iolab.FormatRecordType(r.Type()), formatStatusReply(r))
		case t.showAll:
			fmt.Print(iolab.FormatRecord(r))
		}
	}

	if len(c.Decode.Anomalies) > 0 {
		printValidationErrors(c.Decode.Anomalies)
	}
	if c.Decode.Err != nil {
		printDecodeError(c.Decode.Err)
	}
	for _, ch := range c.Changes {
		printConfigChange(ch)
	}

	if time.Since(t.lastStats) >= t.interval {
		t.lastStats = time.Now()
		s.Stats().CalculateRates()
		fmt.Println()
		fmt.Print(s.Stats().String())
		fmt.Println()
	}
}

func (t *textMonitor) OnEnd(s *pipeline.Session) {
	s.Stats().CalculateRates()
	fmt.Println()
	fmt.Print(s.Stats().String())
}

// runTextMode runs the monitor in text mode
func runTextMode(ctx context.Context, metrics *pipeline.Metrics) error {
	handler := &textMonitor{
		showAll:  showAll,
		interval: time.Duration(statsInterval) * time.Second,
	}

	p, err := newPipeline(handler, metrics)
	if err != nil {
		return err
	}
	return p.Run(ctx)
}

// printFramingError prints framing mismatches in highlighted format
func printFramingError(frame iolab.FrameResult) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mFRAMING ERROR:\033[0m %d mismatches, %d bytes skipped\n\n",
		timestamp, frame.Mismatches, frame.Skipped)
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> DECODE PASS ABORTED <<<\n\n")
}

// printValidationErrors prints the anomalies found in a decode pass
func printValidationErrors(errors []iolab.ValidationError) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %d issue(s)\n", timestamp, len(errors))

	for i, err := range errors {
		switch err.Type {
		case iolab.AnomalySequenceGap:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
			if missed, ok := err.Details["missed"].(int); ok {
				fmt.Printf("    %d record(s) lost\n", missed)
			}

		case iolab.AnomalySensorCountMismatch:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
			if count, ok := err.Details["count"].(int); ok {
				if configured, ok := err.Details["configured"].(int); ok {
					fmt.Printf("    count=%d, configured=%d\n", count, configured)
				}
			}

		case iolab.AnomalyLengthMismatch:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
			if length, ok := err.Details["length"].(int); ok {
				if expected, ok := err.Details["expected"].(int); ok {
					fmt.Printf("    Length: received=%d, expected=%d\n", length, expected)
				}
			}

		case iolab.AnomalyOverflow:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)

		default:
			fmt.Printf("  Issue %d: %s\n", i+1, err.Message)
		}
	}

	fmt.Printf("  >>> RECORD FLAGGED <<<\n\n")
}
