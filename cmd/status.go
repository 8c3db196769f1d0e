// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
	"github.com/Thermoquad/iolabstat/pkg/pipeline"
	"github.com/spf13/cobra"
)

var (
	statusTimeout int
	statusCount   int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query dongle and remote status",
	Long: `Send GET_DONGLE_STATUS and GET_REMOTE_STATUS and wait for the replies.

The dongle answers GET_DONGLE_STATUS itself, so a reply proves the host link
works. GET_REMOTE_STATUS is relayed over the radio to the remote selected
with --remote, so a reply also proves the remote is paired and powered.

This is useful for verifying:
  - The serial port or WebSocket bridge is connected
  - HTTP Basic authentication works
  - The dongle is processing commands
  - The remote is reachable

Exit codes:
  0 - All queries answered
  1 - One or more queries failed or timed out
  2 - Connection error`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusTimeout, "timeout", 5, "Timeout in seconds for each query")
	statusCmd.Flags().IntVar(&statusCount, "count", 1, "Number of query rounds")
}

// statusQuery is one command and the record type that answers it
type statusQuery struct {
	name   string
	cmd    *iolab.Record
	answer iolab.RecordType
}

func runStatus(cmd *cobra.Command, args []string) error {
	// Control records are handed from the analyze goroutine to this one
	replies := make(chan *iolab.Record, 64)
	handler := pipeline.HandlerFuncs{
		Cycle: func(s *pipeline.Session) {
			for _, r := range s.LastCycle().Frame.Records {
				if r.IsData() {
					continue
				}
				select {
				case replies <- r:
				default:
				}
			}
		},
	}

	p, err := newPipeline(handler, nil)
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer p.Stop()

	remote := cfg.Acquisition.Remote
	timeout := time.Duration(statusTimeout) * time.Second

	fmt.Printf("iolabstat - Status Query\n")
	fmt.Printf("Connection: %s\n", describeConnection())
	fmt.Printf("Remote: %d\n", remote)
	fmt.Printf("Timeout: %d seconds per query\n\n", statusTimeout)

	queries := []statusQuery{
		{"Dongle", iolab.NewGetDongleStatus(), iolab.RecordDongleStatus},
		{"Remote", iolab.NewGetRemoteStatus(remote), iolab.RecordRemoteStatus},
	}

	successCount := 0
	failCount := 0
	total := statusCount * len(queries)

	for i := 1; i <= statusCount; i++ {
		for _, q := range queries {
			fmt.Printf("Round %d/%d %s: ", i, statusCount, q.name)

			// A reply to a round that timed out must not answer this one
			if n := drainReplies(replies); n > 0 {
				slog.Debug("discarded late replies", "count", n)
			}

			startTime := time.Now()
			if err := p.Send(q.cmd); err != nil {
				fmt.Printf("SEND FAILED: %v\n", err)
				failCount++
				continue
			}

			r, err := awaitReply(replies, q.answer, timeout)
			if err != nil {
				fmt.Printf("%v\n", err)
				failCount++
				continue
			}

			rtt := time.Since(startTime)
			fmt.Printf("%s, rtt=%v\n", formatStatusReply(r), rtt.Round(time.Millisecond))
			successCount++

			// Give the dongle time between commands
			time.Sleep(cfg.Acquisition.CommandInterval)
		}
	}

	// Summary
	fmt.Printf("\n--- Status statistics ---\n")
	fmt.Printf("%d queries sent, %d replies received, %.0f%% loss\n",
		total, successCount, float64(failCount)/float64(total)*100)

	if failCount > 0 {
		p.Stop()
		os.Exit(1)
	}
	return nil
}

// drainReplies discards queued replies and returns how many there were
func drainReplies(replies <-chan *iolab.Record) int {
	n := 0
	for {
		select {
		case <-replies:
			n++
		default:
			return n
		}
	}
}

// awaitReply waits for a record of type want, failing early on a NACK
func awaitReply(replies <-chan *iolab.Record, want iolab.RecordType, timeout time.Duration) (*iolab.Record, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case r := <-replies:
			switch r.Type() {
			case want:
				return r, nil
			case iolab.RecordNACK:
				return nil, fmt.Errorf("REJECTED (NACK)")
			}
			// Ignore ACKs and unrelated records
		case <-deadline.C:
			return nil, fmt.Errorf("TIMEOUT (no reply in %s)", timeout)
		}
	}
}

// formatStatusReply summarizes a status reply on one line
func formatStatusReply(r *iolab.Record) string {
	switch r.Type() {
	case iolab.RecordDongleStatus:
		s, err := iolab.ParseDongleStatus(r.Payload())
		if err != nil {
			return fmt.Sprintf("malformed reply: %v", err)
		}
		return fmt.Sprintf("firmware=0x%04X mode=%d id=0x%06X", s.Firmware, s.Mode, s.ID)

	case iolab.RecordRemoteStatus:
		s, err := iolab.ParseRemoteStatus(r.Payload())
		if err != nil {
			return fmt.Sprintf("malformed reply: %v", err)
		}
		return fmt.Sprintf("remote=%d sensor_fw=0x%04X rf_fw=0x%04X battery=%d",
			s.Remote, s.SensorFirmware, s.RFFirmware, s.Battery)
	}
	return iolab.FormatRecordSummary(r)
}
