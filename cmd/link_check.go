// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
	"github.com/spf13/cobra"
)

var linkCheckCmd = &cobra.Command{
	Use:   "link_check",
	Short: "Test raw connection stability",
	Long: `Test the link to the dongle without running the acquisition pipeline.

The command listens on the raw connection, printing every chunk of bytes it
receives. The bytes are framed on the side so the report can tell a quiet
link from one delivering garbage. With --probe a GET_DONGLE_STATUS command
is sent first to exercise the write path.

Exit codes:
  0 - Link stable, or the stream ended
  1 - Connection error while listening
  2 - Connection could not be opened`,
	RunE: runLinkCheck,
}

var (
	linkCheckDuration int
	linkCheckProbe    bool
)

func init() {
	rootCmd.AddCommand(linkCheckCmd)
	linkCheckCmd.Flags().IntVar(&linkCheckDuration, "duration", 30, "Test duration in seconds")
	linkCheckCmd.Flags().BoolVar(&linkCheckProbe, "probe", false, "Send GET_DONGLE_STATUS before listening")
}

// linkStats accumulates what arrived on the link
type linkStats struct {
	started time.Time
	last    time.Time
	chunks  int
	bytes   int
	longest time.Duration // longest silence between chunks

	stream  []byte
	framer  *iolab.Framer
	records int
	skipped int
}

func newLinkStats(now time.Time) (*linkStats, error) {
	framer, err := iolab.NewFramer(nil)
	if err != nil {
		return nil, err
	}
	return &linkStats{started: now, last: now, framer: framer}, nil
}

// add records one chunk and returns the records it completed
func (l *linkStats) add(data []byte, at time.Time) []*iolab.Record {
	if gap := at.Sub(l.last); gap > l.longest {
		l.longest = gap
	}
	l.last = at
	l.chunks++
	l.bytes += len(data)

	l.stream = append(l.stream, data...)
	res := l.framer.Frame(l.stream)
	l.records += len(res.Records)
	l.skipped += res.Skipped
	return res.Records
}

func (l *linkStats) report(result string) string {
	return fmt.Sprintf("\n--- Test Results ---\n"+
		"Duration: %v\n"+
		"Chunks received: %d\n"+
		"Bytes received: %d\n"+
		"Records framed: %d\n"+
		"Bytes skipped: %d\n"+
		"Longest silence: %v\n"+
		"Result: %s\n",
		time.Since(l.started).Round(time.Millisecond), l.chunks, l.bytes,
		l.records, l.skipped, l.longest.Round(time.Millisecond), result)
}

func runLinkCheck(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Link Check\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Duration: %d seconds\n\n", linkCheckDuration)

	if linkCheckProbe {
		probe := iolab.MustEncodeRecord(iolab.NewGetDongleStatus())
		if _, err := conn.Write(probe); err != nil {
			fmt.Fprintf(os.Stderr, "Probe failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Sent GET_DONGLE_STATUS: %s\n", iolab.FormatHex(probe))
	}

	readChan := make(chan []byte, 100)
	errChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case readChan <- data:
				case <-done:
					return
				}
			}
		}
	}()

	stats, err := newLinkStats(time.Now())
	if err != nil {
		return err
	}
	endTime := stats.started.Add(time.Duration(linkCheckDuration) * time.Second)
	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()

	fmt.Printf("Listening for data...\n\n")

	for time.Now().Before(endTime) {
		select {
		case data := <-readChan:
			now := time.Now()
			fmt.Printf("[%s] Received %d bytes: %s\n", now.Format("15:04:05.000"), len(data), iolab.FormatHex(data))
			for _, r := range stats.add(data, now) {
				fmt.Printf("    %s\n", iolab.FormatRecordSummary(r))
			}

		case err := <-errChan:
			if errors.Is(err, io.EOF) {
				fmt.Print(stats.report("PASSED (end of stream)"))
				return nil
			}
			fmt.Printf("\n[%s] Connection error: %v\n", time.Now().Format("15:04:05.000"), err)
			fmt.Print(stats.report("FAILED (connection error)"))
			os.Exit(1)

		case <-heartbeat.C:
			fmt.Printf("[%s] Still connected... (%.0fs remaining, %d records)\n",
				time.Now().Format("15:04:05.000"), time.Until(endTime).Seconds(), stats.records)
		}
	}

	fmt.Print(stats.report("PASSED (connection stable)"))
	return nil
}
