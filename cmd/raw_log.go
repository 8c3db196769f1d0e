// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
	"github.com/Thermoquad/iolabstat/pkg/pipeline"
	"github.com/spf13/cobra"
)

var rawLogDecode bool

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display framed records in human-readable format",
	Long: `Continuously frame and display IOLab dongle records as they arrive.

Each record is shown with its timestamp, record type and decoded payload.
With --decode, data records are also split into their sensor blocks using
the active packet configuration.

Supports serial, WebSocket and replay connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&rawLogDecode, "decode", true, "Decode data records with the active sensor map")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := pipeline.HandlerFuncs{
		Begin: func(s *pipeline.Session) {
			fmt.Printf("iolabstat - Raw Record Log\n")
			fmt.Printf("Connection: %s\n", describeConnection())
			fmt.Printf("Press Ctrl+C to exit\n\n")
		},
		Cycle: func(s *pipeline.Session) {
			printCycleRecords(s.LastCycle(), s.Sensors(), rawLogDecode)
		},
		End: func(s *pipeline.Session) {
			fmt.Println()
			fmt.Print(s.Stats().String())
		},
	}

	p, err := newPipeline(handler, nil)
	if err != nil {
		return err
	}
	return p.Run(ctx)
}

// printCycleRecords prints every record framed in a cycle
func printCycleRecords(c pipeline.Cycle, sensors iolab.SensorMap, decode bool) {
	if c.Frame.Mismatches > 0 {
		fmt.Printf("[SYNC] %d framing mismatches, %d bytes skipped\n", c.Frame.Mismatches, c.Frame.Skipped)
	}

	for _, r := range c.Frame.Records {
		if !r.IsData() || !decode || len(sensors) == 0 {
			fmt.Print(iolab.FormatRecord(r))
			continue
		}

		rec, err := iolab.DecodeDataRecord(r.Payload(), sensors)
		fmt.Printf("[%s] %s (0x%02X) len=%d\n",
			r.Timestamp().Format("15:04:05.000"), iolab.FormatRecordType(r.Type()), uint8(r.Type()), r.Length())
		fmt.Print(iolab.FormatDataRecord(rec))
		if err != nil {
			fmt.Printf("  \033[1;31mDECODE ERROR:\033[0m %v\n", err)
		}
	}

	for _, ch := range c.Changes {
		printConfigChange(ch)
	}
}

// printConfigChange prints a configuration change notification
func printConfigChange(ch iolab.ConfigChange) {
	switch ch.Kind {
	case iolab.ChangeFixedConfig:
		fmt.Printf("[CONFIG] Fixed configuration: %s\n", iolab.FormatPreset(ch.FixedConfig))
	case iolab.ChangePacketConfig:
		fmt.Printf("[CONFIG] Packet configuration: %s\n", iolab.FormatSensorMap(ch.Sensors))
	}
}
