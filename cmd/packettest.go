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
	"github.com/Thermoquad/iolabstat/pkg/pipeline"
	"github.com/spf13/cobra"
)

var (
	packetTestTimeout int
	packetTestQuery   bool
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid IOLab record",
	Long: `Wait for a valid IOLab record on the connection until timeout.

This command connects to a serial port, WebSocket or capture file and waits
for any complete record of a recognized type with a correct end byte. Noise
bytes before the first record are counted and skipped.

With --query (the default), a GET_DONGLE_STATUS command is sent first so an
idle dongle has something to answer.

Exit codes:
  0 - Record received before timeout
  1 - Timeout reached without receiving a valid record
  2 - Connection error`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a record")
	packetTestCmd.Flags().BoolVar(&packetTestQuery, "query", true, "Send GET_DONGLE_STATUS before waiting")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	// Open connection (serial, WebSocket or replay)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("iolabstat - Record Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)

	if packetTestQuery {
		if _, err := conn.Write(iolab.MustEncodeRecord(iolab.NewGetDongleStatus())); err != nil {
			fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
			os.Exit(2)
		}
	}
	fmt.Printf("Waiting for valid IOLab record...\n\n")

	// Channel for record reception
	recordChan := make(chan firstRecord, 1)
	errChan := make(chan error, 1)

	// Reader goroutine
	go func() {
		r, err := waitForRecord(conn)
		if err != nil {
			errChan <- err
			return
		}
		recordChan <- r
	}()

	// Wait for record or timeout
	select {
	case r := <-recordChan:
		if r.skipped > 0 {
			fmt.Printf("(skipped %d invalid bytes before sync)\n", r.skipped)
		}
		fmt.Printf("SUCCESS: Received valid record\n")
		fmt.Printf("  Type: %s (0x%02X)\n", iolab.FormatRecordType(r.record.Type()), uint8(r.record.Type()))
		fmt.Printf("  Length: %d bytes\n", r.record.Length())
		fmt.Print(iolab.FormatPayload(r.record))
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(packetTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid record received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}

// firstRecord is the first record framed on a connection
type firstRecord struct {
	record  *iolab.Record
	skipped int
}

// waitForRecord reads from r until one record frames. The framer works on
// the accumulated bytes so records split across reads are found.
func waitForRecord(r io.Reader) (firstRecord, error) {
	framer, err := iolab.NewFramer(nil)
	if err != nil {
		return firstRecord{}, err
	}

	var stream []byte
	skipped := 0
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			stream = append(stream, buf[:n]...)
			res := framer.Frame(stream)
			skipped += res.Skipped
			if len(res.Records) > 0 {
				return firstRecord{record: res.Records[0], skipped: skipped}, nil
			}
		}
		if err != nil {
			if errors.Is(err, pipeline.ErrTransportClosed) {
				return firstRecord{}, io.EOF
			}
			return firstRecord{}, err
		}
	}
}
