// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

var portsAll bool

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and find IOLab dongles",
	Long: `List the serial ports the operating system reports and mark the ones an
IOLab USB dongle is plugged into.

A port is an IOLab dongle when its USB product string contains "IOLab".
This is the port --port auto selects (the first one found).

Exit codes:
  0 - At least one IOLab dongle found
  1 - No IOLab dongle found
  2 - Port enumeration failed`,
	RunE: runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
	portsCmd.Flags().BoolVar(&portsAll, "all", false, "List every port, not only IOLab dongles")
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Port enumeration failed: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("iolabstat - Serial Ports\n\n")

	dongles := iolabPorts(ports)
	isDongle := make(map[string]bool, len(dongles))
	for _, p := range dongles {
		isDongle[p.Name] = true
	}

	shown := ports
	if !portsAll {
		shown = dongles
	}
	for _, p := range shown {
		fmt.Print(formatPort(p, isDongle[p.Name]))
	}

	// Summary
	fmt.Printf("\n--- Port summary ---\n")
	fmt.Printf("Ports found: %d\n", len(ports))
	fmt.Printf("IOLab dongles: %d\n", len(dongles))

	if len(dongles) == 0 {
		fmt.Printf("No IOLab dongle found. Check that it is plugged in.\n")
		os.Exit(1)
	}
	if len(dongles) > 1 {
		fmt.Printf("Several dongles found; --port auto uses %s\n", dongles[0].Name)
	}

	return nil
}

// formatPort describes one port, with its USB details when present
func formatPort(p *enumerator.PortDetails, dongle bool) string {
	marker := " "
	if dongle {
		marker = "*"
	}

	if !p.IsUSB {
		return fmt.Sprintf("%s %s\n", marker, p.Name)
	}

	result := fmt.Sprintf("%s %s\n", marker, p.Name)
	result += fmt.Sprintf("    USB ID: %s:%s\n", p.VID, p.PID)
	if p.Product != "" {
		result += fmt.Sprintf("    Product: %s\n", p.Product)
	}
	if p.SerialNumber != "" {
		result += fmt.Sprintf("    Serial: %s\n", p.SerialNumber)
	}
	return result
}
