// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// iolabstat - IOLab Serial Hub Acquisition and Analyzer
//
// A CLI tool for framing, decoding and monitoring the record stream of an
// IOLab USB dongle.

package main

import (
	"os"

	"github.com/Thermoquad/iolabstat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
