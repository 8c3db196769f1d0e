// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pipeline

import (
	"time"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
)

// Cycle describes one analysis cycle
type Cycle struct {
	N        int                  // cycle number, starting at 1
	Offset   int                  // buffer offset where this cycle's new bytes start
	Bytes    int                  // buffer length analyzed
	Frame    iolab.FrameResult    // records framed this cycle
	Changes  []iolab.ConfigChange // configuration changes seen this cycle
	Decode   iolab.DecodeResult   // samples decoded this cycle
	Duration time.Duration
}

// Session is the state built up by one pipeline run: every stored record,
// the decoded outputs and the configuration state.
//
// A Session is owned by the analyze goroutine. It may be read from Handler
// callbacks, and from any goroutine once the pipeline has stopped.
type Session struct {
	id      string
	started time.Time

	store   *iolab.Store
	outputs *iolab.Outputs
	tracker *iolab.Tracker
	stats   *iolab.Statistics

	last   Cycle
	cycles int
}

// ID returns the unique id of the run
func (s *Session) ID() string {
	return s.id
}

// Started returns when the run was created
func (s *Session) Started() time.Time {
	return s.started
}

// Store returns the record store
func (s *Session) Store() *iolab.Store {
	return s.store
}

// Outputs returns the decoded per-sensor samples
func (s *Session) Outputs() *iolab.Outputs {
	return s.outputs
}

// Stats returns the run statistics
func (s *Session) Stats() *iolab.Statistics {
	return s.stats
}

// Sensors returns the active sensor map
func (s *Session) Sensors() iolab.SensorMap {
	return s.tracker.Sensors()
}

// FixedConfig returns the last fixed configuration the remote reported
func (s *Session) FixedConfig() uint8 {
	return s.tracker.FixedConfig()
}

// ConfigReady reports whether a packet configuration has been received
func (s *Session) ConfigReady() bool {
	return s.tracker.Ready()
}

// LastCycle returns the most recent analysis cycle
func (s *Session) LastCycle() Cycle {
	return s.last
}

// Cycles returns the number of analysis cycles run
func (s *Session) Cycles() int {
	return s.cycles
}
