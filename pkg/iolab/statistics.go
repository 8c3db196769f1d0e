// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

import (
	"fmt"
	"sort"
	"time"
)

// Statistics tracks record statistics and error rates over a run
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalRecords      uint64
	DataRecords       uint64
	ControlRecords    uint64
	RecordsByType     map[RecordType]uint64
	FramingMismatches uint64
	SkippedBytes      uint64
	NACKs             uint64
	ConfigChanges     uint64
	DecodeAborts      uint64
	MalformedBlocks   uint64
	SequenceGaps      uint64
	CountMismatches   uint64
	Overflows         uint64
	ShortRecords      uint64
	TotalSamples      uint64
	SamplesBySensor   map[SensorID]uint64

	// Rates (calculated)
	RecordRate float64 // records/sec
	SampleRate float64 // samples/sec
	ErrorRate  float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:       now,
		LastUpdateTime:  now,
		RecordsByType:   make(map[RecordType]uint64),
		SamplesBySensor: make(map[SensorID]uint64),
	}
}

// Update folds the results of one framing and decode cycle into the counters
func (s *Statistics) Update(frame FrameResult, decode DecodeResult, changes int) {
	for _, r := range frame.Records {
		s.TotalRecords++
		s.RecordsByType[r.Type()]++
		if r.IsData() {
			s.DataRecords++
		} else {
			s.ControlRecords++
		}
		if r.Type() == RecordNACK {
			s.NACKs++
		}
	}
	s.FramingMismatches += uint64(frame.Mismatches)
	s.SkippedBytes += uint64(frame.Skipped)
	s.ConfigChanges += uint64(changes)

	if decode.Aborted {
		s.DecodeAborts++
	}
	s.MalformedBlocks += uint64(decode.Malformed)
	s.TotalSamples += uint64(decode.Samples)
	for id, n := range decode.SamplesBySensor {
		s.SamplesBySensor[id] += uint64(n)
	}

	for _, a := range decode.Anomalies {
		switch a.Type {
		case AnomalySequenceGap:
			s.SequenceGaps++
		case AnomalySensorCountMismatch:
			s.CountMismatches++
		case AnomalyOverflow:
			s.Overflows++
		case AnomalyShortRecord:
			s.ShortRecords++
		}
	}

	// Update timestamp for rate calculation
	s.LastUpdateTime = time.Now()
}

// Errors returns the number of error events counted so far
func (s *Statistics) Errors() uint64 {
	return s.FramingMismatches + s.NACKs + s.DecodeAborts + s.MalformedBlocks + s.SequenceGaps + s.ShortRecords
}

// CalculateRates calculates record, sample and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.RecordRate = float64(s.TotalRecords) / elapsed
		s.SampleRate = float64(s.TotalSamples) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var dataPercent float64
	if s.TotalRecords > 0 {
		dataPercent = float64(s.DataRecords) * 100.0 / float64(s.TotalRecords)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Records:   %8d\n", s.TotalRecords)
	result += fmt.Sprintf("Data Records:    %8d (%.1f%%)\n", s.DataRecords, dataPercent)
	result += fmt.Sprintf("Control Records: %8d\n", s.ControlRecords)

	types := make([]RecordType, 0, len(s.RecordsByType))
	for t := range s.RecordsByType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		result += fmt.Sprintf("  %-16s %6d\n", FormatRecordType(t)+":", s.RecordsByType[t])
	}

	if s.ConfigChanges > 0 {
		result += fmt.Sprintf("Config Changes:  %8d\n", s.ConfigChanges)
	}
	if s.FramingMismatches > 0 {
		result += fmt.Sprintf("Framing Errors:  %8d\n", s.FramingMismatches)
	}
	if s.SkippedBytes > 0 {
		result += fmt.Sprintf("Skipped Bytes:   %8d\n", s.SkippedBytes)
	}
	if s.NACKs > 0 {
		result += fmt.Sprintf("Rejected Cmds:   %8d\n", s.NACKs)
	}
	if s.DecodeAborts > 0 {
		result += fmt.Sprintf("Decode Aborts:   %8d\n", s.DecodeAborts)
	}
	if s.MalformedBlocks > 0 {
		result += fmt.Sprintf("Malformed Blks:  %8d\n", s.MalformedBlocks)
	}
	if s.SequenceGaps > 0 {
		result += fmt.Sprintf("Sequence Gaps:   %8d\n", s.SequenceGaps)
	}
	if s.CountMismatches > 0 {
		result += fmt.Sprintf("Count Mismatch:  %8d\n", s.CountMismatches)
	}
	if s.Overflows > 0 {
		result += fmt.Sprintf("Overflows:       %8d\n", s.Overflows)
	}
	if s.ShortRecords > 0 {
		result += fmt.Sprintf("Short Records:   %8d\n", s.ShortRecords)
	}

	result += fmt.Sprintf("Samples:         %8d\n", s.TotalSamples)
	ids := make(SensorMap, len(s.SamplesBySensor))
	for id := range s.SamplesBySensor {
		ids[id] = 0
	}
	for _, id := range ids.IDs() {
		result += fmt.Sprintf("  %-16s %6d\n", sensorLabel(id)+":", s.SamplesBySensor[id])
	}

	result += fmt.Sprintf("Record Rate:     %8.1f recs/sec\n", s.RecordRate)
	result += fmt.Sprintf("Sample Rate:     %8.1f samples/sec\n", s.SampleRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Snapshot returns a copy that shares no maps with s
func (s *Statistics) Snapshot() Statistics {
	c := *s
	c.RecordsByType = make(map[RecordType]uint64, len(s.RecordsByType))
	for t, n := range s.RecordsByType {
		c.RecordsByType[t] = n
	}
	c.SamplesBySensor = make(map[SensorID]uint64, len(s.SamplesBySensor))
	for id, n := range s.SamplesBySensor {
		c.SamplesBySensor[id] = n
	}
	return c
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
