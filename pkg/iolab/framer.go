// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

import (
	"fmt"
	"log/slog"
)

// FrameResult summarizes one framer invocation
type FrameResult struct {
	Records    []*Record
	Mismatches int // candidate records whose end byte was wrong
	Skipped    int // bytes consumed without producing a record
	Pending    bool
}

// Framer extracts records from an append-only byte stream.
//
// The framer keeps a cursor into the stream. Every call to Frame resumes at
// the cursor, so the caller must always pass the full stream (or at least a
// slice that starts at the same origin as previous calls). Bytes before the
// cursor are never looked at again.
type Framer struct {
	order  []RecordType
	known  [256]bool
	next   int
	logger *slog.Logger
}

// NewFramer creates a framer. The order parameter sets the tie-break order in
// which record types are tested at a start byte; when empty DefaultTypeOrder
// is used. Duplicate types are rejected.
func NewFramer(logger *slog.Logger, order ...RecordType) (*Framer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(order) == 0 {
		order = DefaultTypeOrder
	}

	f := &Framer{
		order:  make([]RecordType, len(order)),
		logger: logger,
	}
	copy(f.order, order)

	for _, t := range f.order {
		if f.known[t] {
			return nil, fmt.Errorf("duplicate record type 0x%02X in type order", uint8(t))
		}
		f.known[t] = true
	}

	return f, nil
}

// Cursor returns the index of the first byte that has not been consumed
func (f *Framer) Cursor() int {
	return f.next
}

// TypeOrder returns a copy of the tie-break order
func (f *Framer) TypeOrder() []RecordType {
	order := make([]RecordType, len(f.order))
	copy(order, f.order)
	return order
}

// Recognized reports whether t is one of the framer's record types
func (f *Framer) Recognized(t RecordType) bool {
	return f.known[t]
}

// Frame scans stream from the cursor and returns the complete records found.
//
// Scanning stops early when a candidate record extends past the end of the
// available data; the cursor is left at its start byte so the next call
// retries once more bytes have arrived. The trailing bytes that are too short
// to hold even an empty record are left unconsumed as well.
func (f *Framer) Frame(stream []byte) FrameResult {
	var result FrameResult

	end := len(stream)
	i := f.next
	if i > end {
		// Stream shorter than what was already consumed; nothing new
		return result
	}

scan:
	for i+FrameOverhead <= end {
		if stream[i] != StartByte {
			i++
			result.Skipped++
			continue
		}

		matched := false
		for _, t := range f.order {
			if stream[i+1] != byte(t) {
				continue
			}
			matched = true

			count := int(stream[i+2])
			eop := i + 3 + count
			if eop >= end {
				// Incomplete record, wait for more bytes
				result.Pending = true
				break scan
			}

			if stream[eop] != EndByte {
				result.Mismatches++
				f.logger.Debug("framing mismatch",
					"offset", i,
					"type", FormatRecordType(t),
					"byte_count", count,
					"found", fmt.Sprintf("0x%02X", stream[eop]))
				continue
			}

			rec := NewRecord(t, stream[i+3:eop])
			result.Records = append(result.Records, rec)
			i = eop + 1
			continue scan
		}

		if !matched {
			f.logger.Debug("start byte with unknown record type",
				"offset", i,
				"type", fmt.Sprintf("0x%02X", stream[i+1]))
		}
		i++
		result.Skipped++
	}

	f.next = i
	return result
}
