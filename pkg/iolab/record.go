// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

import (
	"bytes"
	"time"
)

// Record represents one framed IOLab record. Records are immutable once
// created; accessors must not be used to modify the returned slices.
type Record struct {
	recType   RecordType
	payload   []byte
	timestamp time.Time
}

// NewRecord creates a record with a private copy of payload
func NewRecord(recType RecordType, payload []byte) *Record {
	p := make([]byte, len(payload))
	copy(p, payload)
	return &Record{
		recType:   recType,
		payload:   p,
		timestamp: time.Now(),
	}
}

// Type returns the record type
func (r *Record) Type() RecordType {
	return r.recType
}

// Payload returns the payload bytes between the byte count and the end byte
func (r *Record) Payload() []byte {
	return r.payload
}

// Length returns the byte count field (payload length)
func (r *Record) Length() int {
	return len(r.payload)
}

// Timestamp returns when the record was framed or built
func (r *Record) Timestamp() time.Time {
	return r.timestamp
}

// IsData returns true for asynchronous data records from the remote
func (r *Record) IsData() bool {
	return r.recType == RecordData
}

// Bytes returns the wire form of the record, framing bytes included.
// Payloads longer than MaxPayloadSize are truncated; use EncodeRecord to
// get an error instead.
func (r *Record) Bytes() []byte {
	n := len(r.payload)
	if n > MaxPayloadSize {
		n = MaxPayloadSize
	}
	out := make([]byte, 0, n+FrameOverhead)
	out = append(out, StartByte, byte(r.recType), byte(n))
	out = append(out, r.payload[:n]...)
	return append(out, EndByte)
}

// Equal reports whether two records have the same type and payload
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.recType == other.recType && bytes.Equal(r.payload, other.payload)
}

// String returns the record type name and length
func (r *Record) String() string {
	return FormatRecordSummary(r)
}
