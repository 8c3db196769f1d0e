// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

import (
	"errors"
	"fmt"
)

// ErrInvalidLength is returned when a payload does not fit the byte count field
var ErrInvalidLength = errors.New("payload too large for record")

// EncodeRecord creates the complete wire form of a record.
// Returns the bytes ready for transmission.
func EncodeRecord(r *Record) ([]byte, error) {
	if r.Length() > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidLength, r.Length(), MaxPayloadSize)
	}
	return r.Bytes(), nil
}

// EncodeRecordFromValues builds and encodes a record in one step
func EncodeRecordFromValues(recType RecordType, payload []byte) ([]byte, error) {
	return EncodeRecord(NewRecord(recType, payload))
}

// MustEncodeRecord encodes a record and panics on error.
// Use EncodeRecord for error handling.
func MustEncodeRecord(r *Record) []byte {
	data, err := EncodeRecord(r)
	if err != nil {
		panic(fmt.Sprintf("iolab: encode error: %v", err))
	}
	return data
}
