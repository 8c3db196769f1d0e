// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Payload decode errors
var (
	ErrShortRecord         = errors.New("data record shorter than its header")
	ErrUnknownSensor       = errors.New("sensor not in active packet configuration")
	ErrTruncatedRecord     = errors.New("sensor block extends past end of record")
	ErrMalformedSubPayload = errors.New("sensor payload length not a multiple of block size")
	ErrUnsupportedSensor   = errors.New("no conversion rule for sensor")
)

// DataHeader holds the fixed fields at the start of a data record
type DataHeader struct {
	Remote      uint8
	Frame       uint8
	Sequence    uint8
	SensorCount uint8
}

// SubBlock is one sensor's slice of a data record
type SubBlock struct {
	Sensor   SensorID
	Overflow bool
	Valid    int    // byte count announced by the block
	Data     []byte // the announced bytes
	Offset   int    // payload offset of the id byte
}

// DataRecord is the result of splitting a data record payload
type DataRecord struct {
	Header   DataHeader
	Blocks   []SubBlock
	Consumed int // payload bytes covered by the header and sensor blocks
}

// DecodeDataRecord splits a data record payload into its sensor blocks.
//
// Blocks are located by advancing 2 + length bytes per sensor, with the
// length taken from sensors rather than from the block itself. When an
// unknown sensor or a truncated block is hit, the blocks decoded so far are
// returned together with the error.
func DecodeDataRecord(payload []byte, sensors SensorMap) (DataRecord, error) {
	var rec DataRecord
	if len(payload) < dataHeaderSize {
		return rec, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(payload))
	}

	rec.Header = DataHeader{
		Remote:      payload[0],
		Frame:       payload[1],
		Sequence:    payload[2],
		SensorCount: payload[3],
	}

	i := dataHeaderSize
	for saved := 0; saved < int(rec.Header.SensorCount); saved++ {
		if i+subBlockHeaderSize > len(payload) {
			rec.Consumed = i
			return rec, fmt.Errorf("%w: block %d at offset %d", ErrTruncatedRecord, saved, i)
		}

		id := SensorID(payload[i] & sensorIDMask)
		expected, ok := sensors[id]
		if !ok {
			rec.Consumed = i
			return rec, fmt.Errorf("%w: sensor %d at offset %d", ErrUnknownSensor, id, i)
		}

		valid := int(payload[i+1])
		start := i + subBlockHeaderSize
		if start+valid > len(payload) {
			rec.Consumed = i
			return rec, fmt.Errorf("%w: sensor %d needs %d bytes at offset %d", ErrTruncatedRecord, id, valid, start)
		}

		rec.Blocks = append(rec.Blocks, SubBlock{
			Sensor:   id,
			Overflow: payload[i]&overflowBit != 0,
			Valid:    valid,
			Data:     payload[start : start+valid],
			Offset:   i,
		})

		next := i + subBlockHeaderSize + expected
		if next > len(payload) {
			rec.Consumed = len(payload)
			return rec, fmt.Errorf("%w: sensor %d slot of %d bytes at offset %d", ErrTruncatedRecord, id, expected, start)
		}
		i = next
	}

	rec.Consumed = i
	return rec, nil
}

// ConvertSamples turns one sensor's raw bytes into samples using the
// sensor's category rule
func ConvertSamples(id SensorID, data []byte) ([]Sample, error) {
	category := SensorCategory(id)
	size := category.BlockSize()
	if size == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSensor, id)
	}
	if len(data)%size != 0 {
		return nil, fmt.Errorf("%w: %s data is %d bytes (block %d)",
			ErrMalformedSubPayload, SensorName(id), len(data), size)
	}

	samples := make([]Sample, 0, len(data)/size)
	for off := 0; off < len(data); off += size {
		samples = append(samples, convertBlock(category, data[off:off+size]))
	}
	return samples, nil
}

func convertBlock(category Category, d []byte) Sample {
	switch category {
	case CategoryRotatedTriple:
		// The chip is rotated on the PCB
		x, y, z := int16triple(d)
		return Triple(-y, x, z)

	case CategoryInvertedTriple:
		x, y, z := int16triple(d)
		return Triple(-x, -y, -z)

	case CategoryUnsigned16:
		return Scalar(int64(binary.BigEndian.Uint16(d)))

	case CategorySigned16:
		return Scalar(int64(int16(binary.BigEndian.Uint16(d))))

	case CategoryUnsignedPair:
		return Pair(int64(binary.BigEndian.Uint16(d[0:2])), int64(binary.BigEndian.Uint16(d[2:4])))

	case CategoryUnsigned32:
		return Scalar(int64(binary.BigEndian.Uint32(d)))
	}
	return Sample{}
}

func int16triple(d []byte) (int64, int64, int64) {
	return int64(int16(binary.BigEndian.Uint16(d[0:2]))),
		int64(int16(binary.BigEndian.Uint16(d[2:4]))),
		int64(int16(binary.BigEndian.Uint16(d[4:6])))
}
