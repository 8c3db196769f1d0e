// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

import "fmt"

// AnomalyType represents different types of data record anomalies
type AnomalyType int

const (
	AnomalySensorCountMismatch AnomalyType = iota
	AnomalySequenceGap
	AnomalyOverflow
	AnomalyShortRecord
	AnomalyLengthMismatch
)

// String returns the anomaly name
func (a AnomalyType) String() string {
	switch a {
	case AnomalySensorCountMismatch:
		return "sensor_count_mismatch"
	case AnomalySequenceGap:
		return "sequence_gap"
	case AnomalyOverflow:
		return "overflow"
	case AnomalyShortRecord:
		return "short_record"
	case AnomalyLengthMismatch:
		return "length_mismatch"
	}
	return fmt.Sprintf("anomaly_%d", int(a))
}

// ValidationError represents a data record validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateDataRecord checks a data record against the active sensor map.
// prevSeq is the sequence byte of the previous data record, or -1 when there
// is none. Returns a slice of validation errors (empty if the record is valid).
func ValidateDataRecord(r *Record, sensors SensorMap, prevSeq int) []ValidationError {
	errors := []ValidationError{}
	payload := r.Payload()

	if len(payload) < dataHeaderSize {
		return []ValidationError{{
			Type:    AnomalyShortRecord,
			Message: fmt.Sprintf("Data record too short (%d bytes, header is %d)", len(payload), dataHeaderSize),
			Details: map[string]interface{}{"length": len(payload), "minimum": dataHeaderSize},
		}}
	}

	seq := int(payload[2])
	if prevSeq >= 0 {
		if want := (prevSeq + 1) & 0xFF; seq != want {
			errors = append(errors, ValidationError{
				Type:    AnomalySequenceGap,
				Message: fmt.Sprintf("Sequence gap (got %d, expected %d)", seq, want),
				Details: map[string]interface{}{"sequence": seq, "expected": want, "missed": (seq - want) & 0xFF},
			})
		}
	}

	if len(sensors) == 0 {
		return errors
	}

	count := int(payload[3])
	if count != len(sensors) {
		errors = append(errors, ValidationError{
			Type:    AnomalySensorCountMismatch,
			Message: fmt.Sprintf("Sensor count %d does not match configuration (%d sensors)", count, len(sensors)),
			Details: map[string]interface{}{"count": count, "configured": len(sensors)},
		})
	}

	if want := sensors.RecordSize(); len(payload) != want && count == len(sensors) {
		errors = append(errors, ValidationError{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("Data record is %d bytes, configuration implies %d", len(payload), want),
			Details: map[string]interface{}{"length": len(payload), "expected": want},
		})
	}

	// Overflow bits are only visible on blocks we can locate
	rec, _ := DecodeDataRecord(payload, sensors)
	for _, b := range rec.Blocks {
		if b.Overflow {
			errors = append(errors, ValidationError{
				Type:    AnomalyOverflow,
				Message: fmt.Sprintf("%s buffer overflow on remote", sensorLabel(b.Sensor)),
				Details: map[string]interface{}{"sensor": uint8(b.Sensor), "sequence": seq},
			})
		}
	}

	return errors
}

func sensorLabel(id SensorID) string {
	if name := SensorName(id); name != "" {
		return name
	}
	return fmt.Sprintf("Sensor %d", id)
}
