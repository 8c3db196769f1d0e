// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatRecord formats a record into a human-readable string
func FormatRecord(r *Record) string {
	timestamp := r.timestamp.Format("15:04:05.000")
	recType := FormatRecordType(r.Type())

	result := fmt.Sprintf("[%s] %s (0x%02X) len=%d\n", timestamp, recType, uint8(r.Type()), r.Length())
	result += FormatPayload(r)

	return result
}

// FormatRecordSummary returns a one-line description of a record
func FormatRecordSummary(r *Record) string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(0x%02X) len=%d", FormatRecordType(r.Type()), uint8(r.Type()), r.Length())
}

// FormatRecordType returns the human-readable name for a record type
func FormatRecordType(t RecordType) string {
	switch t {
	// Responses to get commands
	case RecordDongleStatus:
		return "DONGLE_STATUS"
	case RecordSensorConfig:
		return "SENSOR_CONFIG"
	case RecordOutputConfig:
		return "OUTPUT_CONFIG"
	case RecordFixedConfig:
		return "FIXED_CONFIG"
	case RecordPacketConfig:
		return "PACKET_CONFIG"
	case RecordCalibration:
		return "CALIBRATION"
	case RecordRemoteStatus:
		return "REMOTE_STATUS"

	// Asynchronous records
	case RecordRFStatus:
		return "RF_STATUS"
	case RecordDataFromRemote:
		return "DATA"

	// Command acknowledgement
	case RecordACK:
		return "ACK"
	case RecordNACK:
		return "NACK"

	default:
		return "UNKNOWN"
	}
}

// ParseRecordType resolves a record type from its FormatRecordType name
// (case-insensitive) or from a numeric value such as "0x41"
func ParseRecordType(s string) (RecordType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, t := range DefaultTypeOrder {
		if FormatRecordType(t) == name {
			return t, nil
		}
	}

	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown record type %q", s)
	}
	return RecordType(v), nil
}

// FormatCommandType returns the human-readable name for a command type
func FormatCommandType(t RecordType) string {
	switch t {
	case CmdGetDongleStatus:
		return "GET_DONGLE_STATUS"
	case CmdStartData:
		return "START_DATA"
	case CmdStopData:
		return "STOP_DATA"
	case CmdSetSensorConfig:
		return "SET_SENSOR_CONFIG"
	case CmdGetSensorConfig:
		return "GET_SENSOR_CONFIG"
	case CmdSetOutputConfig:
		return "SET_OUTPUT_CONFIG"
	case CmdGetOutputConfig:
		return "GET_OUTPUT_CONFIG"
	case CmdSetFixedConfig:
		return "SET_FIXED_CONFIG"
	case CmdGetFixedConfig:
		return "GET_FIXED_CONFIG"
	case CmdGetPacketConfig:
		return "GET_PACKET_CONFIG"
	case CmdGetCalibration:
		return "GET_CALIBRATION"
	case CmdGetRemoteStatus:
		return "GET_REMOTE_STATUS"
	case CmdPowerDown:
		return "POWER_DOWN"
	default:
		return "UNKNOWN"
	}
}

// FormatPayload formats the payload based on record type
func FormatPayload(r *Record) string {
	p := r.Payload()

	switch r.Type() {
	case RecordACK, RecordNACK:
		if len(p) == 0 {
			return "  (no payload)\n"
		}
		return fmt.Sprintf("  Command: %s\n", FormatHex(p))

	case RecordDongleStatus:
		s, err := ParseDongleStatus(p)
		if err != nil {
			return formatRaw(p)
		}
		return fmt.Sprintf("  Firmware: %s, Mode: %d, ID: %06X\n", formatVersion(s.Firmware), s.Mode, s.ID)

	case RecordRemoteStatus:
		s, err := ParseRemoteStatus(p)
		if err != nil {
			return formatRaw(p)
		}
		return fmt.Sprintf("  Remote: %d, Sensor FW: %s, RF FW: %s, Battery: %d\n",
			s.Remote, formatVersion(s.SensorFirmware), formatVersion(s.RFFirmware), s.Battery)

	case RecordRFStatus:
		s, err := ParseRFStatus(p)
		if err != nil {
			return formatRaw(p)
		}
		state := "lost"
		if s.Connected() {
			state = "connected"
		}
		return fmt.Sprintf("  Remote: %d, Link: %s (%d)\n", s.Remote, state, s.Status)

	case RecordFixedConfig:
		if len(p) == 0 {
			return "  (no payload)\n"
		}
		return fmt.Sprintf("  Config: %s\n", FormatPreset(p[len(p)-1]))

	case RecordPacketConfig:
		if len(p) == 0 {
			return formatRaw(p)
		}
		sensors, err := ParsePacketConfig(p[1:])
		if err != nil {
			return fmt.Sprintf("  Remote: %d, invalid layout: %s\n", p[0], FormatHex(p[1:]))
		}
		return fmt.Sprintf("  Remote: %d, Sensors: %s (record %d bytes)\n", p[0], FormatSensorMap(sensors), sensors.RecordSize())

	case RecordSensorConfig, RecordOutputConfig:
		if len(p) < 2 {
			return formatRaw(p)
		}
		var pairs []string
		for i := 2; i+1 < len(p); i += 2 {
			pairs = append(pairs, fmt.Sprintf("%d=%d", p[i], p[i+1]))
		}
		return fmt.Sprintf("  Remote: %d, Pairs: %d [%s]\n", p[0], p[1], strings.Join(pairs, " "))

	case RecordCalibration:
		if len(p) < 3 {
			return formatRaw(p)
		}
		return fmt.Sprintf("  Remote: %d, Sensor: %s, Data: %s\n", p[0], sensorLabel(SensorID(p[1])), FormatHex(p[3:]))

	case RecordDataFromRemote:
		if len(p) < dataHeaderSize {
			return formatRaw(p)
		}
		return fmt.Sprintf("  Remote: %d, Frame: %d, Seq: %d, Sensors: %d, RSSI: %d\n",
			p[0], p[1], p[2], p[3], p[len(p)-1])
	}

	return formatRaw(p)
}

// FormatDataRecord formats a decoded data record with its converted samples
func FormatDataRecord(rec DataRecord) string {
	result := fmt.Sprintf("  Remote: %d, Frame: %d, Seq: %d, Sensors: %d\n",
		rec.Header.Remote, rec.Header.Frame, rec.Header.Sequence, rec.Header.SensorCount)

	for _, b := range rec.Blocks {
		flag := ""
		if b.Overflow {
			flag = " OVERFLOW"
		}
		samples, err := ConvertSamples(b.Sensor, b.Data)
		if err != nil {
			result += fmt.Sprintf("    %s: %d bytes (%v)%s\n", sensorLabel(b.Sensor), b.Valid, err, flag)
			continue
		}
		values := make([]string, len(samples))
		for i, s := range samples {
			values[i] = s.String()
		}
		result += fmt.Sprintf("    %s: %s%s\n", sensorLabel(b.Sensor), strings.Join(values, " "), flag)
	}

	return result
}

// FormatSensorMap formats a sensor map as "Name(id):len" entries
func FormatSensorMap(m SensorMap) string {
	if len(m) == 0 {
		return "(none)"
	}
	parts := make([]string, 0, len(m))
	for _, id := range m.IDs() {
		parts = append(parts, fmt.Sprintf("%s(%d):%d", sensorLabel(id), id, m[id]))
	}
	return strings.Join(parts, " ")
}

// FormatPreset returns the preset name for a fixed configuration number
func FormatPreset(config uint8) string {
	if p, ok := LookupPreset(config); ok {
		return fmt.Sprintf("%s (%d)", p.Name, config)
	}
	if config == 0 {
		return "none (0)"
	}
	return fmt.Sprintf("unknown (%d)", config)
}

// FormatHex formats bytes as space separated upper-case hex
func FormatHex(b []byte) string {
	return fmt.Sprintf("% X", b)
}

// FormatHexDump formats bytes 16 per line with their offset
func FormatHexDump(b []byte, base int) string {
	var sb strings.Builder
	for off := 0; off < len(b); off += 16 {
		end := off + 16
		if end > len(b) {
			end = len(b)
		}
		fmt.Fprintf(&sb, "%08X  %s\n", base+off, FormatHex(b[off:end]))
	}
	return sb.String()
}

func formatRaw(p []byte) string {
	if len(p) == 0 {
		return "  (no payload)\n"
	}
	return fmt.Sprintf("  Raw: %s\n", FormatHex(p))
}

func formatVersion(v uint16) string {
	return fmt.Sprintf("%d.%d", v>>8, v&0xFF)
}
