// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

// Command builder functions create Record structs ready for encoding.
// Commands that address a remote carry the remote number (1 or 2) as their
// first payload byte; the dongle answers with the matching record type, or
// with ACK/NACK for the set commands.

// IDValue is one (id, value) pair of a sensor or output configuration command
type IDValue struct {
	ID    uint8
	Value uint8
}

// NewGetDongleStatus creates a dongle status request (0x14).
// The dongle responds with a status record of the same type.
func NewGetDongleStatus() *Record {
	return NewRecord(CmdGetDongleStatus, nil)
}

// NewStartData creates a start data command (0x20).
// The remote starts streaming data records (0x41) in its current configuration.
func NewStartData() *Record {
	return NewRecord(CmdStartData, nil)
}

// NewStopData creates a stop data command (0x21)
func NewStopData() *Record {
	return NewRecord(CmdStopData, nil)
}

// NewSetSensorConfig creates a sensor configuration command (0x22).
// Answered with ACK or NACK.
func NewSetSensorConfig(remote uint8, pairs []IDValue) *Record {
	return NewRecord(CmdSetSensorConfig, pairPayload(remote, pairs))
}

// NewGetSensorConfig creates a sensor configuration request (0x23)
func NewGetSensorConfig(remote uint8) *Record {
	return NewRecord(CmdGetSensorConfig, []byte{remote})
}

// NewSetOutputConfig creates an output configuration command (0x24).
// Answered with ACK or NACK.
func NewSetOutputConfig(remote uint8, pairs []IDValue) *Record {
	return NewRecord(CmdSetOutputConfig, pairPayload(remote, pairs))
}

// NewGetOutputConfig creates an output configuration request (0x25)
func NewGetOutputConfig(remote uint8) *Record {
	return NewRecord(CmdGetOutputConfig, []byte{remote})
}

// NewSetFixedConfig creates a fixed configuration command (0x26).
// The config number selects one of the presets returned by Presets.
func NewSetFixedConfig(remote, config uint8) *Record {
	return NewRecord(CmdSetFixedConfig, []byte{remote, config})
}

// NewGetFixedConfig creates a fixed configuration request (0x27)
func NewGetFixedConfig(remote uint8) *Record {
	return NewRecord(CmdGetFixedConfig, []byte{remote})
}

// NewGetPacketConfig creates a packet configuration request (0x28).
// The response describes the data record layout and must be received before
// data records can be decoded.
func NewGetPacketConfig(remote uint8) *Record {
	return NewRecord(CmdGetPacketConfig, []byte{remote})
}

// NewGetCalibration creates a calibration request for one sensor (0x29)
func NewGetCalibration(remote uint8, sensor SensorID) *Record {
	return NewRecord(CmdGetCalibration, []byte{remote, uint8(sensor)})
}

// NewGetRemoteStatus creates a remote status request (0x2A)
func NewGetRemoteStatus(remote uint8) *Record {
	return NewRecord(CmdGetRemoteStatus, []byte{remote})
}

// NewPowerDown creates a power down command (0x2B)
func NewPowerDown(remote uint8) *Record {
	return NewRecord(CmdPowerDown, []byte{remote})
}

// ConfigureSequence returns the commands that switch a remote to a fixed
// configuration and query the resulting packet layout
func ConfigureSequence(remote, config uint8) []*Record {
	return []*Record{
		NewSetFixedConfig(remote, config),
		NewGetFixedConfig(remote),
		NewGetPacketConfig(remote),
	}
}

// ShutdownSequence returns the commands sent when leaving an acquisition
func ShutdownSequence(remote uint8, powerDown bool) []*Record {
	cmds := []*Record{NewStopData()}
	if powerDown {
		cmds = append(cmds, NewPowerDown(remote))
	}
	return cmds
}

func pairPayload(remote uint8, pairs []IDValue) []byte {
	payload := make([]byte, 0, 2+2*len(pairs))
	payload = append(payload, remote, uint8(len(pairs)))
	for _, p := range pairs {
		payload = append(payload, p.ID, p.Value)
	}
	return payload
}
