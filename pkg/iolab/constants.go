// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package iolab implements the IOLab USB dongle record protocol.
//
// The dongle exchanges framed records with the host over a virtual serial
// port. Every record, in either direction, has the same framing:
//
//	SOP(0x02) type byteCount payload[byteCount] EOP(0x0A)
//
// This package provides the streaming record framer, the record store, the
// configuration tracker, the multi-sensor payload decoder and the command
// record builders. It does not apply any sensor calibration.
package iolab

// Protocol framing bytes
const (
	StartByte = 0x02
	EndByte   = 0x0A
)

// Record size limits
const (
	FrameOverhead  = 4 // SOP + type + byteCount + EOP
	MaxPayloadSize = 255
	MaxRecordSize  = MaxPayloadSize + FrameOverhead
)

// RecordType identifies the kind of a framed record (second byte on the wire)
type RecordType uint8

// Record types received from the dongle
const (
	RecordDongleStatus   RecordType = 0x14
	RecordSensorConfig   RecordType = 0x23
	RecordOutputConfig   RecordType = 0x25
	RecordFixedConfig    RecordType = 0x27
	RecordPacketConfig   RecordType = 0x28
	RecordCalibration    RecordType = 0x29
	RecordRemoteStatus   RecordType = 0x2A
	RecordRFStatus       RecordType = 0x40
	RecordDataFromRemote RecordType = 0x41
	RecordACK            RecordType = 0xAA
	RecordNACK           RecordType = 0xBB
)

// RecordData is the only record type carrying sensor data. Every other
// recognized type is a control record.
const RecordData = RecordDataFromRemote

// DefaultTypeOrder is the order in which the framer tests record types at a
// candidate start byte. The first type whose end byte checks out wins.
var DefaultTypeOrder = []RecordType{
	RecordDongleStatus,
	RecordSensorConfig,
	RecordOutputConfig,
	RecordFixedConfig,
	RecordPacketConfig,
	RecordCalibration,
	RecordRemoteStatus,
	RecordRFStatus,
	RecordDataFromRemote,
	RecordACK,
	RecordNACK,
}

// Command types sent to the dongle (host → dongle)
const (
	CmdGetDongleStatus RecordType = 0x14
	CmdStartData       RecordType = 0x20
	CmdStopData        RecordType = 0x21
	CmdSetSensorConfig RecordType = 0x22
	CmdGetSensorConfig RecordType = 0x23
	CmdSetOutputConfig RecordType = 0x24
	CmdGetOutputConfig RecordType = 0x25
	CmdSetFixedConfig  RecordType = 0x26
	CmdGetFixedConfig  RecordType = 0x27
	CmdGetPacketConfig RecordType = 0x28
	CmdGetCalibration  RecordType = 0x29
	CmdGetRemoteStatus RecordType = 0x2A
	CmdPowerDown       RecordType = 0x2B
)

// DefaultRemote is the remote number used when only one remote is paired
const DefaultRemote = 1

// Data record layout: remote, frame, sequence, sensor count, sub-blocks, RSSI
const (
	dataHeaderSize  = 4
	dataTrailerSize = 1

	subBlockHeaderSize = 2
	overflowBit        = 0x80
	sensorIDMask       = 0x7F
)
