// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

import (
	"encoding/binary"
	"fmt"
)

// DongleStatus is the payload of a dongle status record (0x14)
type DongleStatus struct {
	Firmware uint16
	Mode     uint8
	ID       uint32 // 24-bit dongle id
}

// ParseDongleStatus decodes a dongle status payload
func ParseDongleStatus(payload []byte) (DongleStatus, error) {
	if len(payload) < 6 {
		return DongleStatus{}, fmt.Errorf("%w: dongle status is %d bytes (expected 6)", ErrShortRecord, len(payload))
	}
	return DongleStatus{
		Firmware: binary.BigEndian.Uint16(payload[0:2]),
		Mode:     payload[2],
		ID:       uint32(payload[3])<<16 | uint32(payload[4])<<8 | uint32(payload[5]),
	}, nil
}

// RemoteStatus is the payload of a remote status record (0x2A)
type RemoteStatus struct {
	Remote         uint8
	SensorFirmware uint16
	RFFirmware     uint16
	Battery        uint16 // raw battery reading
}

// ParseRemoteStatus decodes a remote status payload
func ParseRemoteStatus(payload []byte) (RemoteStatus, error) {
	if len(payload) < 7 {
		return RemoteStatus{}, fmt.Errorf("%w: remote status is %d bytes (expected 7)", ErrShortRecord, len(payload))
	}
	return RemoteStatus{
		Remote:         payload[0],
		SensorFirmware: binary.BigEndian.Uint16(payload[1:3]),
		RFFirmware:     binary.BigEndian.Uint16(payload[3:5]),
		Battery:        binary.BigEndian.Uint16(payload[5:7]),
	}, nil
}

// RFStatus is the payload of an asynchronous RF status record (0x40), sent
// when the radio link is lost or re-acquired
type RFStatus struct {
	Remote uint8
	Status uint8
}

// Connected reports whether the link to the remote is up
func (s RFStatus) Connected() bool {
	return s.Status != 0
}

// ParseRFStatus decodes an RF status payload
func ParseRFStatus(payload []byte) (RFStatus, error) {
	if len(payload) < 2 {
		return RFStatus{}, fmt.Errorf("%w: rf status is %d bytes (expected 2)", ErrShortRecord, len(payload))
	}
	return RFStatus{Remote: payload[0], Status: payload[1]}, nil
}
