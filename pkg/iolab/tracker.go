// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// ErrInvalidLayout is returned for packet configuration layouts whose pair
// count does not fit the available bytes
var ErrInvalidLayout = errors.New("invalid packet configuration layout")

// SensorMap maps each active sensor to the maximum number of raw bytes it
// contributes to a data record
type SensorMap map[SensorID]int

// IDs returns the sensor ids in ascending order
func (m SensorMap) IDs() []SensorID {
	ids := make([]SensorID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns an independent copy
func (m SensorMap) Clone() SensorMap {
	c := make(SensorMap, len(m))
	for id, n := range m {
		c[id] = n
	}
	return c
}

// RecordSize returns the data record payload length this layout produces
func (m SensorMap) RecordSize() int {
	size := dataHeaderSize + dataTrailerSize
	for _, n := range m {
		size += subBlockHeaderSize + n
	}
	return size
}

// ParsePacketConfig decodes a packet configuration layout: a sensor count
// followed by (sensor id, length) pairs. The layout is the packet
// configuration payload without its leading remote byte.
func ParsePacketConfig(layout []byte) (SensorMap, error) {
	if len(layout) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidLayout)
	}

	count := int(layout[0])
	if len(layout) < 1+2*count {
		return nil, fmt.Errorf("%w: %d sensors need %d bytes, have %d",
			ErrInvalidLayout, count, 1+2*count, len(layout))
	}

	sensors := make(SensorMap, count)
	for i := 0; i < count; i++ {
		id := SensorID(layout[1+2*i])
		sensors[id] = int(layout[2+2*i])
	}
	return sensors, nil
}

// ChangeKind identifies what a ConfigChange reports
type ChangeKind int

// Configuration change kinds
const (
	ChangeFixedConfig ChangeKind = iota
	ChangePacketConfig
)

// String returns the change kind name
func (k ChangeKind) String() string {
	if k == ChangeFixedConfig {
		return "fixed_config"
	}
	return "packet_config"
}

// ConfigChange is emitted once per distinct configuration value seen
type ConfigChange struct {
	Kind        ChangeKind
	FixedConfig uint8
	Layout      []byte
	Sensors     SensorMap
}

// Tracker follows the remote's fixed and packet configuration records
type Tracker struct {
	lastFixed  uint8
	lastLayout []byte
	sensors    SensorMap
	ready      bool
	logger     *slog.Logger
}

// NewTracker creates a tracker with no configuration
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		sensors: SensorMap{},
		logger:  logger,
	}
}

// FixedConfig returns the last fixed configuration seen (0 if none)
func (t *Tracker) FixedConfig() uint8 {
	return t.lastFixed
}

// Sensors returns the active sensor map. Callers must not modify it.
func (t *Tracker) Sensors() SensorMap {
	return t.sensors
}

// Ready reports whether a packet configuration has been received
func (t *Tracker) Ready() bool {
	return t.ready
}

// Update inspects the latest configuration records in store and returns
// the changes since the previous call
func (t *Tracker) Update(store *Store) []ConfigChange {
	var changes []ConfigChange

	var fixed uint8
	if r, ok := store.Latest(RecordFixedConfig); ok && r.Length() > 0 {
		fixed = r.Payload()[r.Length()-1]
	}
	if fixed != t.lastFixed {
		t.lastFixed = fixed
		preset, _ := LookupPreset(fixed)
		t.logger.Info("new fixed configuration", "config", fixed, "preset", preset.Name)
		changes = append(changes, ConfigChange{Kind: ChangeFixedConfig, FixedConfig: fixed})
	}

	var layout []byte
	if r, ok := store.Latest(RecordPacketConfig); ok && r.Length() > 0 {
		layout = r.Payload()[1:]
	}
	if !bytes.Equal(layout, t.lastLayout) {
		t.lastLayout = append([]byte(nil), layout...)

		sensors, err := ParsePacketConfig(layout)
		if err != nil {
			t.logger.Warn("ignoring packet configuration", "layout", fmt.Sprintf("% X", layout), "error", err)
			return changes
		}

		t.sensors = sensors
		t.ready = true
		t.logger.Info("new packet configuration",
			"layout", fmt.Sprintf("% X", layout),
			"sensors", FormatSensorMap(sensors))
		changes = append(changes, ConfigChange{
			Kind:    ChangePacketConfig,
			Layout:  t.lastLayout,
			Sensors: sensors.Clone(),
		})
	}

	return changes
}
