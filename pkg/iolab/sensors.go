// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

import (
	"sort"
	"strings"
)

// SensorID identifies a sensor on the remote (low 7 bits of a sub-block id byte)
type SensorID uint8

// Sensor IDs
const (
	SensorAccelerometer SensorID = 1
	SensorMagnetometer  SensorID = 2
	SensorGyroscope     SensorID = 3
	SensorBarometer     SensorID = 4
	SensorMicrophone    SensorID = 6
	SensorLight         SensorID = 7
	SensorForce         SensorID = 8
	SensorWheel         SensorID = 9
	SensorECG3          SensorID = 10
	SensorBattery       SensorID = 11
	SensorHighGain      SensorID = 12
	SensorAnalog7       SensorID = 21
	SensorAnalog8       SensorID = 22
	SensorAnalog9       SensorID = 23
	SensorThermometer   SensorID = 26
	SensorECG9          SensorID = 241
)

// Category selects the raw-to-value conversion rule of a sensor
type Category int

// Sensor categories
const (
	CategoryUnsupported    Category = iota
	CategoryRotatedTriple           // accelerometer, gyroscope
	CategoryInvertedTriple          // magnetometer
	CategoryUnsigned16              // mic, light, high gain, analog
	CategorySigned16                // force, wheel
	CategoryUnsignedPair            // barometer
	CategoryUnsigned32              // thermometer
)

// BlockSize returns the number of raw bytes per sample (0 when unsupported)
func (c Category) BlockSize() int {
	switch c {
	case CategoryRotatedTriple, CategoryInvertedTriple:
		return 6
	case CategoryUnsigned16, CategorySigned16:
		return 2
	case CategoryUnsignedPair, CategoryUnsigned32:
		return 4
	}
	return 0
}

// String returns a short name for the category
func (c Category) String() string {
	switch c {
	case CategoryRotatedTriple:
		return "rotated int16 triple"
	case CategoryInvertedTriple:
		return "inverted int16 triple"
	case CategoryUnsigned16:
		return "uint16"
	case CategorySigned16:
		return "int16"
	case CategoryUnsignedPair:
		return "uint16 pair"
	case CategoryUnsigned32:
		return "uint32"
	}
	return "unsupported"
}

type sensorInfo struct {
	name     string
	category Category
}

var sensorTable = map[SensorID]sensorInfo{
	SensorAccelerometer: {"Accelerometer", CategoryRotatedTriple},
	SensorMagnetometer:  {"Magnetometer", CategoryInvertedTriple},
	SensorGyroscope:     {"Gyroscope", CategoryRotatedTriple},
	SensorBarometer:     {"Barometer", CategoryUnsignedPair},
	SensorMicrophone:    {"Microphone", CategoryUnsigned16},
	SensorLight:         {"Light", CategoryUnsigned16},
	SensorForce:         {"Force", CategorySigned16},
	SensorWheel:         {"Wheel", CategorySigned16},
	SensorECG3:          {"ECG3", CategoryUnsupported},
	SensorBattery:       {"Battery", CategoryUnsupported},
	SensorHighGain:      {"HighGain", CategoryUnsigned16},
	SensorAnalog7:       {"Analog7", CategoryUnsigned16},
	SensorAnalog8:       {"Analog8", CategoryUnsigned16},
	SensorAnalog9:       {"Analog9", CategoryUnsigned16},
	SensorThermometer:   {"Thermometer", CategoryUnsigned32},
	SensorECG9:          {"ECG9", CategoryUnsupported},
}

// SensorName returns the sensor name, or "" for unknown ids
func SensorName(id SensorID) string {
	return sensorTable[id].name
}

// SensorCategory returns the conversion category of a sensor
func SensorCategory(id SensorID) Category {
	return sensorTable[id].category
}

// KnownSensor reports whether id is in the sensor table
func KnownSensor(id SensorID) bool {
	_, ok := sensorTable[id]
	return ok
}

// KnownSensors returns all sensor ids in ascending order
func KnownSensors() []SensorID {
	ids := make([]SensorID, 0, len(sensorTable))
	for id := range sensorTable {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LookupSensor finds a sensor id by case-insensitive name
func LookupSensor(name string) (SensorID, bool) {
	for id, info := range sensorTable {
		if strings.EqualFold(info.name, name) {
			return id, true
		}
	}
	return 0, false
}

// SensorRate is one sensor and its sample rate (Hz) inside a preset
type SensorRate struct {
	Sensor SensorID
	Rate   int
}

// ConfigPreset describes a fixed configuration the remote can be set to
type ConfigPreset struct {
	ID      uint8
	Name    string
	Sensors []SensorRate
}

// HasSensor reports whether the preset samples sensor id
func (p ConfigPreset) HasSensor(id SensorID) bool {
	for _, s := range p.Sensors {
		if s.Sensor == id {
			return true
		}
	}
	return false
}

// Reference3V3 reports whether analog inputs use the 3.3V reference
func (p ConfigPreset) Reference3V3() bool {
	return strings.Contains(p.Name, "3V3")
}

var presetTable = map[uint8]ConfigPreset{
	1:  {1, "Gyroscope", []SensorRate{{3, 380}}},
	2:  {2, "Accelerometer", []SensorRate{{1, 400}}},
	3:  {3, "Orientation", []SensorRate{{1, 100}, {2, 80}, {3, 95}, {12, 100}}},
	4:  {4, "Mini-motion", []SensorRate{{1, 200}, {9, 100}, {8, 200}}},
	5:  {5, "Pendulum", []SensorRate{{1, 100}, {3, 95}, {8, 100}}},
	6:  {6, "Ambient", []SensorRate{{4, 100}, {11, 50}, {7, 400}, {26, 50}}},
	7:  {7, "ECG3", []SensorRate{{10, 400}}},
	8:  {8, "Header 3V", []SensorRate{{21, 100}, {22, 100}, {23, 100}, {12, 200}, {13, 100}}},
	9:  {9, "Microphone", []SensorRate{{6, 2400}}},
	10: {10, "Magnetic", []SensorRate{{2, 80}, {12, 400}}},
	12: {12, "Header 3V3", []SensorRate{{21, 100}, {22, 100}, {23, 100}, {12, 200}, {13, 100}}},
	32: {32, "Gyroscope (HS)", []SensorRate{{3, 760}}},
	33: {33, "Accelerometer (HS)", []SensorRate{{1, 800}}},
	34: {34, "Orientation (HS)", []SensorRate{{1, 400}, {2, 80}, {3, 190}}},
	35: {35, "Motion", []SensorRate{{1, 200}, {3, 190}, {9, 100}, {8, 200}}},
	36: {36, "Sports", []SensorRate{{10, 200}, {1, 200}, {2, 80}, {3, 190}}},
	37: {37, "Pendulum (HS)", []SensorRate{{1, 200}, {3, 190}, {8, 200}}},
	38: {38, "Kitchen Sink", []SensorRate{
		{2, 80}, {1, 100}, {9, 100}, {8, 100}, {3, 95}, {7, 100},
		{11, 100}, {12, 100}, {21, 100}, {13, 100}, {4, 100},
	}},
	39: {39, "Microphone (HS)", []SensorRate{{6, 4800}}},
	40: {40, "Ambient Light (HS)", []SensorRate{{7, 4800}}},
	41: {41, "Ambient Light & Accel (HS)", []SensorRate{{7, 800}, {1, 800}}},
	42: {42, "Force Gauge & Accel (HS)", []SensorRate{{8, 800}, {1, 800}}},
	43: {43, "Ambient Light & Micro (HS)", []SensorRate{{7, 2400}, {6, 2400}}},
	44: {44, "Electrocardiograph (9)", []SensorRate{{10, 800}}},
	45: {45, "High Gain (HS)", []SensorRate{{12, 4800}}},
	46: {46, "Force Gauge (HS)", []SensorRate{{8, 4800}}},
	47: {47, "ECG & Analog", []SensorRate{{241, 400}}},
}

// LookupPreset returns the fixed configuration preset with the given id
func LookupPreset(id uint8) (ConfigPreset, bool) {
	p, ok := presetTable[id]
	return p, ok
}

// Presets returns every known preset ordered by id
func Presets() []ConfigPreset {
	presets := make([]ConfigPreset, 0, len(presetTable))
	for _, p := range presetTable {
		presets = append(presets, p)
	}
	sort.Slice(presets, func(i, j int) bool { return presets[i].ID < presets[j].ID })
	return presets
}
