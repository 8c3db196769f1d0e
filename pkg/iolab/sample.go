// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

import (
	"fmt"
	"strings"
)

// Sample is one uncalibrated measurement: a scalar, a pair or a triple
type Sample struct {
	values [3]int64
	n      uint8
}

// Scalar creates a one-value sample
func Scalar(v int64) Sample {
	return Sample{values: [3]int64{v}, n: 1}
}

// Pair creates a two-value sample
func Pair(a, b int64) Sample {
	return Sample{values: [3]int64{a, b}, n: 2}
}

// Triple creates a three-axis sample
func Triple(x, y, z int64) Sample {
	return Sample{values: [3]int64{x, y, z}, n: 3}
}

// Len returns the number of values in the sample
func (s Sample) Len() int {
	return int(s.n)
}

// At returns value i (0 beyond Len)
func (s Sample) At(i int) int64 {
	if i < 0 || i >= int(s.n) {
		return 0
	}
	return s.values[i]
}

// Values returns the sample values as a slice
func (s Sample) Values() []int64 {
	out := make([]int64, s.n)
	copy(out, s.values[:s.n])
	return out
}

// String formats the sample as a bracketed list, or a bare scalar
func (s Sample) String() string {
	if s.n == 1 {
		return fmt.Sprintf("%d", s.values[0])
	}
	parts := make([]string, s.n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%d", s.values[i])
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Outputs holds the decoded samples of every sensor, in arrival order.
// Sequences only grow.
type Outputs struct {
	series map[SensorID][]Sample
}

// NewOutputs creates empty sequences for every known sensor
func NewOutputs() *Outputs {
	o := &Outputs{series: make(map[SensorID][]Sample)}
	for _, id := range KnownSensors() {
		o.series[id] = nil
	}
	return o
}

// Append adds samples to a sensor's sequence
func (o *Outputs) Append(id SensorID, samples ...Sample) {
	o.series[id] = append(o.series[id], samples...)
}

// Samples returns the full sequence of a sensor. Callers must not modify it.
func (o *Outputs) Samples(id SensorID) []Sample {
	return o.series[id]
}

// Since returns the samples of a sensor starting at index from
func (o *Outputs) Since(id SensorID, from int) []Sample {
	s := o.series[id]
	if from < 0 {
		from = 0
	}
	if from >= len(s) {
		return nil
	}
	return s[from:]
}

// Latest returns the newest sample of a sensor
func (o *Outputs) Latest(id SensorID) (Sample, bool) {
	s := o.series[id]
	if len(s) == 0 {
		return Sample{}, false
	}
	return s[len(s)-1], true
}

// Len returns the number of samples of a sensor
func (o *Outputs) Len(id SensorID) int {
	return len(o.series[id])
}

// Sensors returns the ids that have a sequence, ascending
func (o *Outputs) Sensors() []SensorID {
	m := make(SensorMap, len(o.series))
	for id := range o.series {
		m[id] = 0
	}
	return m.IDs()
}
