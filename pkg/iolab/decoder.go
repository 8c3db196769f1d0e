// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

import (
	"errors"
	"log/slog"
)

// DecodeResult summarizes one decode pass
type DecodeResult struct {
	Records         int               // data records visited
	Samples         int               // samples appended over all sensors
	SamplesBySensor map[SensorID]int  // samples appended per sensor
	Aborted         bool              // the pass stopped early
	Malformed       int               // sensor blocks dropped for a bad length
	Anomalies       []ValidationError // validation results for visited records
	Err             error             // cause of the abort, if any
}

// PayloadDecoder turns newly stored data records into per-sensor samples.
// Every data record is visited at most once.
type PayloadDecoder struct {
	next    int
	outputs *Outputs
	lastSeq int
	logger  *slog.Logger
}

// NewPayloadDecoder creates a decoder that appends to outputs
func NewPayloadDecoder(outputs *Outputs, logger *slog.Logger) *PayloadDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	if outputs == nil {
		outputs = NewOutputs()
	}
	return &PayloadDecoder{
		outputs: outputs,
		lastSeq: -1,
		logger:  logger,
	}
}

// Next returns the index of the first data record not yet decoded
func (d *PayloadDecoder) Next() int {
	return d.next
}

// Outputs returns the sample sequences the decoder appends to
func (d *PayloadDecoder) Outputs() *Outputs {
	return d.outputs
}

// Decode visits every data record stored since the previous pass.
//
// Nothing is decoded while sensors is empty. An unknown sensor id or a block
// running past its record ends the pass; the records that could not be
// decoded are not retried.
func (d *PayloadDecoder) Decode(store *Store, sensors SensorMap) DecodeResult {
	result := DecodeResult{SamplesBySensor: make(map[SensorID]int)}

	if len(sensors) == 0 {
		if store.DataLen() > d.next {
			d.logger.Debug("no packet configuration, data records left undecoded",
				"pending", store.DataLen()-d.next)
		}
		return result
	}

	total := store.DataLen()
	defer func() { d.next = total }()

	for n := d.next; n < total; n++ {
		r, _ := store.Data(n)
		result.Records++

		anomalies := ValidateDataRecord(r, sensors, d.lastSeq)
		for _, a := range anomalies {
			d.logger.Debug("data record anomaly", "type", a.Type.String(), "message", a.Message)
		}
		result.Anomalies = append(result.Anomalies, anomalies...)

		if r.Length() < dataHeaderSize {
			d.logger.Debug("skipping short data record", "length", r.Length())
			continue
		}
		d.lastSeq = int(r.Payload()[2])

		rec, err := DecodeDataRecord(r.Payload(), sensors)
		d.extract(rec, sensors, &result)

		if err != nil {
			if errors.Is(err, ErrShortRecord) {
				continue
			}
			d.logger.Warn("aborting decode pass",
				"record", n,
				"sequence", rec.Header.Sequence,
				"skipped", total-n-1,
				"error", err)
			result.Aborted = true
			result.Err = err
			return result
		}
	}

	return result
}

func (d *PayloadDecoder) extract(rec DataRecord, sensors SensorMap, result *DecodeResult) {
	for _, b := range rec.Blocks {
		if b.Overflow {
			d.logger.Debug("sensor overflow", "sensor", sensorLabel(b.Sensor), "sequence", rec.Header.Sequence)
		}

		if b.Valid > sensors[b.Sensor] {
			result.Malformed++
			d.logger.Warn("sensor block longer than configured",
				"sensor", sensorLabel(b.Sensor),
				"length", b.Valid,
				"configured", sensors[b.Sensor])
			continue
		}

		samples, err := ConvertSamples(b.Sensor, b.Data)
		if errors.Is(err, ErrUnsupportedSensor) {
			d.logger.Debug("no conversion for sensor", "sensor", sensorLabel(b.Sensor))
			continue
		}
		if err != nil {
			result.Malformed++
			d.logger.Warn("dropping sensor block", "error", err)
			continue
		}

		d.outputs.Append(b.Sensor, samples...)
		result.Samples += len(samples)
		result.SamplesBySensor[b.Sensor] += len(samples)
	}
}
