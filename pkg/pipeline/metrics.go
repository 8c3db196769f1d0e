// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pipeline

import (
	"fmt"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "iolabstat"

// Metrics holds the Prometheus metrics of a pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Ingest
	bytesTotal  prometheus.Counter
	bufferBytes prometheus.Gauge

	// Analysis
	cyclesTotal   prometheus.Counter
	cycleDuration prometheus.Histogram
	recordsTotal  *prometheus.CounterVec // By record type
	mismatches    prometheus.Counter
	nacksTotal    prometheus.Counter
	configChanges *prometheus.CounterVec // By kind (fixed_config, packet_config)

	// Decoding
	samplesTotal *prometheus.CounterVec // By sensor name
	decodeAborts prometheus.Counter
	malformed    prometheus.Counter
	anomalies    *prometheus.CounterVec // By anomaly type

	// Lifecycle
	state prometheus.Gauge
}

// NewMetrics creates the pipeline metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil // Metrics disabled
	}

	m := &Metrics{
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ingest",
			Name:      "bytes_total",
			Help:      "Total number of bytes read from the transport",
		}),
		bufferBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ingest",
			Name:      "buffer_bytes",
			Help:      "Current size of the raw byte buffer",
		}),

		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "analyze",
			Name:      "cycles_total",
			Help:      "Total number of analysis cycles that processed new bytes",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "analyze",
			Name:      "cycle_duration_seconds",
			Help:      "Analysis cycle duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "analyze",
			Name:      "records_total",
			Help:      "Total number of framed records",
		}, []string{"type"}),
		mismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "analyze",
			Name:      "framing_mismatches_total",
			Help:      "Total number of candidate records with a wrong end byte",
		}),
		nacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "analyze",
			Name:      "nacks_total",
			Help:      "Total number of commands rejected by the dongle",
		}),
		configChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "analyze",
			Name:      "config_changes_total",
			Help:      "Total number of configuration changes",
		}, []string{"kind"}),

		samplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "decode",
			Name:      "samples_total",
			Help:      "Total number of decoded samples",
		}, []string{"sensor"}),
		decodeAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "decode",
			Name:      "aborts_total",
			Help:      "Total number of decode passes stopped early",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "decode",
			Name:      "malformed_blocks_total",
			Help:      "Total number of sensor blocks dropped for a bad length",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "decode",
			Name:      "anomalies_total",
			Help:      "Total number of data record anomalies",
		}, []string{"type"}),

		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pipeline_state",
			Help:      "Pipeline state (0 idle, 1 running, 2 stopping, 3 stopped)",
		}),
	}

	collectors := []prometheus.Collector{
		m.bytesTotal, m.bufferBytes,
		m.cyclesTotal, m.cycleDuration, m.recordsTotal, m.mismatches, m.nacksTotal, m.configChanges,
		m.samplesTotal, m.decodeAborts, m.malformed, m.anomalies,
		m.state,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) recordIngest(n, buffered int) {
	if m == nil {
		return
	}
	m.bytesTotal.Add(float64(n))
	m.bufferBytes.Set(float64(buffered))
}

func (m *Metrics) recordCycle(c Cycle, duration time.Duration) {
	if m == nil {
		return
	}

	m.cyclesTotal.Inc()
	m.cycleDuration.Observe(duration.Seconds())

	for _, r := range c.Frame.Records {
		m.recordsTotal.WithLabelValues(iolab.FormatRecordType(r.Type())).Inc()
		if r.Type() == iolab.RecordNACK {
			m.nacksTotal.Inc()
		}
	}
	m.mismatches.Add(float64(c.Frame.Mismatches))

	for _, ch := range c.Changes {
		m.configChanges.WithLabelValues(ch.Kind.String()).Inc()
	}

	for id, n := range c.Decode.SamplesBySensor {
		m.samplesTotal.WithLabelValues(sensorLabel(id)).Add(float64(n))
	}
	if c.Decode.Aborted {
		m.decodeAborts.Inc()
	}
	m.malformed.Add(float64(c.Decode.Malformed))
	for _, a := range c.Decode.Anomalies {
		m.anomalies.WithLabelValues(a.Type.String()).Inc()
	}
}

func (m *Metrics) recordState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func sensorLabel(id iolab.SensorID) string {
	if name := iolab.SensorName(id); name != "" {
		return name
	}
	return fmt.Sprintf("sensor_%d", id)
}
