// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
)

func remoteStatusRecord() *iolab.Record {
	return iolab.NewRecord(iolab.RecordRemoteStatus, []byte{2, 0, 1, 0, 2, 0x0B, 0xB8})
}

func messages(entries []errorLogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.message
	}
	return out
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		ms   uint64
		want string
	}{
		{0, "0 seconds"},
		{500, "0 seconds"},
		{1000, "1 second"},
		{45000, "45 seconds"},
		{60000, "1 minute"},
		{61000, "1 minute and 1 second"},
		{7200000, "2 hours"},
		{3661000, "1 hour, 1 minute, and 1 second"},
		{90061000, "1 day, 1 hour, 1 minute, and 1 second"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatUptime(tt.ms), "%d ms", tt.ms)
	}
}

func TestCycleEvents(t *testing.T) {
	msg := cycleMsg{
		mismatches: 2,
		skipped:    7,
		records: []*iolab.Record{
			iolab.NewRecord(iolab.RecordNACK, nil),
			remoteStatusRecord(),
			iolab.NewRecord(iolab.RecordDataFromRemote, []byte{1, 0, 1, 0, 0x40}),
		},
		anomalies: []iolab.ValidationError{
			{Type: iolab.AnomalySequenceGap, Message: "missed 3 records"},
			{Type: iolab.AnomalyOverflow, Message: "sensor 1 overflowed"},
		},
		decodeErr: iolab.ErrUnknownSensor,
		changes: []iolab.ConfigChange{
			{Kind: iolab.ChangeFixedConfig, FixedConfig: 38},
			{Kind: iolab.ChangePacketConfig, Sensors: iolab.SensorMap{}},
		},
	}

	events := cycleEvents(msg, true, false)
	got := messages(events)
	require.Len(t, got, 8)
	assert.Equal(t, "FRAMING: 2 mismatches, 7 bytes skipped", got[0])
	assert.Equal(t, "NACK received", got[1])
	assert.True(t, strings.HasSuffix(got[2], ": remote=2 sensor_fw=0x0001 rf_fw=0x0002 battery=3000"))
	assert.Equal(t, "sequence_gap: missed 3 records", got[3])
	assert.Equal(t, "overflow: sensor 1 overflowed", got[4])
	assert.Equal(t, "DECODE ERROR: "+iolab.ErrUnknownSensor.Error(), got[5])
	assert.Equal(t, "Fixed configuration: Kitchen Sink (38)", got[6])
	assert.Equal(t, "Packet configuration: (none)", got[7])

	assert.True(t, events[0].isError)
	assert.True(t, events[1].isError)
	assert.False(t, events[2].isError)
	assert.True(t, events[3].isError)
	assert.False(t, events[4].isError, "overflow is informational")
	assert.True(t, events[5].isError)
}

func TestCycleEvents_BeforeSyncAndShowAll(t *testing.T) {
	msg := cycleMsg{
		mismatches: 1,
		records:    []*iolab.Record{iolab.NewRecord(iolab.RecordDataFromRemote, []byte{1, 0, 1, 0, 0x40})},
	}

	assert.Empty(t, cycleEvents(msg, false, false))

	got := messages(cycleEvents(msg, false, true))
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "(len=5)")
}

func TestModel_ApplyCycle(t *testing.T) {
	m := initialModel("Replay: run.iolab", 10, false)

	stats := *iolab.NewStatistics()
	stats.SkippedBytes = 4
	stats.TotalRecords = 1

	// Mismatches before the first record are start-up noise
	m.applyCycle(cycleMsg{mismatches: 1, stats: stats})
	assert.False(t, m.synchronized)
	assert.Empty(t, m.errorLog)

	m.applyCycle(cycleMsg{
		mismatches:  1,
		stats:       stats,
		records:     []*iolab.Record{iolab.NewRecord(iolab.RecordFixedConfig, []byte{1, 45})},
		fixedConfig: 45,
		sensors:     iolab.SensorMap{iolab.SensorHighGain: 2},
	})
	assert.True(t, m.synchronized)
	assert.Equal(t, uint64(4), m.invalidBytes)
	assert.Equal(t, []string{"Synchronized after skipping 4 invalid bytes"}, messages(m.errorLog))
	assert.Equal(t, uint8(45), m.fixedConfig)
	assert.Equal(t, uint64(1), m.stats.TotalRecords)

	m.applyCycle(cycleMsg{mismatches: 3, skipped: 9, stats: stats})
	require.Len(t, m.errorLog, 2)
	assert.True(t, m.errorLog[1].isError)
}

func TestModel_LogIsCapped(t *testing.T) {
	m := initialModel("", 10, false)
	for i := 0; i < 150; i++ {
		m.addLogEntry("entry", false)
	}
	assert.Len(t, m.errorLog, m.maxLogEntries)
}

func TestModel_UpdateIngestDone(t *testing.T) {
	m := initialModel("", 10, false)

	next, _ := m.Update(ingestDoneMsg{err: errors.New("read failed")})
	updated := next.(model)
	assert.True(t, updated.ended)

	next, cmd := updated.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.True(t, next.(model).quitting)
	assert.NotNil(t, cmd)
}

func TestModel_View(t *testing.T) {
	m := initialModel("Serial: /dev/ttyACM0 @ 115200 baud", 10, false)
	m.width, m.height = 120, 40
	m.addLogEntry("Synchronized", false)

	view := m.View()
	assert.Contains(t, view, "IOLABSTAT - MONITOR")
	assert.Contains(t, view, "Synchronized")
}

func TestControlModel_ProcessCycle(t *testing.T) {
	m := initialControlModel(nil, "Replay: run.iolab")

	m.processCycle(cycleMsg{
		records: []*iolab.Record{
			remoteStatusRecord(),
			iolab.NewRecord(iolab.RecordNACK, nil),
		},
		ready:   true,
		sensors: iolab.SensorMap{iolab.SensorAccelerometer: 6},
	})

	assert.True(t, m.synchronized)
	assert.True(t, m.ready)
	require.True(t, m.hasRemoteStatus)
	assert.Equal(t, uint16(3000), m.remoteStatus.Battery)

	got := messages(m.errorLog)
	assert.Equal(t, []string{"Synchronized", "NACK received"}, got)
}

func TestControlModel_CycleFocus(t *testing.T) {
	m := initialControlModel(nil, "")
	require.Equal(t, focusPresetList, m.focusedField)

	m = m.cycleFocus(1)
	assert.Equal(t, focusConfigInput, m.focusedField)
	assert.True(t, m.configInput.Focused())

	m = m.cycleFocus(1)
	assert.Equal(t, focusButton, m.focusedField)
	assert.False(t, m.configInput.Focused())

	m = m.cycleFocus(1)
	assert.Equal(t, focusPresetList, m.focusedField)

	m = m.cycleFocus(-1)
	assert.Equal(t, focusButton, m.focusedField)
}

func TestControlModel_CommandResults(t *testing.T) {
	m := initialControlModel(nil, "")
	m.pending = 1

	next, _ := m.Update(commandResultMsg{action: actionStart, label: "START_DATA"})
	m = next.(controlModel)
	assert.True(t, m.acquiring)
	assert.Zero(t, m.pending)
	assert.Equal(t, "Sent START_DATA", m.errorLog[len(m.errorLog)-1].message)

	m.pending = 1
	next, _ = m.Update(commandResultMsg{action: actionStop, label: "STOP_DATA", err: errNoPipeline})
	m = next.(controlModel)
	assert.True(t, m.acquiring, "a failed stop leaves acquisition running")
	assert.True(t, m.errorLog[len(m.errorLog)-1].isError)
}

func TestControlModel_ConnectionLostAndReconnect(t *testing.T) {
	m := initialControlModel(nil, "Serial: /dev/ttyACM0 @ 115200 baud")
	m.acquiring = true
	m.synchronized = true
	m.fixedConfig = 38

	next, _ := m.Update(connectionLostMsg{err: errors.New("device unplugged")})
	m = next.(controlModel)
	assert.True(t, m.connectionLost)

	// Commands are refused while disconnected
	next, cmd := m.handleEnter()
	assert.Nil(t, cmd)
	m = next.(controlModel)
	assert.Equal(t, "Cannot send command: connection lost", m.errorLog[len(m.errorLog)-1].message)

	next, _ = m.Update(reconnectedMsg{connInfo: "Serial: /dev/ttyACM1 @ 115200 baud"})
	m = next.(controlModel)
	assert.False(t, m.connectionLost)
	assert.False(t, m.acquiring)
	assert.False(t, m.synchronized)
	assert.Zero(t, m.fixedConfig)
	assert.Equal(t, "Serial: /dev/ttyACM1 @ 115200 baud", m.connInfo)
}

func TestParseConfigInput(t *testing.T) {
	n, err := parseConfigInput("", "38")
	require.NoError(t, err)
	assert.Equal(t, uint8(38), n)

	n, err = parseConfigInput("2", "38")
	require.NoError(t, err)
	assert.Equal(t, uint8(2), n)

	_, err = parseConfigInput("x1", "38")
	assert.EqualError(t, err, "invalid configuration number: x1")

	_, err = parseConfigInput("11", "38")
	assert.EqualError(t, err, "unknown fixed configuration: 11")
}
