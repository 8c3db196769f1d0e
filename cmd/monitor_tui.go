// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
	"github.com/Thermoquad/iolabstat/pkg/pipeline"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Error log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for warnings
}

// cycleMsg carries the results of one analyze cycle to a TUI. It is built on
// the analyze goroutine and shares nothing mutable with the session.
type cycleMsg struct {
	cycle       int
	stats       iolab.Statistics
	records     []*iolab.Record
	mismatches  int
	skipped     int
	anomalies   []iolab.ValidationError
	decodeErr   error
	changes     []iolab.ConfigChange
	sensors     iolab.SensorMap
	fixedConfig uint8
	ready       bool
	latest      map[iolab.SensorID]iolab.Sample
	counts      map[iolab.SensorID]int
}

// newCycleMsg copies the latest cycle out of a session
func newCycleMsg(s *pipeline.Session) cycleMsg {
	c := s.LastCycle()
	msg := cycleMsg{
		cycle:       c.N,
		stats:       s.Stats().Snapshot(),
		records:     c.Frame.Records,
		mismatches:  c.Frame.Mismatches,
		skipped:     c.Frame.Skipped,
		anomalies:   c.Decode.Anomalies,
		decodeErr:   c.Decode.Err,
		changes:     c.Changes,
		sensors:     s.Sensors().Clone(),
		fixedConfig: s.FixedConfig(),
		ready:       s.ConfigReady(),
		latest:      make(map[iolab.SensorID]iolab.Sample),
		counts:      make(map[iolab.SensorID]int),
	}
	out := s.Outputs()
	for _, id := range out.Sensors() {
		if sample, ok := out.Latest(id); ok {
			msg.latest[id] = sample
			msg.counts[id] = out.Len(id)
		}
	}
	return msg
}

// ingestDoneMsg reports that the connection stopped delivering bytes
type ingestDoneMsg struct {
	err error
}

// cycleEvents turns a cycle into event log entries. Framing mismatches are
// only errors once the stream has synchronized.
func cycleEvents(msg cycleMsg, synchronized, showAll bool) []errorLogEntry {
	now := time.Now()
	var events []errorLogEntry
	add := func(isError bool, format string, args ...any) {
		events = append(events, errorLogEntry{timestamp: now, message: fmt.Sprintf(format, args...), isError: isError})
	}

	if synchronized && msg.mismatches > 0 {
		add(true, "FRAMING: %d mismatches, %d bytes skipped", msg.mismatches, msg.skipped)
	}

	for _, r := range msg.records {
		switch {
		case r.Type() == iolab.RecordNACK:
			add(true, "NACK received")
		case r.Type() == iolab.RecordDongleStatus || r.Type() == iolab.RecordRemoteStatus:
			add(false, "%s: %s", iolab.FormatRecordType(r.Type()), formatStatusReply(r))
		case showAll:
			add(false, "%s (len=%d)", iolab.FormatRecordType(r.Type()), r.Length())
		}
	}

	for _, a := range msg.anomalies {
		add(a.Type != iolab.AnomalyOverflow, "%s: %s", a.Type, a.Message)
	}

	if msg.decodeErr != nil {
		add(true, "DECODE ERROR: %v", msg.decodeErr)
	}

	for _, ch := range msg.changes {
		switch ch.Kind {
		case iolab.ChangeFixedConfig:
			add(false, "Fixed configuration: %s", iolab.FormatPreset(ch.FixedConfig))
		case iolab.ChangePacketConfig:
			add(false, "Packet configuration: %s", iolab.FormatSensorMap(ch.Sensors))
		}
	}

	return events
}

// TUI model
type model struct {
	connInfo      string
	statsInterval int
	showAll       bool
	stats         iolab.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int
	synchronized  bool
	invalidBytes  uint64
	width         int
	height        int
	quitting      bool
	ended         bool
	lastSummary   time.Time

	// Latest acquisition state
	fixedConfig uint8
	sensors     iolab.SensorMap
	latest      map[iolab.SensorID]iolab.Sample
	counts      map[iolab.SensorID]int
}

// Messages
type tickMsg time.Time

// formatUptime formats uptime in milliseconds to human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	unit := func(n uint64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return fmt.Sprintf("%d %ss", n, name)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, unit(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, unit(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, unit(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, unit(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialModel(connInfo string, statsInterval int, showAll bool) model {
	return model{
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         *iolab.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
		lastSummary:   time.Now(),
		latest:        make(map[iolab.SensorID]iolab.Sample),
		counts:        make(map[iolab.SensorID]int),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		// Update statistics rates
		m.stats.CalculateRates()
		if m.statsInterval > 0 && time.Since(m.lastSummary) >= time.Duration(m.statsInterval)*time.Second {
			m.lastSummary = time.Now()
			m.addLogEntry(fmt.Sprintf("%d records, %d samples, %d errors", m.stats.TotalRecords, m.stats.TotalSamples, m.stats.Errors()), false)
		}
		return m, tickCmd()

	case cycleMsg:
		m.applyCycle(msg)

	case ingestDoneMsg:
		m.ended = true
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connection error: %v", msg.err), true)
		} else {
			m.addLogEntry("End of stream", false)
		}
	}

	return m, nil
}

// applyCycle folds one cycle into the model
func (m *model) applyCycle(msg cycleMsg) {
	wasSynchronized := m.synchronized
	if !m.synchronized && len(msg.records) > 0 {
		m.synchronized = true
		m.invalidBytes = msg.stats.SkippedBytes
		if m.invalidBytes > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d invalid bytes", m.invalidBytes), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}
	}

	for _, e := range cycleEvents(msg, wasSynchronized, m.showAll) {
		m.appendEntry(e)
	}

	m.stats = msg.stats
	m.fixedConfig = msg.fixedConfig
	m.sensors = msg.sensors
	m.latest = msg.latest
	m.counts = msg.counts
}

func (m *model) addLogEntry(message string, isError bool) {
	m.appendEntry(errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
}

func (m *model) appendEntry(entry errorLogEntry) {
	m.errorLog = append(m.errorLog, entry)

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("IOLABSTAT - MONITOR"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All records"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | Press 'q' to quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	// Sync status
	switch {
	case !m.synchronized:
		s.WriteString(warningStyle.Render("⏳ Waiting for synchronization..."))
	default:
		s.WriteString(statsValueStyle.Render("✓ Synchronized"))
		if m.invalidBytes > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (skipped %d invalid bytes)", m.invalidBytes)))
		}
	}
	if m.ended {
		s.WriteString(headerStyle.Render(" | stream ended"))
	}
	s.WriteString("\n\n")

	statsContent := renderStatistics(m.stats, statsLabelStyle, statsValueStyle, errorStyle, warningStyle, headerStyle)
	s.WriteString(boxStyle.Render(statsContent))
	s.WriteString("\n\n")

	// Acquisition section (only shown once a configuration is known)
	if m.fixedConfig != 0 || len(m.sensors) > 0 {
		s.WriteString(statsLabelStyle.Render("Acquisition:"))
		s.WriteString("\n")
		s.WriteString(boxStyle.Render(renderAcquisition(m.fixedConfig, m.sensors, m.latest, m.counts, statsLabelStyle, statsValueStyle, headerStyle)))
		s.WriteString("\n\n")
	}

	// Error log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	// Calculate how many log entries we can show
	logHeight := m.height - 18 - len(m.sensors) // Reserve space for header and stats
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.errorLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}

// renderStatistics renders the counters box shared by the monitor and control views
func renderStatistics(st iolab.Statistics, labelStyle, valueStyle, errorStyle, warningStyle, headerStyle lipgloss.Style) string {
	st.CalculateRates()
	var errorPercent float64
	if st.TotalRecords > 0 {
		errorPercent = float64(st.Errors()) * 100.0 / float64(st.TotalRecords)
	}

	content := strings.Builder{}
	content.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
		labelStyle.Render("Records:"), valueStyle.Render(fmt.Sprintf("%d", st.TotalRecords)),
		labelStyle.Render("Data:"), valueStyle.Render(fmt.Sprintf("%d", st.DataRecords)),
		labelStyle.Render("Samples:"), valueStyle.Render(fmt.Sprintf("%d", st.TotalSamples)),
		labelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", st.Errors(), errorPercent)),
	))

	if st.FramingMismatches > 0 || st.SkippedBytes > 0 {
		content.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			labelStyle.Render("Framing Mismatches:"), errorStyle.Render(fmt.Sprintf("%d", st.FramingMismatches)),
			labelStyle.Render("Skipped Bytes:"), warningStyle.Render(fmt.Sprintf("%d", st.SkippedBytes)),
		))
	}

	if st.SequenceGaps > 0 || st.CountMismatches > 0 || st.ShortRecords > 0 {
		content.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d)\n",
			labelStyle.Render("Sequence Gaps:"), errorStyle.Render(fmt.Sprintf("%d", st.SequenceGaps)),
			headerStyle.Render("count mismatches"), st.CountMismatches,
			headerStyle.Render("short records"), st.ShortRecords,
		))
	}

	if st.DecodeAborts > 0 || st.MalformedBlocks > 0 || st.Overflows > 0 {
		content.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			labelStyle.Render("Decode Aborts:"), errorStyle.Render(fmt.Sprintf("%d", st.DecodeAborts)),
			labelStyle.Render("Malformed Blocks:"), errorStyle.Render(fmt.Sprintf("%d", st.MalformedBlocks)),
			labelStyle.Render("Overflows:"), warningStyle.Render(fmt.Sprintf("%d", st.Overflows)),
		))
	}

	content.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s",
		labelStyle.Render("Record Rate:"), valueStyle.Render(fmt.Sprintf("%.1f rec/s", st.RecordRate)),
		labelStyle.Render("Sample Rate:"), valueStyle.Render(fmt.Sprintf("%.1f smp/s", st.SampleRate)),
		labelStyle.Render("Error Rate:"), func() string {
			if st.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
			}
			return valueStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
		}(),
		labelStyle.Render("Uptime:"), valueStyle.Render(formatUptime(uint64(time.Since(st.StartTime).Milliseconds()))),
	))

	return content.String()
}

// renderAcquisition renders the active configuration and the latest sample
// of each sensor
func renderAcquisition(fixedConfig uint8, sensors iolab.SensorMap, latest map[iolab.SensorID]iolab.Sample, counts map[iolab.SensorID]int, labelStyle, valueStyle, headerStyle lipgloss.Style) string {
	content := strings.Builder{}
	content.WriteString(fmt.Sprintf("%s %s\n",
		labelStyle.Render("Fixed Config:"), valueStyle.Render(iolab.FormatPreset(fixedConfig))))

	if len(sensors) == 0 {
		content.WriteString(headerStyle.Render("No packet configuration yet"))
		return content.String()
	}

	for _, id := range sensors.IDs() {
		name := iolab.SensorName(id)
		if name == "" {
			name = fmt.Sprintf("Sensor %d", id)
		}
		sample, ok := latest[id]
		value := headerStyle.Render("(no samples)")
		if ok {
			value = valueStyle.Render(sample.String())
		}
		content.WriteString(fmt.Sprintf("%s %s %s\n",
			labelStyle.Render(fmt.Sprintf("%-14s", name+":")),
			value,
			headerStyle.Render(fmt.Sprintf("[%d samples, %d bytes/record]", counts[id], sensors[id])),
		))
	}

	return strings.TrimSuffix(content.String(), "\n")
}
