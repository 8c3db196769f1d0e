// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/iolab"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	statusIntervalSeconds = 5 // Query remote status every N seconds
	commandTimeout        = 5 * time.Second
)

// Focus states
const (
	focusPresetList = iota
	focusConfigInput
	focusButton
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// presetItem is a fixed configuration in the preset list
type presetItem struct {
	preset iolab.ConfigPreset
}

// Implement list.Item interface
func (p presetItem) Title() string { return fmt.Sprintf("%2d %s", p.preset.ID, p.preset.Name) }
func (p presetItem) Description() string {
	return formatPresetSensors(p.preset)
}
func (p presetItem) FilterValue() string { return p.preset.Name }

// formatPresetSensors lists the sensors of a preset with their rates
func formatPresetSensors(p iolab.ConfigPreset) string {
	parts := make([]string, 0, len(p.Sensors))
	for _, s := range p.Sensors {
		name := iolab.SensorName(s.Sensor)
		if name == "" {
			name = fmt.Sprintf("Sensor %d", s.Sensor)
		}
		parts = append(parts, fmt.Sprintf("%s %dHz", name, s.Rate))
	}
	return strings.Join(parts, ", ")
}

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	// Connection manager (for sending commands and reconnection)
	connMgr  *connectionManager
	connInfo string

	// Presets
	presetList list.Model

	// Monitoring (reused from monitor_tui.go patterns)
	stats         iolab.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int
	fixedConfig   uint8
	sensors       iolab.SensorMap
	ready         bool
	latest        map[iolab.SensorID]iolab.Sample
	counts        map[iolab.SensorID]int

	// Control
	configInput  textinput.Model
	focusedField int
	acquiring    bool
	pending      int // command sequences in flight

	// UI state
	width          int
	height         int
	synchronized   bool
	quitting       bool
	connectionLost bool
	ended          bool

	// Remote status
	lastStatusQuery time.Time
	remoteStatus    iolab.RemoteStatus
	hasRemoteStatus bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type connectionLostMsg struct {
	err error
}

type reconnectedMsg struct {
	connInfo string
}

// commandResultMsg reports the outcome of a command sequence
type commandResultMsg struct {
	action acquireAction
	label  string
	err    error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(connMgr *connectionManager, connInfo string) controlModel {
	// Initialize text input for the configuration number
	ti := textinput.New()
	ti.Placeholder = "38"
	ti.CharLimit = 3
	ti.Width = 6

	// Initialize preset list
	presets := iolab.Presets()
	items := make([]list.Item, len(presets))
	for i, p := range presets {
		items[i] = presetItem{preset: p}
	}
	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	presetList := list.New(items, delegate, 36, 10)
	presetList.Title = "Fixed Configurations"
	presetList.SetShowStatusBar(false)
	presetList.SetShowHelp(false)
	presetList.SetFilteringEnabled(false)

	return controlModel{
		connMgr:       connMgr,
		connInfo:      connInfo,
		presetList:    presetList,
		stats:         *iolab.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		latest:        make(map[iolab.SensorID]iolab.Sample),
		counts:        make(map[iolab.SensorID]int),
		configInput:   ti,
		focusedField:  focusPresetList,
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return controlTickCmd()
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		return m.handleMouseMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case controlTickMsg:
		m.stats.CalculateRates()
		// Poll the remote for battery and firmware status
		if !m.connectionLost && !m.ended && time.Since(m.lastStatusQuery) >= statusIntervalSeconds*time.Second {
			m.lastStatusQuery = time.Now()
			cmds = append(cmds, m.sendQuiet(iolab.NewGetRemoteStatus(cfg.Acquisition.Remote)))
		}
		cmds = append(cmds, controlTickCmd())
		return m, tea.Batch(cmds...)

	case cycleMsg:
		m.processCycle(msg)

	case commandResultMsg:
		m.pending--
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Failed to send %s: %v", msg.label, msg.err), true)
			break
		}
		switch msg.action {
		case actionStart:
			m.acquiring = true
		case actionStop:
			m.acquiring = false
		}
		m.addLogEntry(fmt.Sprintf("Sent %s", msg.label), false)

	case ingestDoneMsg:
		m.ended = true
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connection error: %v", msg.err), true)
		} else {
			m.addLogEntry("End of stream", false)
		}

	case connectionLostMsg:
		m.connectionLost = true
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connection lost (%v) - reconnecting...", msg.err), true)
		} else {
			m.addLogEntry("Connection lost - reconnecting...", true)
		}

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		// A new session starts without configuration or samples
		m.resetSession()
		m.addLogEntry("Reconnected - querying configuration", false)
	}

	// Update child components
	var cmd tea.Cmd
	if m.focusedField == focusConfigInput {
		m.configInput, cmd = m.configInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	if m.focusedField == focusPresetList {
		m.presetList, cmd = m.presetList.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab":
		return m.cycleFocus(1), nil

	case "shift+tab":
		return m.cycleFocus(-1), nil

	case "enter":
		return m.handleEnter()

	case "up", "k", "down", "j":
		if m.focusedField == focusPresetList {
			m.presetList, _ = m.presetList.Update(msg)
			return m, nil
		}
	}

	// Pass through to focused component
	if m.focusedField == focusConfigInput {
		var cmd tea.Cmd
		m.configInput, cmd = m.configInput.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m controlModel) handleMouseMsg(msg tea.MouseMsg) (tea.Model, tea.Cmd) {
	if msg.Action != tea.MouseActionRelease || msg.Button != tea.MouseButtonLeft {
		return m, nil
	}

	// Mouse events only scroll the preset list
	m.presetList, _ = m.presetList.Update(msg)

	return m, nil
}

func (m controlModel) cycleFocus(delta int) controlModel {
	maxFocus := focusButton

	// Cycle through focus states
	m.focusedField = (m.focusedField + delta + maxFocus + 1) % (maxFocus + 1)

	// Update focus state
	if m.focusedField == focusConfigInput {
		m.configInput.Focus()
	} else {
		m.configInput.Blur()
	}

	return m
}

func (m controlModel) handleEnter() (tea.Model, tea.Cmd) {
	// Don't allow control commands while connection is lost
	if m.connectionLost {
		m.addLogEntry("Cannot send command: connection lost", true)
		return m, nil
	}

	switch m.focusedField {
	case focusPresetList:
		item, ok := m.presetList.SelectedItem().(presetItem)
		if !ok {
			return m, nil
		}
		cmd := m.configure(item.preset.ID)
		return m, cmd

	case focusConfigInput:
		config, err := parseConfigInput(m.configInput.Value(), m.configInput.Placeholder)
		if err != nil {
			m.addLogEntry(err.Error(), true)
			return m, nil
		}
		cmd := m.configure(config)
		return m, cmd

	case focusButton:
		var cmd tea.Cmd
		if m.acquiring {
			cmd = m.sendCommands(actionStop, "STOP_DATA", iolab.NewStopData())
		} else {
			cmd = m.sendCommands(actionStart, "START_DATA", iolab.NewStartData())
		}
		return m, cmd
	}

	return m, nil
}

// parseConfigInput validates a typed configuration number
func parseConfigInput(value, placeholder string) (uint8, error) {
	if value == "" {
		value = placeholder
	}
	n, err := strconv.ParseUint(value, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid configuration number: %s", value)
	}
	if _, ok := iolab.LookupPreset(uint8(n)); !ok {
		return 0, fmt.Errorf("unknown fixed configuration: %d", n)
	}
	return uint8(n), nil
}

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

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

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	buttonStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("0")).
		Background(lipgloss.Color("12")).
		Padding(0, 2)

	focusedButtonStyle := buttonStyle.
		Background(lipgloss.Color("10"))

	// Header
	s.WriteString(titleStyle.Render("IOLABSTAT CONTROL"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	} else if m.ended {
		connStatus = warningStyle.Render("STREAM ENDED")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | q=quit Tab=switch Enter=apply", connStatus)))
	s.WriteString("\n")

	// Remote status (below header)
	s.WriteString(fmt.Sprintf(" %s %s", statsLabelStyle.Render("Remote:"), statsValueStyle.Render(fmt.Sprintf("%d", cfg.Acquisition.Remote))))
	if m.hasRemoteStatus {
		s.WriteString(fmt.Sprintf("  %s %s  %s %s",
			statsLabelStyle.Render("Battery:"), statsValueStyle.Render(fmt.Sprintf("%d", m.remoteStatus.Battery)),
			statsLabelStyle.Render("Firmware:"), statsValueStyle.Render(fmt.Sprintf("0x%04X/0x%04X", m.remoteStatus.SensorFirmware, m.remoteStatus.RFFirmware))))
	}
	s.WriteString("\n\n")

	// Layout: left panel (presets) | right panel (control)
	leftWidth := 38
	rightWidth := m.width - leftWidth - 6
	if rightWidth < 30 {
		rightWidth = 30
	}

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusPresetList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	presetPanel := listStyle.Render(m.presetList.View())

	controlContent := m.renderControlPanel(statsLabelStyle, statsValueStyle, headerStyle, warningStyle, buttonStyle, focusedButtonStyle)
	controlPanel := boxStyle.Width(rightWidth).Render(controlContent)

	// Join panels horizontally
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, presetPanel, " ", controlPanel))
	s.WriteString("\n\n")

	// Statistics bar
	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle))
	s.WriteString("\n\n")

	// Latest samples
	if len(m.sensors) > 0 {
		s.WriteString(boxStyle.Width(m.width - 4).Render(renderAcquisition(m.fixedConfig, m.sensors, m.latest, m.counts, statsLabelStyle, statsValueStyle, headerStyle)))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m controlModel) renderControlPanel(statsLabelStyle, statsValueStyle, headerStyle, warningStyle, buttonStyle, focusedButtonStyle lipgloss.Style) string {
	var s strings.Builder

	// Selected preset info
	if item, ok := m.presetList.SelectedItem().(presetItem); ok {
		s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Selected:"), item.Title()))
		s.WriteString(headerStyle.Render(formatPresetSensors(item.preset)))
		s.WriteString("\n\n")
	}

	// Active configuration as reported by the remote
	active := "unknown"
	if m.fixedConfig != 0 {
		active = iolab.FormatPreset(m.fixedConfig)
	}
	s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Active:"), statsValueStyle.Render(active)))
	if !m.ready {
		s.WriteString(warningStyle.Render("Waiting for packet configuration"))
		s.WriteString("\n")
	}
	s.WriteString("\n")

	// Configuration number input
	s.WriteString(statsLabelStyle.Render("Config #: "))
	if m.focusedField == focusConfigInput {
		s.WriteString(m.configInput.View())
	} else {
		// Show as plain text when not focused
		val := m.configInput.Value()
		if val == "" {
			val = m.configInput.Placeholder
		}
		s.WriteString(fmt.Sprintf("[%s]", val))
	}
	s.WriteString("\n\n")

	// Start/stop button
	btnText := "[ Start Acquisition ]"
	if m.acquiring {
		btnText = "[ Stop Acquisition ]"
	}
	if m.focusedField == focusButton {
		s.WriteString(focusedButtonStyle.Render(btnText))
	} else {
		s.WriteString(buttonStyle.Render(btnText))
	}
	if m.pending > 0 {
		s.WriteString(headerStyle.Render("  sending..."))
	}

	return s.String()
}

func (m controlModel) renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle lipgloss.Style) string {
	m.stats.CalculateRates()
	var errorPercent float64
	if m.stats.TotalRecords > 0 {
		errorPercent = float64(m.stats.Errors()) * 100.0 / float64(m.stats.TotalRecords)
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Records:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalRecords)),
		statsLabelStyle.Render("Samples:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalSamples)),
		statsLabelStyle.Render("Errors:"), func() string {
			if errorPercent > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
			}
			return statsValueStyle.Render("0.0%")
		}(),
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f rec/s", m.stats.RecordRate)),
		statsLabelStyle.Render("Samples/s:"), statsValueStyle.Render(fmt.Sprintf("%.0f", m.stats.SampleRate)),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m controlModel) renderEventLog(statsLabelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyleLocal := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	// Calculate available height for log
	logHeight := 8
	if len(m.errorLog) < logHeight {
		logHeight = len(m.errorLog)
	}

	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.errorLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyleLocal
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Data Processing
//////////////////////////////////////////////////////////////

func (m *controlModel) processCycle(msg cycleMsg) {
	wasSynchronized := m.synchronized
	if !m.synchronized && len(msg.records) > 0 {
		m.synchronized = true
		if msg.stats.SkippedBytes > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d invalid bytes", msg.stats.SkippedBytes), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}
	}

	// Remote status replies answer the periodic poll; keep them out of the log
	logged := msg
	logged.records = make([]*iolab.Record, 0, len(msg.records))
	for _, r := range msg.records {
		if r.Type() != iolab.RecordRemoteStatus {
			logged.records = append(logged.records, r)
			continue
		}
		if status, err := iolab.ParseRemoteStatus(r.Payload()); err == nil {
			m.remoteStatus = status
			m.hasRemoteStatus = true
		}
	}

	for _, e := range cycleEvents(logged, wasSynchronized, false) {
		m.appendEntry(e)
	}

	m.stats = msg.stats
	m.fixedConfig = msg.fixedConfig
	m.sensors = msg.sensors
	m.ready = msg.ready
	m.latest = msg.latest
	m.counts = msg.counts
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

// configure switches the remote to a fixed configuration
func (m *controlModel) configure(config uint8) tea.Cmd {
	return m.sendCommands(actionSetConfig, fmt.Sprintf("configuration %s", iolab.FormatPreset(config)),
		iolab.ConfigureSequence(cfg.Acquisition.Remote, config)...)
}

// sendCommands sends a command sequence off the UI goroutine
func (m *controlModel) sendCommands(action acquireAction, label string, cmds ...*iolab.Record) tea.Cmd {
	m.pending++
	cm := m.connMgr
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return commandResultMsg{action: action, label: label, err: cm.send(ctx, cmds...)}
	}
}

// sendQuiet sends a command whose outcome is not reported
func (m *controlModel) sendQuiet(cmds ...*iolab.Record) tea.Cmd {
	cm := m.connMgr
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		cm.send(ctx, cmds...)
		return nil
	}
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *controlModel) addLogEntry(message string, isError bool) {
	m.appendEntry(errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
}

func (m *controlModel) appendEntry(entry errorLogEntry) {
	m.errorLog = append(m.errorLog, entry)

	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m *controlModel) resetSession() {
	m.stats = *iolab.NewStatistics()
	m.fixedConfig = 0
	m.sensors = nil
	m.ready = false
	m.latest = make(map[iolab.SensorID]iolab.Sample)
	m.counts = make(map[iolab.SensorID]int)
	m.synchronized = false
	m.acquiring = false
}

func (m *controlModel) updateListSize() {
	// Adjust list size based on terminal size
	listHeight := m.height / 2
	if listHeight < 6 {
		listHeight = 6
	}
	m.presetList.SetSize(36, listHeight)
}
