package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/germanamz/callrelay/pkg/observer"
	"github.com/germanamz/callrelay/pkg/registry"
)

const maxLogLines = 500

// Centralized style definitions for the watch view.
var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")) // cyan
	headerStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8")) // gray
	onlineStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // green
	offlineStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // red
	startedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	endedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // yellow
	dtmfStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("5")) // magenta
	errorLineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Column widths of the active call table.
var callColumns = []struct {
	title string
	width int
}{
	{"CALL", 36},
	{"FROM", 16},
	{"TO", 16},
	{"STATUS", 10},
	{"DURATION", 10},
}

// watchModel renders the active call table above a scrolling event log.
type watchModel struct {
	url       string
	load      tea.Cmd
	calls     map[string]registry.Snapshot
	log       []string
	viewport  viewport.Model
	width     int
	height    int
	connected bool
	err       error

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

func newWatchModel(url string, load tea.Cmd) watchModel {
	m := watchModel{
		url:     url,
		load:    load,
		calls:   make(map[string]registry.Snapshot),
		width:   80,
		height:  24,
		nowFunc: time.Now,
	}
	m.layout()
	return m
}

func (m watchModel) Init() tea.Cmd {
	return m.load
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case activeCallsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.calls = make(map[string]registry.Snapshot, len(msg.calls))
			for _, c := range msg.calls {
				m.calls[c.CallID] = c
			}
		}
		m.layout()
		return m, refreshCmd()

	case refreshMsg:
		return m, m.load

	case monitorEventMsg:
		m.apply(msg.event)
		m.appendLog(formatEvent(msg.event))
		m.layout()
		return m, nil

	case monitorClosedMsg:
		m.connected = false
		m.appendLog(errorLineStyle.Render(closeReason(msg.err)))
		return m, nil
	}

	return m, nil
}

// apply patches the call table between refreshes.
func (m *watchModel) apply(ev monitorEvent) {
	switch ev.Type {
	case observer.TypeConnected:
		m.connected = true
	case observer.TypeCallStarted:
		m.calls[ev.CallID] = registry.Snapshot{
			CallID:       ev.CallID,
			ChannelID:    ev.ChannelID,
			CallerNumber: ev.CallerNumber,
			CalledNumber: ev.CalledNumber,
			Status:       registry.StateRinging,
			StartTime:    ev.Timestamp,
		}
	case observer.TypeCallEnded:
		delete(m.calls, ev.CallID)
	}
}

func (m *watchModel) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
	m.viewport.SetContent(strings.Join(m.log, "\n"))
	m.viewport.GotoBottom()
}

// layout gives the event log whatever height the header and table leave.
func (m *watchModel) layout() {
	used := 4 + max(len(m.calls), 1) // title, table header, rule, footer
	m.viewport.Width = m.width
	m.viewport.Height = max(m.height-used, 3)
}

func (m watchModel) View() string {
	var sb strings.Builder

	status := onlineStyle.Render("● live")
	if !m.connected {
		status = offlineStyle.Render("● offline")
	}
	fmt.Fprintf(&sb, "%s %s %s\n", titleStyle.Render("callrelay"), dimStyle.Render(m.url), status)

	sb.WriteString(headerStyle.Render(tableRow(columnTitles()...)))
	sb.WriteByte('\n')

	switch {
	case m.err != nil:
		sb.WriteString(errorLineStyle.Render("active calls: " + m.err.Error()))
		sb.WriteByte('\n')
	case len(m.calls) == 0:
		sb.WriteString(dimStyle.Render("no active calls"))
		sb.WriteByte('\n')
	default:
		now := m.nowFunc()
		for _, c := range m.sortedCalls() {
			sb.WriteString(tableRow(c.CallID, c.CallerNumber, c.CalledNumber, string(c.Status), fmtElapsed(now.Sub(c.StartTime))))
			sb.WriteByte('\n')
		}
	}

	sb.WriteString(dimStyle.Render(strings.Repeat("─", max(m.width, 1))))
	sb.WriteByte('\n')
	sb.WriteString(m.viewport.View())
	sb.WriteByte('\n')
	sb.WriteString(dimStyle.Render("q quit · ↑/↓ scroll"))

	return sb.String()
}

func (m watchModel) sortedCalls() []registry.Snapshot {
	calls := make([]registry.Snapshot, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].StartTime.Equal(calls[j].StartTime) {
			return calls[i].CallID < calls[j].CallID
		}
		return calls[i].StartTime.Before(calls[j].StartTime)
	})
	return calls
}

func columnTitles() []string {
	titles := make([]string, len(callColumns))
	for i, c := range callColumns {
		titles[i] = c.title
	}
	return titles
}

// tableRow pads or truncates each cell to its column width by display
// width, so wide runes in caller names keep the columns aligned.
func tableRow(cells ...string) string {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		w := callColumns[i].width
		parts[i] = runewidth.FillRight(runewidth.Truncate(cell, w, "…"), w)
	}
	return strings.Join(parts, " ")
}

func formatEvent(ev monitorEvent) string {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	prefix := dimStyle.Render(ts.Local().Format("15:04:05"))

	var body string
	switch ev.Type {
	case observer.TypeCallStarted:
		body = startedStyle.Render("call started") + fmt.Sprintf(" %s %s → %s", ev.CallID, ev.CallerNumber, ev.CalledNumber)
	case observer.TypeCallEnded:
		body = endedStyle.Render("call ended") + fmt.Sprintf(" %s after %s", ev.CallID, fmtElapsed(time.Duration(ev.Duration)*time.Millisecond))
	case observer.TypeDTMFReceived:
		body = dtmfStyle.Render("dtmf") + fmt.Sprintf(" %s digit %s", ev.CallID, ev.Digit)
	case observer.TypeAudioData:
		body = dimStyle.Render(fmt.Sprintf("audio %s %d bytes", ev.CallID, ev.DataSize))
	case observer.TypeRecordingStarted, observer.TypeRecordingFinished:
		body = fmt.Sprintf("%s %s %s", strings.ReplaceAll(string(ev.Type), "_", " "), ev.CallID, ev.RecordingName)
	case observer.TypeConnected:
		body = onlineStyle.Render("connected to relay")
	case observer.TypeError:
		body = errorLineStyle.Render("error: " + ev.Message)
	default:
		body = string(ev.Type)
		if ev.CallID != "" {
			body += " " + ev.CallID
		}
	}

	return prefix + " " + body
}

// fmtElapsed renders d as m:ss, or h:mm:ss past the hour.
func fmtElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d / time.Second)
	if s >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", s/3600, s%3600/60, s%60)
	}
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}
