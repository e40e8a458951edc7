// Package app is the bubbletea recorder for a single entry: pick capture
// sources, start, pause and stop a session, and watch its level meters.
package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Dalmarthas/Beyond-Call/internal/capture"
	"github.com/Dalmarthas/Beyond-Call/internal/daemon"
	"github.com/Dalmarthas/Beyond-Call/internal/recording"
	"github.com/Dalmarthas/Beyond-Call/internal/telemetry"
	"github.com/Dalmarthas/Beyond-Call/internal/ui"

	tea "github.com/charmbracelet/bubbletea"
)

// MeterInterval is how often the recorder polls the session meter.
const MeterInterval = 200 * time.Millisecond

// Model is the root bubbletea model for the recorder.
type Model struct {
	socketPath string
	entryID    string
	entryTitle string

	// Connection state
	client           *daemon.Client // command connection
	evClient         *daemon.Client // event subscription connection
	connected        bool
	connError        string
	reconnecting     bool
	reconnectAttempt int

	// Sources
	devices  []capture.Source
	cursor   int
	selected map[int]bool

	// Session
	sessionID string
	state     recording.State
	startedAt time.Time
	meter     telemetry.Reading
	last      *recording.Recording
	busy      bool

	// UI state
	width  int
	height int

	errorMessage   string
	errorTransient bool
	statusText     string

	now func() time.Time
}

// New creates a recorder for entryID talking to the daemon at socketPath.
func New(socketPath, entryID, entryTitle string) Model {
	return Model{
		socketPath: socketPath,
		entryID:    entryID,
		entryTitle: entryTitle,
		selected:   make(map[int]bool),
		state:      recording.StateIdle,
		statusText: "Connecting to daemon...",
		now:        time.Now,
	}
}

// Init returns the initial command: connect to the daemon.
func (m Model) Init() tea.Cmd {
	return connectCmd(m.socketPath)
}

// connectCmd attempts to connect to the daemon with two connections:
// one for commands, one for event subscription.
func connectCmd(sockPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := daemon.Connect(sockPath)
		if err != nil {
			return DaemonConnectErrorMsg{Err: err}
		}
		evClient, err := daemon.Connect(sockPath)
		if err != nil {
			client.Close()
			return DaemonConnectErrorMsg{Err: err}
		}
		return DaemonConnectedMsg{Client: client, EvClient: evClient}
	}
}

// subscribeCmd subscribes the event client and starts reading events.
func subscribeCmd(evClient *daemon.Client) tea.Cmd {
	return func() tea.Msg {
		_, err := evClient.SendCommand(daemon.Command{
			Cmd:    daemon.CmdSubscribe,
			Events: []string{daemon.EventStatus, daemon.EventError},
		})
		if err != nil {
			return DaemonEventErrorMsg{Err: err}
		}
		return readEventCmd(evClient)()
	}
}

// readEventCmd reads the next event from the event client.
func readEventCmd(evClient *daemon.Client) tea.Cmd {
	return func() tea.Msg {
		ev, err := evClient.ReadEvent()
		if err != nil {
			return DaemonEventErrorMsg{Err: err}
		}
		return DaemonEventMsg{Event: ev}
	}
}

// send runs one command and wraps the response with wrap.
func send(client *daemon.Client, cmd daemon.Command, wrap func(daemon.Response) tea.Msg) tea.Cmd {
	return func() tea.Msg {
		resp, err := client.SendCommand(cmd)
		if err != nil {
			return DaemonEventErrorMsg{Err: err}
		}
		return wrap(resp)
	}
}

func statusCmd(client *daemon.Client, entryID string) tea.Cmd {
	return send(client, daemon.Command{Cmd: daemon.CmdStatus, EntryID: entryID},
		func(r daemon.Response) tea.Msg { return StatusResponseMsg{Response: r} })
}

func devicesCmd(client *daemon.Client) tea.Cmd {
	return send(client, daemon.Command{Cmd: daemon.CmdDevices},
		func(r daemon.Response) tea.Msg { return DevicesResponseMsg{Response: r} })
}

func startCmd(client *daemon.Client, entryID string, sources []capture.Source) tea.Cmd {
	return send(client, daemon.Command{Cmd: daemon.CmdStart, EntryID: entryID, Sources: sources},
		func(r daemon.Response) tea.Msg { return StartResponseMsg{Response: r} })
}

func pauseCmd(client *daemon.Client, sessionID string, pause bool) tea.Cmd {
	cmd := daemon.CmdResume
	if pause {
		cmd = daemon.CmdPause
	}
	return send(client, daemon.Command{Cmd: cmd, SessionID: sessionID},
		func(r daemon.Response) tea.Msg { return PauseResponseMsg{Paused: pause, Response: r} })
}

func stopCmd(client *daemon.Client, sessionID string) tea.Cmd {
	return send(client, daemon.Command{Cmd: daemon.CmdStop, SessionID: sessionID},
		func(r daemon.Response) tea.Msg { return StopResponseMsg{Response: r} })
}

func meterCmd(client *daemon.Client, sessionID string) tea.Cmd {
	return send(client, daemon.Command{Cmd: daemon.CmdMeter, SessionID: sessionID},
		func(r daemon.Response) tea.Msg { return MeterResponseMsg{SessionID: sessionID, Response: r} })
}

// meterTickCmd schedules the next meter poll.
func meterTickCmd(sessionID string) tea.Cmd {
	return tea.Tick(MeterInterval, func(time.Time) tea.Msg {
		return MeterTickMsg{SessionID: sessionID}
	})
}

// clearTransientErrorCmd fires after a delay to clear transient errors.
func clearTransientErrorCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return ClearTransientErrorMsg{}
	})
}

// reconnectCmd schedules a reconnection attempt with exponential backoff.
func reconnectCmd(attempt int) tea.Cmd {
	delay := time.Duration(1<<min(attempt, 4)) * time.Second // 1s, 2s, 4s, 8s, 16s cap
	return tea.Tick(delay, func(time.Time) tea.Msg {
		return ReconnectTickMsg{}
	})
}

func (m Model) active() bool {
	return m.sessionID != "" && !m.state.Terminal()
}

// selectedSources returns the chosen devices in list order.
func (m Model) selectedSources() []capture.Source {
	idx := make([]int, 0, len(m.selected))
	for i, on := range m.selected {
		if on && i < len(m.devices) {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	sources := make([]capture.Source, 0, len(idx))
	for _, i := range idx {
		sources = append(sources, m.devices[i])
	}
	return sources
}

func (m *Model) showError(msg string, transient bool) tea.Cmd {
	m.errorMessage = msg
	m.errorTransient = transient
	if transient {
		return clearTransientErrorCmd()
	}
	return nil
}

func (m *Model) adopt(sessionID string, state recording.State, startedAt time.Time) tea.Cmd {
	polling := m.active() && m.sessionID == sessionID
	m.sessionID = sessionID
	m.state = state
	m.startedAt = startedAt
	m.statusText = stateLabel(state)
	if polling || !m.active() {
		return nil
	}
	return meterTickCmd(sessionID)
}

func (m *Model) endSession(state recording.State) {
	m.state = state
	m.sessionID = ""
	m.meter = telemetry.Reading{}
	m.busy = false
	m.statusText = stateLabel(state)
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case DaemonConnectedMsg:
		m.client = msg.Client
		m.evClient = msg.EvClient
		m.connected = true
		m.connError = ""
		m.reconnecting = false
		m.reconnectAttempt = 0
		m.statusText = "Connected"
		return m, tea.Batch(
			subscribeCmd(m.evClient),
			statusCmd(m.client, m.entryID),
			devicesCmd(m.client),
		)

	case DaemonConnectErrorMsg:
		m.connected = false
		m.connError = msg.Err.Error()
		m.reconnecting = true
		m.statusText = "Daemon not running. Reconnecting..."
		return m, reconnectCmd(m.reconnectAttempt)

	case StatusResponseMsg:
		r := msg.Response
		if !r.OK {
			return m, m.showError(r.Error, true)
		}
		if r.Session != nil {
			return m, m.adopt(r.Session.SessionID, r.Session.State, r.Session.StartedAt)
		}
		if !m.active() {
			m.statusText = stateLabel(m.state)
		}
		return m, nil

	case DevicesResponseMsg:
		r := msg.Response
		if !r.OK {
			return m, m.showError(r.Error, false)
		}
		m.devices = r.Devices
		m.selected = make(map[int]bool)
		if len(m.devices) > 0 {
			m.selected[0] = true
		}
		if m.cursor >= len(m.devices) {
			m.cursor = 0
		}
		return m, nil

	case StartResponseMsg:
		m.busy = false
		r := msg.Response
		if !r.OK {
			m.state = recording.StateIdle
			m.statusText = stateLabel(m.state)
			return m, m.showError(r.Error, true)
		}
		m.last = nil
		m.errorMessage = ""
		return m, m.adopt(r.SessionID, recording.StateRecording, m.now())

	case PauseResponseMsg:
		r := msg.Response
		if !r.OK {
			return m, m.showError(r.Error, true)
		}
		if msg.Paused {
			m.state = recording.StatePaused
		} else {
			m.state = recording.StateRecording
		}
		m.statusText = stateLabel(m.state)
		return m, nil

	case StopResponseMsg:
		r := msg.Response
		if !r.OK {
			m.endSession(recording.StateFailed)
			return m, m.showError(r.Error, false)
		}
		m.last = r.Recording
		m.endSession(recording.StateFinalized)
		return m, nil

	case MeterTickMsg:
		if !m.connected || msg.SessionID != m.sessionID || !m.active() {
			return m, nil
		}
		return m, meterCmd(m.client, msg.SessionID)

	case MeterResponseMsg:
		if msg.SessionID != m.sessionID || !m.active() {
			return m, nil
		}
		if msg.Response.OK && msg.Response.Meter != nil {
			m.meter = *msg.Response.Meter
		}
		return m, meterTickCmd(msg.SessionID)

	case DaemonEventMsg:
		cmd := m.handleEvent(msg.Event)
		return m, tea.Batch(cmd, readEventCmd(m.evClient))

	case DaemonEventErrorMsg:
		m.connected = false
		m.connError = msg.Err.Error()
		m.statusText = "Disconnected. Reconnecting..."
		m.reconnecting = true
		m.busy = false
		if m.client != nil {
			m.client.Close()
			m.client = nil
		}
		if m.evClient != nil {
			m.evClient.Close()
			m.evClient = nil
		}
		return m, reconnectCmd(m.reconnectAttempt)

	case ReconnectTickMsg:
		m.reconnectAttempt++
		return m, connectCmd(m.socketPath)

	case ClearTransientErrorMsg:
		if m.errorTransient {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil
	}

	return m, nil
}

// handleEvent processes a daemon event for this recorder's session.
func (m *Model) handleEvent(ev daemon.Event) tea.Cmd {
	if ev.SessionID == "" || ev.SessionID != m.sessionID {
		return nil
	}
	switch ev.Event {
	case daemon.EventStatus:
		if ev.State.Terminal() {
			m.endSession(ev.State)
			if ev.Message != "" {
				return m.showError(ev.Message, false)
			}
			return nil
		}
		m.state = ev.State
		m.statusText = stateLabel(ev.State)

	case daemon.EventError:
		// A finalized session can still carry the fault that stopped it.
		if ev.State.Terminal() {
			m.endSession(ev.State)
		}
		return m.showError(ev.Message, false)
	}
	return nil
}

// handleKey processes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyQuit, KeyQuitUpper, KeyCtrlC:
		if m.client != nil {
			m.client.Close()
		}
		if m.evClient != nil {
			m.evClient.Close()
		}
		return m, tea.Quit

	case KeySpace:
		if !m.connected || m.busy {
			return m, nil
		}
		if m.active() {
			m.busy = true
			m.state = recording.StateStopping
			m.statusText = stateLabel(m.state)
			return m, stopCmd(m.client, m.sessionID)
		}
		sources := m.selectedSources()
		if len(sources) == 0 {
			return m, m.showError("select at least one source", true)
		}
		m.busy = true
		m.state = recording.StateStarting
		m.statusText = stateLabel(m.state)
		return m, startCmd(m.client, m.entryID, sources)

	case KeyPause:
		if !m.connected || m.busy {
			return m, nil
		}
		switch m.state {
		case recording.StateRecording:
			return m, pauseCmd(m.client, m.sessionID, true)
		case recording.StatePaused:
			return m, pauseCmd(m.client, m.sessionID, false)
		}
		return m, nil

	case KeyUp, KeyK:
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil

	case KeyDown, KeyJ:
		if m.cursor < len(m.devices)-1 {
			m.cursor++
		}
		return m, nil

	case KeyEnter, KeyToggleSource:
		// Sources are fixed for the lifetime of a session.
		if m.active() || m.cursor >= len(m.devices) {
			return m, nil
		}
		m.selected[m.cursor] = !m.selected[m.cursor]
		return m, nil

	case KeyRefresh:
		if !m.connected || m.active() {
			return m, nil
		}
		return m, devicesCmd(m.client)
	}

	return m, nil
}

func stateLabel(s recording.State) string {
	switch s {
	case recording.StateStarting:
		return "Starting capture..."
	case recording.StateRecording:
		return "Recording"
	case recording.StatePaused:
		return "Paused"
	case recording.StateStopping:
		return "Finalizing..."
	case recording.StateFinalized:
		return "Saved"
	case recording.StateFailed:
		return "Failed"
	}
	return "Idle"
}

func (m Model) sourcePanelWidth() int {
	if m.width == 0 {
		return 40
	}
	return max(28, m.width*45/100)
}

func (m Model) sessionPanelWidth() int {
	if m.width == 0 {
		return 40
	}
	return max(30, m.width-m.sourcePanelWidth()-1)
}

func (m Model) contentHeight() int {
	if m.height == 0 {
		return 12
	}
	// header(1) + status(1) + two dividers + error(1) + footer(1)
	return max(6, m.height-6)
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	sections := []string{
		m.renderHeader(),
		m.renderStatusBar(),
		ui.DividerStyle.Render(strings.Repeat("─", m.width)),
		m.renderMainContent(),
		ui.DividerStyle.Render(strings.Repeat("─", m.width)),
	}
	if m.errorMessage != "" {
		sections = append(sections, m.renderErrorBar())
	}
	sections = append(sections, m.renderFooter())

	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	title := ui.TitleStyle.Render("BEYOND CALL")
	entry := m.entryTitle
	if entry == "" {
		entry = m.entryID
	}
	return title + ui.DimStyle.Render(" · "+entry)
}

func (m Model) renderStatusBar() string {
	var dot string
	switch m.state {
	case recording.StateRecording:
		dot = ui.RecordingDotStyle.Render("● REC")
	case recording.StatePaused:
		dot = ui.PausedDotStyle.Render("❚❚ PAUSED")
	case recording.StateStarting, recording.StateStopping:
		dot = ui.SpinnerStyle.Render("⟳ " + strings.ToUpper(stateLabel(m.state)))
	default:
		dot = ui.IdleDotStyle.Render("○ " + strings.ToUpper(stateLabel(m.state)))
	}

	var levels string
	if m.active() {
		levels = "  " + ui.LevelBar(m.meter.Level, 16) + "  " + ui.StatusStyle.Render(ui.FormatBytes(m.meter.BytesWritten))
		if !m.startedAt.IsZero() {
			levels += "  " + ui.StatusStyle.Render(ui.FormatDuration(m.now().Sub(m.startedAt).Seconds()))
		}
	}
	return dot + levels
}

func (m Model) renderMainContent() string {
	srcW := m.sourcePanelWidth()
	height := m.contentHeight()

	left := strings.Split(m.renderSourcePanel(srcW, height), "\n")
	right := strings.Split(m.renderSessionPanel(m.sessionPanelWidth(), height), "\n")
	divider := ui.DividerStyle.Render("│")

	rows := make([]string, 0, height)
	for i := 0; i < height; i++ {
		l := strings.Repeat(" ", srcW)
		if i < len(left) {
			l = padRight(left[i], srcW)
		}
		r := ""
		if i < len(right) {
			r = right[i]
		}
		rows = append(rows, l+divider+r)
	}
	return strings.Join(rows, "\n")
}

func (m Model) renderSourcePanel(width, height int) string {
	lines := []string{ui.PanelTitleStyle.Render(fmt.Sprintf("SOURCES (%d)", len(m.devices)))}

	switch {
	case !m.connected && m.reconnecting:
		lines = append(lines, "", ui.ErrorTextStyle.Render("  Daemon disconnected. Reconnecting..."))
	case !m.connected && m.connError != "":
		lines = append(lines, "", ui.ErrorStyle.Render("  Daemon not running."),
			ui.DimStyle.Render("  Start with: beyondcall daemon"))
	case !m.connected:
		lines = append(lines, ui.DimStyle.Render("  Connecting to daemon..."))
	case len(m.devices) == 0:
		lines = append(lines, ui.DimStyle.Render("  No capture devices found"))
	}

	if m.connected {
		for i, d := range m.devices {
			box := "[ ]"
			if m.selected[i] {
				box = "[x]"
			}
			label := d.String()
			if d.Loopback {
				label += ui.DimStyle.Render(" (loopback)")
			}
			var line string
			if i == m.cursor {
				line = ui.SelectedStyle.Render("> "+box+" ") + ui.SelectedStyle.Render(label)
			} else {
				line = "  " + box + " " + label
			}
			lines = append(lines, truncateToWidth(line, width))
		}
	}

	if len(lines) > height {
		lines = lines[:height]
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderSessionPanel(width, height int) string {
	lines := []string{ui.PanelTitleStyle.Render(" SESSION")}

	switch {
	case m.active():
		lines = append(lines, ui.DimStyle.Render(" "+m.sessionID))
		labels := make([]string, 0, len(m.meter.Sources))
		for label := range m.meter.Sources {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		barW := max(8, width-24)
		for _, label := range labels {
			s := m.meter.Sources[label]
			name := truncateToWidth(label, 14)
			lines = append(lines, " "+ui.SourceLabelStyle.Render(padRight(name, 14))+" "+ui.LevelBar(s.Level, barW))
		}
	case m.last != nil:
		lines = append(lines,
			ui.SuccessStyle.Render(" Recording saved"),
			ui.DimStyle.Render(" "+ui.FormatDuration(m.last.DurationSec)),
			ui.DimStyle.Render(" "+truncateToWidth(m.last.Path, width-2)))
		if m.last.Truncated {
			lines = append(lines, ui.ErrorTextStyle.Render(" capture was cut short; the tail may be missing"))
		}
	default:
		lines = append(lines, "", ui.DimStyle.Render(" Select sources, then press Space to record"))
	}

	if len(lines) > height {
		lines = lines[:height]
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderErrorBar() string {
	return ui.ErrorStyle.Render("Error: ") + ui.ErrorTextStyle.Render(m.errorMessage)
}

func (m Model) renderFooter() string {
	var parts []string

	if m.connected {
		if m.active() {
			parts = append(parts, ui.FooterKeyStyle.Render("Space")+ui.FooterDescStyle.Render(" Stop"))
			if m.state == recording.StatePaused {
				parts = append(parts, ui.FooterKeyStyle.Render("p")+ui.FooterDescStyle.Render(" Resume"))
			} else {
				parts = append(parts, ui.FooterKeyStyle.Render("p")+ui.FooterDescStyle.Render(" Pause"))
			}
		} else {
			parts = append(parts, ui.FooterKeyStyle.Render("Space")+ui.FooterDescStyle.Render(" Record"))
			parts = append(parts, ui.FooterKeyStyle.Render("x")+ui.FooterDescStyle.Render(" Toggle"))
			parts = append(parts, ui.FooterKeyStyle.Render("r")+ui.FooterDescStyle.Render(" Rescan"))
		}
		parts = append(parts, ui.FooterKeyStyle.Render("j/k")+ui.FooterDescStyle.Render(" Nav"))
	}

	parts = append(parts, ui.FooterKeyStyle.Render("q")+ui.FooterDescStyle.Render(" Quit"))

	return strings.Join(parts, "  ")
}

// Helpers

func padRight(s string, width int) string {
	// Get visible length (ignoring ANSI codes)
	visible := lipgloss.Width(s)
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}

func truncateToWidth(s string, width int) string {
	visible := lipgloss.Width(s)
	if visible <= width || width < 1 {
		return s
	}
	// Simple truncation for non-styled strings
	runes := []rune(s)
	if len(runes) > width-1 {
		return string(runes[:width-1]) + "…"
	}
	return s
}
