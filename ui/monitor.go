// Package ui is the terminal monitor: a live spectrum, band status and the
// recent detection history, with keys to drive the engine.
package ui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"sonic-sentinel/models"
	"sonic-sentinel/spectrum"
	"sonic-sentinel/threat"
)

const refreshInterval = 100 * time.Millisecond

// Engine is the part of the detection engine the monitor drives.
type Engine interface {
	State() models.DetectionState
	Settings() models.DetectionSettings
	History() []models.DetectionEvent
	LatestSnapshot() *spectrum.Snapshot
	Start(ctx context.Context) error
	Stop()
	ManuallyActivate() bool
	ManuallyDeactivate()
	ClearHistory()
}

// TickMsg triggers a redraw.
type TickMsg time.Time

// EngineErrorMsg carries an error to show in the footer.
type EngineErrorMsg struct {
	Err error
}

type Model struct {
	engine Engine
	title  string

	width  int
	height int

	state    models.DetectionState
	settings models.DetectionSettings
	reading  threat.Result
	snapshot *spectrum.Snapshot
	history  []models.DetectionEvent
	lastErr  error
	now      time.Time
}

func NewModel(engine Engine, title string) Model {
	return Model{engine: engine, title: title}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case TickMsg:
		m.refresh(time.Time(msg))
		return m, tickCmd()

	case EngineErrorMsg:
		m.lastErr = msg.Err
		return m, nil
	}
	return m, nil
}

func (m *Model) refresh(now time.Time) {
	m.now = now
	m.state = m.engine.State()
	m.settings = m.engine.Settings()
	m.history = m.engine.History()
	m.snapshot = m.engine.LatestSnapshot()
	if m.snapshot != nil {
		m.reading = threat.Classify(m.snapshot, m.settings)
	} else {
		m.reading = threat.Result{}
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "Q", "ctrl+c":
		m.engine.Stop()
		return m, tea.Quit

	case "s", "S":
		if err := m.engine.Start(context.Background()); err != nil {
			m.lastErr = err
		} else {
			m.lastErr = nil
		}

	case "p", "P":
		m.engine.Stop()

	case "a", "A":
		m.engine.ManuallyActivate()

	case "d", "D":
		m.engine.ManuallyDeactivate()

	case "c", "C":
		m.engine.ClearHistory()
	}
	m.refresh(time.Now())
	return m, nil
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing monitor..."
	}

	inner := m.width - 4
	if inner < 20 {
		inner = 20
	}
	specH := m.height - 20
	if specH < 3 {
		specH = 3
	}

	alert := m.state.BandADetected || m.state.BandBDetected || m.state.CountermeasureActive
	spectrumPanel := panel("Spectrum", RenderSpectrum(m.snapshot, inner, specH, m.settings.BandAThreshold), inner, alert)
	statusPanel := panel(m.title, RenderStatus(m.state, m.reading, m.settings), inner, alert)
	historyPanel := panel("Recent detections", RenderHistory(m.history, 5, m.now), inner, false)

	footer := StyleHelp.Render("s start  p stop  a activate  d deactivate  c clear history  q quit")
	if m.lastErr != nil {
		footer = StyleDetected.Render(m.lastErr.Error()) + "\n" + footer
	}
	return joinVertical(statusPanel, spectrumPanel, historyPanel, footer)
}
