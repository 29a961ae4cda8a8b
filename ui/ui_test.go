package ui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"sonic-sentinel/models"
	"sonic-sentinel/spectrum"
)

type fakeEngine struct {
	state     models.DetectionState
	history   []models.DetectionEvent
	snapshot  *spectrum.Snapshot
	starts    int
	stops     int
	activated bool
}

func (f *fakeEngine) State() models.DetectionState { return f.state }
func (f *fakeEngine) Settings() models.DetectionSettings { return models.DefaultSettings() }
func (f *fakeEngine) History() []models.DetectionEvent { return f.history }
func (f *fakeEngine) LatestSnapshot() *spectrum.Snapshot { return f.snapshot }
func (f *fakeEngine) ManuallyDeactivate() { f.activated = false }
func (f *fakeEngine) ClearHistory() { f.history = nil }

func (f *fakeEngine) Start(context.Context) error {
	f.starts++
	f.state.Recording = true
	return nil
}

func (f *fakeEngine) Stop() {
	f.stops++
	f.state = models.DetectionState{}
}

func (f *fakeEngine) ManuallyActivate() bool {
	f.activated = true
	return true
}

func TestSpectrumColumnsKeepsPeaks(t *testing.T) {
	t.Parallel()

	s := &spectrum.Snapshot{Bins: make([]uint8, 100), SampleRate: 48000}
	s.Bins[5] = 200
	s.Bins[95] = 90
	cols := SpectrumColumns(s, 10)
	if len(cols) != 10 || cols[0] != 200 || cols[9] != 90 || cols[4] != 0 {
		t.Fatalf("unexpected columns %v", cols)
	}
	if SpectrumColumns(nil, 10) != nil {
		t.Fatalf("nil snapshot should give no columns")
	}
}

func TestKeysDriveEngine(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{history: []models.DetectionEvent{{ID: "1", Band: models.BandA}}}
	var m tea.Model = NewModel(eng, "Sentinel")

	for _, key := range []string{"s", "a", "d", "c", "p"} {
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)})
	}
	if eng.starts != 1 || eng.stops != 1 {
		t.Fatalf("starts=%d stops=%d", eng.starts, eng.stops)
	}
	if eng.activated || eng.history != nil {
		t.Fatalf("activate/deactivate/clear not applied")
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("quit key returned no command")
	}
}

func TestViewShowsStateAndHistory(t *testing.T) {
	t.Parallel()

	now := time.Now()
	eng := &fakeEngine{
		state: models.DetectionState{Recording: true, BandADetected: true, CountermeasureActive: true},
		history: []models.DetectionEvent{
			{ID: "1", Band: models.BandA, Timestamp: now.Add(-2 * time.Minute), IntensityPercent: 40, CountermeasureActivated: true},
		},
	}
	var m tea.Model = NewModel(eng, "Sentinel")
	m, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	m, _ = m.Update(TickMsg(now))

	view := m.View()
	for _, want := range []string{"DETECTED", "ACTIVE", "Sound Cannon", "2 minutes ago", "waiting for audio"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}
