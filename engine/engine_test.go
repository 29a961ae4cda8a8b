package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sonic-sentinel/audiograph"
	"sonic-sentinel/countermeasure"
	"sonic-sentinel/detections"
	"sonic-sentinel/models"
	"sonic-sentinel/preferences"
	"sonic-sentinel/reports"
	"sonic-sentinel/session"
	"sonic-sentinel/spectrum"
	"sonic-sentinel/threat"
)

const testSampleRate = 48000.0

func constantSnapshot(value uint8) *spectrum.Snapshot {
	bins := make([]uint8, spectrum.DefaultFFTSize/2)
	for i := range bins {
		bins[i] = value
	}
	return &spectrum.Snapshot{Bins: bins, SampleRate: testSampleRate}
}

// bandASnapshot lights the first fraction of band A's bins at value.
func bandASnapshot(fraction float64, value uint8) *spectrum.Snapshot {
	s := constantSnapshot(0)
	start, end := threat.BandA.BinRange(s)
	lit := int(float64(end-start) * fraction)
	for i := start; i < start+lit; i++ {
		s.Bins[i] = value
	}
	return s
}

// fakeSource replays frames, repeating the last one. With limit set it
// goes quiet after limit frames, like a device that stopped delivering.
type fakeSource struct {
	mu     sync.Mutex
	now    float64
	frames []*spectrum.Snapshot
	limit  int
	served int
	err    error
	gain   *audiograph.Param
	closed bool
	owner  *fakeBackend
}

func (s *fakeSource) Pull() *spectrum.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 || (s.limit > 0 && s.served >= s.limit) {
		return nil
	}
	f := s.frames[0]
	if len(s.frames) > 1 {
		s.frames = s.frames[1:]
	}
	s.served++
	return f
}

func (s *fakeSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSource) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeSource) advance(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += seconds
}

func (s *fakeSource) InsertGain(g *audiograph.Param) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gain = g
}

func (s *fakeSource) RemoveGain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gain = nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		s.owner.release()
	}
	return nil
}

type fakeBackend struct {
	mu      sync.Mutex
	frames  []*spectrum.Snapshot
	limit   int
	openErr map[string]error
	devices []models.InputDevice
	opened  []*fakeSource
	open    int
	maxOpen int
}

func (b *fakeBackend) Open(_ context.Context, deviceID string, _ spectrum.Constraints) (spectrum.Source, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.openErr[deviceID]; err != nil {
		return nil, err
	}
	src := &fakeSource{frames: append([]*spectrum.Snapshot(nil), b.frames...), limit: b.limit, owner: b}
	b.opened = append(b.opened, src)
	b.open++
	if b.open > b.maxOpen {
		b.maxOpen = b.open
	}
	return src, nil
}

func (b *fakeBackend) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open--
}

func (b *fakeBackend) ListInputDevices() ([]models.InputDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.devices == nil {
		return nil, errors.New("enumeration unavailable")
	}
	return append([]models.InputDevice(nil), b.devices...), nil
}

func (b *fakeBackend) lastSource() *fakeSource {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened[len(b.opened)-1]
}

func (b *fakeBackend) openCount() (open, max, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open, b.maxOpen, len(b.opened)
}

type recordingSink struct {
	mu      sync.Mutex
	reports []models.Report
}

func (r *recordingSink) Submit(_ context.Context, report models.Report, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

type testRig struct {
	engine     *Engine
	backend    *fakeBackend
	controller *countermeasure.Controller
	output     *audiograph.Output
	sink       *recordingSink
	dispatcher *reports.Dispatcher
	store      *preferences.MemoryStore
}

func newTestEngine(t *testing.T, backend *fakeBackend) *testRig {
	t.Helper()
	if backend == nil {
		backend = &fakeBackend{}
	}
	output := audiograph.NewOutput(testSampleRate)
	controller := countermeasure.NewController(output)
	sink := &recordingSink{}
	dispatcher := reports.NewDispatcher(sink, session.Static{User: &models.User{ID: "u1"}, Token: "t"})
	store := &preferences.MemoryStore{}
	e := New(backend,
		WithController(controller),
		WithDispatcher(dispatcher),
		WithPreferences(store),
		WithHistory(detections.NewHistory(50)),
		WithCalibrator(&threat.Calibrator{Samples: 10, Interval: time.Millisecond}),
	)
	t.Cleanup(e.Stop)
	return &testRig{engine: e, backend: backend, controller: controller, output: output, sink: sink, dispatcher: dispatcher, store: store}
}

func (r *testRig) start(t *testing.T) *fakeSource {
	t.Helper()
	if err := r.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return r.backend.lastSource()
}

func TestEndToEndFortyPercentBandA(t *testing.T) {
	t.Parallel()

	rig := newTestEngine(t, nil)
	rig.start(t)

	rig.engine.ProcessFrame(bandASnapshot(0.4, 220))

	state := rig.engine.State()
	if !state.BandADetected || state.BandBDetected || !state.CountermeasureActive {
		t.Fatalf("unexpected state %+v", state)
	}
	if !rig.controller.Active() {
		t.Fatalf("controller not active")
	}
	history := rig.engine.History()
	if len(history) != 1 {
		t.Fatalf("history has %d events, want 1", len(history))
	}
	ev := history[0]
	if ev.Band != models.BandA || ev.IntensityPercent != 40 || !ev.CountermeasureActivated {
		t.Fatalf("unexpected event %+v", ev)
	}

	rig.dispatcher.Wait()
	if rig.sink.count() != 1 {
		t.Fatalf("%d reports forwarded, want 1", rig.sink.count())
	}
}

func TestSustainedDetectionAppendsOneEvent(t *testing.T) {
	t.Parallel()

	rig := newTestEngine(t, nil)
	src := rig.start(t)

	loud := constantSnapshot(255)
	for i := 0; i < 100; i++ {
		rig.engine.ProcessFrame(loud)
	}
	// One event per band edge: full-scale input trips both bands.
	if n := len(rig.engine.History()); n != 2 {
		t.Fatalf("history has %d events after 100 frames, want 2", n)
	}

	src.advance(countermeasure.InputRestore.Seconds() + 1)
	rig.engine.ProcessFrame(constantSnapshot(0))
	rig.engine.ProcessFrame(loud)
	if n := len(rig.engine.History()); n != 4 {
		t.Fatalf("history has %d events after a new edge, want 4", n)
	}
}

func TestSingleBandSustainedDetection(t *testing.T) {
	t.Parallel()

	rig := newTestEngine(t, nil)
	rig.start(t)

	for i := 0; i < 100; i++ {
		rig.engine.ProcessFrame(bandASnapshot(1, 255))
	}
	if n := len(rig.engine.History()); n != 1 {
		t.Fatalf("history has %d events, want 1", n)
	}
}

func TestAutoActivationReleasedWhenBandsClear(t *testing.T) {
	t.Parallel()

	rig := newTestEngine(t, nil)
	src := rig.start(t)

	rig.engine.ProcessFrame(bandASnapshot(0.5, 240))
	if !rig.controller.Active() {
		t.Fatalf("countermeasure not activated")
	}

	// While the input fades back in, quiet frames keep the detection latched.
	rig.engine.ProcessFrame(constantSnapshot(0))
	if !rig.engine.State().BandADetected || !rig.controller.Active() {
		t.Fatalf("released while the input was still settling")
	}

	src.advance(countermeasure.InputRestore.Seconds() + 0.1)
	rig.engine.ProcessFrame(constantSnapshot(0))
	state := rig.engine.State()
	if state.BandADetected || state.CountermeasureActive || rig.controller.Active() {
		t.Fatalf("countermeasure not released: %+v", state)
	}
	if len(rig.engine.History()) != 1 {
		t.Fatalf("release should not add history")
	}
}

func TestAutoActivationDisabled(t *testing.T) {
	t.Parallel()

	rig := newTestEngine(t, nil)
	off := false
	if _, err := rig.engine.UpdateSettings(models.SettingsPatch{AutoActivateCountermeasures: &off}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	rig.start(t)

	rig.engine.ProcessFrame(bandASnapshot(0.6, 240))
	if rig.controller.Active() {
		t.Fatalf("activated with auto activation off")
	}
	history := rig.engine.History()
	if len(history) != 1 || history[0].CountermeasureActivated {
		t.Fatalf("unexpected history %+v", history)
	}
	rig.dispatcher.Wait()
	if rig.sink.count() != 0 {
		t.Fatalf("plain detection forwarded without automatic reporting")
	}
}

func TestManualActivationIsHeld(t *testing.T) {
	t.Parallel()

	rig := newTestEngine(t, nil)
	src := rig.start(t)

	if !rig.engine.ManuallyActivate() {
		t.Fatalf("manual activation refused")
	}
	if rig.engine.ManuallyActivate() {
		t.Fatalf("second manual activation accepted")
	}
	history := rig.engine.History()
	if len(history) != 1 || history[0].Band != models.BandManual || !history[0].CountermeasureActivated {
		t.Fatalf("unexpected history %+v", history)
	}

	src.advance(countermeasure.InputRestore.Seconds() + 1)
	rig.engine.ProcessFrame(constantSnapshot(0))
	if !rig.engine.State().CountermeasureActive {
		t.Fatalf("quiet frame released a manual activation")
	}

	rig.engine.ManuallyDeactivate()
	if rig.controller.Active() || rig.engine.State().CountermeasureActive {
		t.Fatalf("manual deactivation did not release")
	}
	if rig.output.ActiveVoices() != 0 {
		t.Fatalf("voices left after deactivation")
	}
	rig.dispatcher.Wait()
	if rig.sink.count() != 1 {
		t.Fatalf("manual activation forwarded %d reports, want 1", rig.sink.count())
	}
}

func TestStopResetsState(t *testing.T) {
	t.Parallel()

	rig := newTestEngine(t, nil)
	src := rig.start(t)
	rig.engine.ProcessFrame(constantSnapshot(255))

	rig.engine.Stop()
	state := rig.engine.State()
	if state.Recording || state.BandADetected || state.BandBDetected || state.CountermeasureActive {
		t.Fatalf("state not reset: %+v", state)
	}
	if rig.controller.Active() {
		t.Fatalf("countermeasure survived stop")
	}
	if !src.closed {
		t.Fatalf("capture not closed")
	}
	if rig.engine.LatestSnapshot() != nil {
		t.Fatalf("latest snapshot kept after stop")
	}

	rig.engine.ProcessFrame(constantSnapshot(255))
	if rig.engine.State().BandADetected {
		t.Fatalf("frame after stop changed state")
	}
	rig.engine.Stop()
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	rig := newTestEngine(t, nil)
	rig.start(t)
	rig.start(t)
	if _, _, total := rig.backend.openCount(); total != 1 {
		t.Fatalf("opened %d captures, want 1", total)
	}
}

func TestStartFailureLeavesEngineStopped(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{openErr: map[string]error{
		"missing": &spectrum.CaptureError{Kind: spectrum.NoDevice, DeviceID: "missing"},
	}}
	rig := newTestEngine(t, backend)
	if err := rig.engine.SelectDevice(context.Background(), "missing"); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}

	err := rig.engine.Start(context.Background())
	if !errors.Is(err, spectrum.ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	if rig.engine.State().Recording {
		t.Fatalf("engine recording after a failed start")
	}

	if err := rig.engine.SelectDevice(context.Background(), "usb"); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	if err := rig.engine.Start(context.Background()); err != nil {
		t.Fatalf("retry with another device: %v", err)
	}
}

func TestSelectDeviceRestartsCapture(t *testing.T) {
	t.Parallel()

	rig := newTestEngine(t, nil)
	first := rig.start(t)
	if err := rig.engine.SelectDevice(context.Background(), "usb"); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	if !first.closed {
		t.Fatalf("previous capture left open")
	}
	state := rig.engine.State()
	if !state.Recording || state.DeviceID != "usb" {
		t.Fatalf("unexpected state %+v", state)
	}
	if _, max, total := rig.backend.openCount(); total != 2 || max != 1 {
		t.Fatalf("opened %d captures, max concurrent %d", total, max)
	}
}

func TestUpdateSettingsPersistsAndPublishes(t *testing.T) {
	t.Parallel()

	rig := newTestEngine(t, nil)
	var published []models.DetectionSettings
	rig.engine.OnSettingsChange(func(s models.DetectionSettings) { published = append(published, s) })

	threshold := 400.0
	high := models.SensitivityHigh
	got, err := rig.engine.UpdateSettings(models.SettingsPatch{BandAThreshold: &threshold, Sensitivity: &high})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if got.BandAThreshold != 255 || got.Sensitivity != high {
		t.Fatalf("patch not applied and normalized: %+v", got)
	}
	stored, _ := rig.store.Load()
	if stored != got {
		t.Fatalf("stored %+v, want %+v", stored, got)
	}
	if len(published) != 1 || published[0] != got {
		t.Fatalf("published %+v", published)
	}
}

func TestCalibrationStoresThresholdsAndRestartsLoop(t *testing.T) {
	t.Parallel()

	rig := newTestEngine(t, &fakeBackend{frames: []*spectrum.Snapshot{constantSnapshot(50)}})
	rig.start(t)

	var mu sync.Mutex
	var progress []float64
	rig.engine.OnCalibrationProgress(func(p float64) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})

	got, err := rig.engine.Calibrate(context.Background())
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if got.BandA != 150 || got.BandB != 130 {
		t.Fatalf("thresholds = %+v, want 150/130", got)
	}
	settings := rig.engine.Settings()
	if settings.BandAThreshold != 150 || settings.BandBThreshold != 130 {
		t.Fatalf("settings not updated: %+v", settings)
	}
	stored, _ := rig.store.Load()
	if stored.BandAThreshold != 150 {
		t.Fatalf("thresholds not persisted")
	}

	state := rig.engine.State()
	if !state.Recording || state.Calibrating {
		t.Fatalf("loop not restarted after calibration: %+v", state)
	}
	if _, max, total := rig.backend.openCount(); max != 1 || total != 3 {
		t.Fatalf("captures opened=%d max concurrent=%d, want 3 and 1", total, max)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(progress) != 10 || progress[9] != 100 {
		t.Fatalf("progress = %v", progress)
	}
}

func TestCalibrationBusyAndCancelledByStop(t *testing.T) {
	t.Parallel()

	// No frames: the first calibration waits until it is cancelled.
	rig := newTestEngine(t, nil)
	rig.start(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := rig.engine.Calibrate(context.Background())
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !rig.engine.State().Calibrating {
		if time.Now().After(deadline) {
			t.Fatalf("calibration never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := rig.engine.Calibrate(context.Background()); !errors.Is(err, threat.ErrDeviceBusy) {
		t.Fatalf("expected ErrDeviceBusy, got %v", err)
	}

	rig.engine.Stop()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("calibration did not end after Stop")
	}

	state := rig.engine.State()
	if state.Recording || state.Calibrating {
		t.Fatalf("engine restarted after a stop during calibration: %+v", state)
	}
	if open, _, _ := rig.backend.openCount(); open != 0 {
		t.Fatalf("%d captures still open", open)
	}
	if rig.engine.Settings() != models.DefaultSettings() {
		t.Fatalf("cancelled calibration changed settings")
	}
}

func TestCalibrationFailureLeavesSettings(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{openErr: map[string]error{"": &spectrum.CaptureError{Kind: spectrum.HardwareFailure}}}
	rig := newTestEngine(t, backend)

	_, err := rig.engine.Calibrate(context.Background())
	if !errors.Is(err, threat.ErrCaptureFailed) {
		t.Fatalf("expected ErrCaptureFailed, got %v", err)
	}
	if rig.engine.Settings() != models.DefaultSettings() {
		t.Fatalf("failed calibration changed settings")
	}
	if rig.engine.State().Calibrating {
		t.Fatalf("calibrating flag left set")
	}
}

func TestCalibrationFailsWhenCaptureGoesQuiet(t *testing.T) {
	t.Parallel()

	rig := newTestEngine(t, &fakeBackend{frames: []*spectrum.Snapshot{constantSnapshot(50)}, limit: 3})

	for attempt := 0; attempt < 2; attempt++ {
		errCh := make(chan error, 1)
		go func() {
			_, err := rig.engine.Calibrate(context.Background())
			errCh <- err
		}()
		select {
		case err := <-errCh:
			if !errors.Is(err, threat.ErrCaptureFailed) {
				t.Fatalf("attempt %d: expected ErrCaptureFailed, got %v", attempt, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d: calibration still running after the capture went quiet", attempt)
		}
		if rig.engine.State().Calibrating {
			t.Fatalf("attempt %d: calibrating flag left set", attempt)
		}
	}

	if open, _, total := rig.backend.openCount(); open != 0 || total != 2 {
		t.Fatalf("open=%d total=%d, want every calibration capture closed", open, total)
	}
	if rig.engine.Settings() != models.DefaultSettings() {
		t.Fatalf("failed calibration changed settings")
	}
}

func TestLoopStopsOnCaptureError(t *testing.T) {
	t.Parallel()

	rig := newTestEngine(t, nil)
	errs := make(chan error, 1)
	rig.engine.OnError(func(err error) { errs <- err })
	src := rig.start(t)

	cause := &spectrum.CaptureError{Kind: spectrum.HardwareFailure, Err: errors.New("no samples received")}
	src.fail(cause)

	select {
	case err := <-errs:
		if !errors.Is(err, spectrum.ErrHardwareFailure) {
			t.Fatalf("observer got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("capture error never reported")
	}
	if state := rig.engine.State(); state.Recording || state.CountermeasureActive {
		t.Fatalf("engine still running after capture failure: %+v", state)
	}
	if open, _, _ := rig.backend.openCount(); open != 0 {
		t.Fatalf("%d captures still open", open)
	}

	if err := rig.engine.Start(context.Background()); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
	if !rig.engine.State().Recording {
		t.Fatalf("engine did not restart")
	}
}

func TestDevicesFallbackAndRefresh(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	rig := newTestEngine(t, backend)

	devices := rig.engine.ListInputDevices()
	if len(devices) != 1 || devices[0] != models.DefaultInputDevice {
		t.Fatalf("expected default fallback, got %+v", devices)
	}

	var published [][]models.InputDevice
	rig.engine.OnDevicesChange(func(d []models.InputDevice) { published = append(published, d) })

	backend.mu.Lock()
	backend.devices = []models.InputDevice{{ID: "usb", Name: "USB Mic"}}
	backend.mu.Unlock()
	rig.engine.RefreshDevices()
	rig.engine.RefreshDevices()
	if len(published) != 1 || published[0][0].ID != "usb" {
		t.Fatalf("published %+v", published)
	}
}

func TestStateObserversSeeTransitions(t *testing.T) {
	t.Parallel()

	rig := newTestEngine(t, nil)
	var states []models.DetectionState
	rig.engine.OnStateChange(func(s models.DetectionState) { states = append(states, s) })

	rig.start(t)
	rig.engine.ProcessFrame(bandASnapshot(0.5, 240))
	rig.engine.ProcessFrame(bandASnapshot(0.5, 240))
	rig.engine.Stop()

	if len(states) != 3 {
		t.Fatalf("got %d state changes, want 3: %+v", len(states), states)
	}
	if !states[0].Recording || !states[1].BandADetected || states[2].Recording {
		t.Fatalf("unexpected transitions %+v", states)
	}
}
