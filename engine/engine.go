// Package engine owns the detection loop: it pulls spectra from a capture
// source, classifies them, drives the countermeasure on edges, records
// history and publishes state to observers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"

	"sonic-sentinel/audiograph"
	"sonic-sentinel/countermeasure"
	"sonic-sentinel/detections"
	"sonic-sentinel/models"
	"sonic-sentinel/preferences"
	"sonic-sentinel/reports"
	"sonic-sentinel/spectrum"
	"sonic-sentinel/threat"
	"sonic-sentinel/utils"
)

const DefaultFrameRate = 60

type Config struct {
	FrameRate   int
	DeviceID    string
	Constraints spectrum.Constraints
}

func DefaultConfig() Config {
	return Config{
		FrameRate:   DefaultFrameRate,
		Constraints: spectrum.RawConstraints(),
	}
}

type Engine struct {
	// lifecycle serializes Start, Stop, Calibrate and SelectDevice so the
	// main loop and calibration never hold the device at the same time.
	lifecycle sync.Mutex
	// settingsMu serializes settings writers so saves land in order.
	settingsMu sync.Mutex

	mu          sync.Mutex
	cfg         Config
	settings    models.DetectionSettings
	state       models.DetectionState
	source      spectrum.Source
	latest      *spectrum.Snapshot
	devices     []models.InputDevice
	cancel      context.CancelFunc
	done        chan struct{}
	calibrating bool
	calCancel   context.CancelFunc
	resume      bool

	backend    spectrum.Backend
	store      preferences.Store
	controller *countermeasure.Controller
	history    *detections.History
	dispatcher *reports.Dispatcher
	calibrator *threat.Calibrator
	logger     *slog.Logger
	now        func() time.Time

	obsMu       sync.RWMutex
	stateObs    []func(models.DetectionState)
	settingsObs []func(models.DetectionSettings)
	devicesObs  []func([]models.InputDevice)
	progressObs []func(float64)
	errorObs    []func(error)
}

func WithLogger(logger *slog.Logger) func(e *Engine) {
	return func(e *Engine) {
		e.logger = logger.With(slog.String("component", "engine"))
	}
}

func WithConfig(cfg Config) func(e *Engine) {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

func WithPreferences(store preferences.Store) func(e *Engine) {
	return func(e *Engine) {
		e.store = store
	}
}

func WithController(c *countermeasure.Controller) func(e *Engine) {
	return func(e *Engine) {
		e.controller = c
	}
}

func WithHistory(h *detections.History) func(e *Engine) {
	return func(e *Engine) {
		e.history = h
	}
}

func WithDispatcher(d *reports.Dispatcher) func(e *Engine) {
	return func(e *Engine) {
		e.dispatcher = d
	}
}

func WithCalibrator(c *threat.Calibrator) func(e *Engine) {
	return func(e *Engine) {
		e.calibrator = c
	}
}

func WithClock(now func() time.Time) func(e *Engine) {
	return func(e *Engine) {
		e.now = now
	}
}

// New builds an idle engine. Preferences that fail to load are replaced by
// defaults.
func New(backend spectrum.Backend, options ...func(e *Engine)) *Engine {
	e := &Engine{
		backend: backend,
		cfg:     DefaultConfig(),
		logger:  utils.DiscardLogger(),
		now:     time.Now,
	}
	for _, option := range options {
		option(e)
	}

	if e.cfg.FrameRate <= 0 {
		e.cfg.FrameRate = DefaultFrameRate
	}
	if e.store == nil {
		e.store = &preferences.MemoryStore{}
	}
	if e.controller == nil {
		e.controller = countermeasure.NewController(audiograph.NewOutput(0))
	}
	if e.history == nil {
		e.history = detections.NewHistory(detections.DefaultCapacity)
	}
	if e.dispatcher == nil {
		e.dispatcher = reports.NewDispatcher(reports.NopSink{}, nil)
	}
	if e.calibrator == nil {
		e.calibrator = threat.NewCalibrator()
	}

	settings, err := e.store.Load()
	if err != nil {
		e.logger.Warn("preferences unreadable, using defaults", slog.Any("error", err))
		settings = models.DefaultSettings()
	}
	e.settings = settings.Normalize()
	e.state.DeviceID = e.cfg.DeviceID
	return e
}

func (e *Engine) State() models.DetectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Settings() models.DetectionSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

func (e *Engine) History() []models.DetectionEvent {
	return e.history.Snapshot()
}

func (e *Engine) ClearHistory() {
	e.history.Clear()
	e.logger.Info("detection history cleared")
}

// LatestSnapshot is the last processed spectrum, nil when stopped.
func (e *Engine) LatestSnapshot() *spectrum.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

func (e *Engine) DeviceID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.DeviceID
}

// Start opens the selected device and runs the frame loop. It is a no-op
// while recording. During a calibration the request is remembered and the
// loop starts once calibration ends.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.calibrating {
		e.resume = true
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	return e.startLocked(ctx)
}

func (e *Engine) startLocked(ctx context.Context) error {
	e.mu.Lock()
	if e.state.Recording {
		e.mu.Unlock()
		return nil
	}
	deviceID := e.cfg.DeviceID
	constraints := e.cfg.Constraints
	e.mu.Unlock()

	src, err := e.backend.Open(ctx, deviceID, constraints)
	if err != nil {
		e.logger.Error("capture failed to start", slog.String("device", deviceID), slog.Any("error", xerrors.New(err)))
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.mu.Lock()
	prev := e.state
	e.source = src
	e.cancel = cancel
	e.done = done
	e.state.Recording = true
	next := e.state
	e.mu.Unlock()

	go e.run(loopCtx, src, done)

	e.logger.Info("detection started", slog.String("device", deviceID), slog.Int("frame_rate", e.cfg.FrameRate))
	e.publishState(prev, next)
	return nil
}

func (e *Engine) run(ctx context.Context, src spectrum.Source, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(e.cfg.FrameRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := src.Err(); err != nil {
			go e.captureFailed(src, err)
			return
		}
		if snap := src.Pull(); snap != nil {
			e.ProcessFrame(snap)
		}
	}
}

// captureFailed tears down a loop whose source broke and reports the error,
// unless the source was already replaced or stopped.
func (e *Engine) captureFailed(src spectrum.Source, err error) {
	e.lifecycle.Lock()
	e.mu.Lock()
	current := e.source == src
	e.mu.Unlock()
	if current {
		e.stopLocked()
	}
	e.lifecycle.Unlock()

	if !current {
		return
	}
	e.logger.Error("capture failed, detection stopped", slog.Any("error", xerrors.New(err)))
	e.notifyError(err)
}

// Stop tears down the loop, the capture stream and any countermeasure and
// resets the detection state. It also cancels an in-flight calibration.
func (e *Engine) Stop() {
	e.mu.Lock()
	calCancel := e.calCancel
	e.resume = false
	e.mu.Unlock()
	if calCancel != nil {
		calCancel()
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	e.controller.Deactivate()

	e.mu.Lock()
	src := e.source
	e.source = nil
	e.latest = nil
	prev := e.state
	e.state = models.DetectionState{Calibrating: e.calibrating, DeviceID: e.cfg.DeviceID}
	next := e.state
	e.mu.Unlock()

	if src != nil {
		if err := src.Close(); err != nil {
			e.logger.Warn("closing capture failed", slog.Any("error", err))
		}
		e.logger.Info("detection stopped")
	}
	e.publishState(prev, next)
}

// ProcessFrame classifies one spectrum and applies the resulting edges.
// Frames arriving while stopped are ignored.
func (e *Engine) ProcessFrame(snap *spectrum.Snapshot) {
	if snap == nil {
		return
	}

	e.mu.Lock()
	if !e.state.Recording {
		e.mu.Unlock()
		return
	}
	e.latest = snap
	settings := e.settings
	result := threat.Classify(snap, settings)

	prev := e.state
	next := prev
	next.BandADetected = result.BandA.Detected
	next.BandBDetected = result.BandB.Detected
	if e.controller.Settling() {
		// The input is still fading back in after activation; a quiet
		// frame here is the gain stage, not the threat ending.
		next.BandADetected = next.BandADetected || prev.BandADetected
		next.BandBDetected = next.BandBDetected || prev.BandBDetected
	}

	risingA := next.BandADetected && !prev.BandADetected
	risingB := next.BandBDetected && !prev.BandBDetected

	if (risingA || risingB) && settings.AutoActivateCountermeasures {
		var input countermeasure.InputPath
		if e.source != nil {
			input = e.source
		}
		e.controller.Activate(countermeasure.TriggerAuto, settings, input)
	}
	if !next.BandADetected && !next.BandBDetected {
		if trigger, ok := e.controller.Trigger(); ok && trigger == countermeasure.TriggerAuto {
			e.controller.Deactivate()
		}
	}
	next.CountermeasureActive = e.controller.Active()

	var events []models.DetectionEvent
	for _, edge := range []struct {
		rising bool
		band   models.Band
	}{{risingA, models.BandA}, {risingB, models.BandB}} {
		if !edge.rising {
			continue
		}
		events = append(events, models.DetectionEvent{
			ID:                      utils.GenerateUniqueID(),
			Band:                    edge.band,
			Timestamp:               e.now(),
			IntensityPercent:        result.Get(edge.band).IntensityPercent,
			CountermeasureActivated: next.CountermeasureActive,
		})
	}
	e.state = next
	e.mu.Unlock()

	for _, ev := range events {
		e.logger.Info("threat detected",
			slog.String("band", string(ev.Band)),
			slog.Float64("intensity", ev.IntensityPercent),
			slog.Bool("countermeasure", ev.CountermeasureActivated),
		)
		e.record(ev, settings)
	}
	e.publishState(prev, next)
}

func (e *Engine) record(ev models.DetectionEvent, settings models.DetectionSettings) {
	e.history.Append(ev)
	if reports.ShouldForward(ev, settings) {
		e.dispatcher.Forward(ev, settings)
	}
}

// ManuallyActivate starts the countermeasure regardless of the detection
// state. A manual activation is held until ManuallyDeactivate.
func (e *Engine) ManuallyActivate() bool {
	e.mu.Lock()
	settings := e.settings
	var input countermeasure.InputPath
	if e.source != nil {
		input = e.source
	}
	if !e.controller.Activate(countermeasure.TriggerManual, settings, input) {
		e.mu.Unlock()
		return false
	}
	prev := e.state
	e.state.CountermeasureActive = true
	next := e.state
	e.mu.Unlock()

	e.logger.Info("countermeasure activated manually")
	e.record(models.DetectionEvent{
		ID:                      utils.GenerateUniqueID(),
		Band:                    models.BandManual,
		Timestamp:               e.now(),
		CountermeasureActivated: true,
	}, settings)
	e.publishState(prev, next)
	return true
}

func (e *Engine) ManuallyDeactivate() {
	e.mu.Lock()
	e.controller.Deactivate()
	prev := e.state
	e.state.CountermeasureActive = false
	next := e.state
	e.mu.Unlock()

	e.publishState(prev, next)
}

// UpdateSettings applies patch, persists the result and publishes it. The
// new settings stay in effect even if persisting fails.
func (e *Engine) UpdateSettings(patch models.SettingsPatch) (models.DetectionSettings, error) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()

	e.mu.Lock()
	next := patch.Apply(e.settings)
	e.settings = next
	e.mu.Unlock()

	var err error
	if saveErr := e.store.Save(next); saveErr != nil {
		err = fmt.Errorf("persisting settings: %w", saveErr)
		e.logger.Error("settings not persisted", slog.Any("error", xerrors.New(saveErr)))
	}

	e.obsMu.RLock()
	observers := e.settingsObs
	e.obsMu.RUnlock()
	for _, fn := range observers {
		fn(next)
	}
	return next, err
}

// Calibrate measures ambient noise on the selected device and stores the
// derived thresholds. The main loop is stopped for the duration and
// restarted afterwards if it was running, unless Stop was called.
func (e *Engine) Calibrate(ctx context.Context) (threat.Thresholds, error) {
	e.lifecycle.Lock()
	e.mu.Lock()
	if e.calibrating {
		e.mu.Unlock()
		e.lifecycle.Unlock()
		return threat.Thresholds{}, &threat.CalibrationError{Kind: threat.DeviceBusy, Err: errors.New("calibration already running")}
	}
	calCtx, cancel := context.WithCancel(ctx)
	e.calibrating = true
	e.calCancel = cancel
	wasRecording := e.state.Recording
	e.resume = wasRecording
	e.mu.Unlock()

	e.stopLocked()

	e.mu.Lock()
	deviceID := e.cfg.DeviceID
	constraints := e.cfg.Constraints
	e.mu.Unlock()
	e.lifecycle.Unlock()

	e.logger.Info("calibration started", slog.String("device", deviceID), slog.Bool("was_recording", wasRecording))
	thresholds, err := e.calibrate(calCtx, deviceID, constraints)
	cancel()

	if err == nil {
		_, err = e.UpdateSettings(models.SettingsPatch{BandAThreshold: &thresholds.BandA, BandBThreshold: &thresholds.BandB})
	}

	e.lifecycle.Lock()
	e.mu.Lock()
	resume := e.resume
	e.calibrating = false
	e.calCancel = nil
	e.resume = false
	prev := e.state
	e.state.Calibrating = false
	next := e.state
	e.mu.Unlock()
	e.publishState(prev, next)

	if resume {
		if startErr := e.startLocked(context.Background()); startErr != nil {
			e.notifyError(startErr)
		}
	}
	e.lifecycle.Unlock()

	if err != nil {
		e.logger.Warn("calibration failed", slog.Any("error", err))
		return threat.Thresholds{}, err
	}
	e.logger.Info("calibration finished",
		slog.Float64("band_a_threshold", thresholds.BandA),
		slog.Float64("band_b_threshold", thresholds.BandB),
	)
	return thresholds, nil
}

func (e *Engine) calibrate(ctx context.Context, deviceID string, constraints spectrum.Constraints) (threat.Thresholds, error) {
	e.mu.Lock()
	prev := e.state
	e.state.Calibrating = true
	next := e.state
	e.mu.Unlock()
	e.publishState(prev, next)

	src, err := e.backend.Open(ctx, deviceID, constraints)
	if err != nil {
		return threat.Thresholds{}, &threat.CalibrationError{Kind: threat.CaptureFailed, Err: err}
	}
	defer func() {
		if err := src.Close(); err != nil {
			e.logger.Warn("closing calibration capture failed", slog.Any("error", err))
		}
	}()

	return e.calibrator.Run(ctx, src, e.publishProgress)
}

// ListInputDevices enumerates inputs and caches the result.
func (e *Engine) ListInputDevices() []models.InputDevice {
	devices := spectrum.ListInputDevices(e.backend)
	e.mu.Lock()
	e.devices = devices
	e.mu.Unlock()
	return devices
}

// RefreshDevices re-enumerates and publishes when the list changed.
func (e *Engine) RefreshDevices() []models.InputDevice {
	e.mu.Lock()
	before := e.devices
	e.mu.Unlock()

	devices := e.ListInputDevices()
	if !sameDevices(before, devices) {
		e.publishDevices(devices)
	}
	return devices
}

// WatchDevices re-runs enumeration whenever the device list changes, until
// ctx is done.
func (e *Engine) WatchDevices(ctx context.Context, interval time.Duration) {
	spectrum.WatchDevices(ctx, e.backend, interval, func([]models.InputDevice) {
		e.logger.Info("input devices changed")
		e.RefreshDevices()
	})
}

// SelectDevice switches the capture device, restarting capture if it was
// running.
func (e *Engine) SelectDevice(ctx context.Context, deviceID string) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.cfg.DeviceID == deviceID {
		e.mu.Unlock()
		return nil
	}
	wasRecording := e.state.Recording
	e.cfg.DeviceID = deviceID
	prev := e.state
	e.state.DeviceID = deviceID
	next := e.state
	e.mu.Unlock()

	e.logger.Info("input device selected", slog.String("device", deviceID))
	if !wasRecording {
		e.publishState(prev, next)
		return nil
	}
	e.stopLocked()
	return e.startLocked(ctx)
}

// ReportIssue publishes a non-fatal error to error observers without
// blocking the caller.
func (e *Engine) ReportIssue(err error) {
	go e.notifyError(err)
}

func (e *Engine) OnStateChange(fn func(models.DetectionState)) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.stateObs = append(e.stateObs, fn)
}

func (e *Engine) OnHistoryAppend(fn func(models.DetectionEvent)) {
	e.history.Subscribe(fn)
}

func (e *Engine) OnSettingsChange(fn func(models.DetectionSettings)) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.settingsObs = append(e.settingsObs, fn)
}

func (e *Engine) OnDevicesChange(fn func([]models.InputDevice)) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.devicesObs = append(e.devicesObs, fn)
}

func (e *Engine) OnCalibrationProgress(fn func(percent float64)) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.progressObs = append(e.progressObs, fn)
}

func (e *Engine) OnError(fn func(error)) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.errorObs = append(e.errorObs, fn)
}

func (e *Engine) publishState(prev, next models.DetectionState) {
	if prev == next {
		return
	}
	e.obsMu.RLock()
	observers := e.stateObs
	e.obsMu.RUnlock()
	for _, fn := range observers {
		fn(next)
	}
}

func (e *Engine) publishDevices(devices []models.InputDevice) {
	e.obsMu.RLock()
	observers := e.devicesObs
	e.obsMu.RUnlock()
	for _, fn := range observers {
		fn(devices)
	}
}

func (e *Engine) publishProgress(percent float64) {
	e.obsMu.RLock()
	observers := e.progressObs
	e.obsMu.RUnlock()
	for _, fn := range observers {
		fn(percent)
	}
}

func (e *Engine) notifyError(err error) {
	e.obsMu.RLock()
	observers := e.errorObs
	e.obsMu.RUnlock()
	for _, fn := range observers {
		fn(err)
	}
}

func sameDevices(a, b []models.InputDevice) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
