// Package countermeasure runs the audible response to a detected threat:
// a softened microphone restore, an alert sequence and a waveform
// generator, all owned by one Instance per activation.
package countermeasure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sonic-sentinel/audiograph"
	"sonic-sentinel/models"
	"sonic-sentinel/utils"
)

const (
	// InputRestore is how long the microphone gain takes to ramp back to 1.
	InputRestore = 5 * time.Second
	// FadeOut is applied to the generator and cues on deactivation.
	FadeOut = 300 * time.Millisecond

	DefaultWarningText = "Warning. Harmful frequency activity detected. Countermeasures are active."
)

type Trigger string

const (
	TriggerAuto   Trigger = "auto"
	TriggerManual Trigger = "manual"
)

// InputPath is the microphone pipeline the temporary gain stage is
// inserted into. spectrum.Source satisfies it.
type InputPath interface {
	Now() float64
	InsertGain(gain *audiograph.Param)
	RemoveGain()
}

// Speaker speaks text, returning when playback finished or ctx is done.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// CueLoader loads an audio cue by path.
type CueLoader func(path string) (*audiograph.Buffer, error)

type Assets struct {
	AlertCue      string
	NeutralizeCue string
	WarningText   string
}

// Instance owns every resource of one activation. It is built in Activate
// and dropped entirely in Deactivate.
type Instance struct {
	trigger      Trigger
	activatedAt  time.Time
	input        InputPath
	inputGain    *audiograph.Param
	restoreUntil float64

	alert      *audiograph.Player
	neutralize *audiograph.Player
	cueVoices  []*audiograph.Voice

	oscillators []*audiograph.Oscillator
	master      *audiograph.Gain
	masterVoice *audiograph.Voice

	speechCtx    context.Context
	cancelSpeech context.CancelFunc
}

// cachedCue is a cue decoded once at construction, or the error that
// prevented it.
type cachedCue struct {
	buf *audiograph.Buffer
	err error
}

type Controller struct {
	mu            sync.Mutex
	output        *audiograph.Output
	speaker       Speaker
	loadCue       CueLoader
	assets        Assets
	alertCue      cachedCue
	neutralizeCue cachedCue
	logger        *slog.Logger
	onIssue       func(error)
	instance      *Instance
}

func WithLogger(logger *slog.Logger) func(c *Controller) {
	return func(c *Controller) {
		c.logger = logger.With(slog.String("component", "countermeasure"))
	}
}

func WithSpeaker(s Speaker) func(c *Controller) {
	return func(c *Controller) {
		c.speaker = s
	}
}

func WithAssets(a Assets) func(c *Controller) {
	return func(c *Controller) {
		c.assets = a
	}
}

func WithCueLoader(l CueLoader) func(c *Controller) {
	return func(c *Controller) {
		c.loadCue = l
	}
}

// WithIssueHandler receives every non-fatal stage failure.
func WithIssueHandler(fn func(error)) func(c *Controller) {
	return func(c *Controller) {
		c.onIssue = fn
	}
}

func NewController(output *audiograph.Output, options ...func(c *Controller)) *Controller {
	c := &Controller{
		output:  output,
		loadCue: audiograph.LoadWAV,
		logger:  utils.DiscardLogger(),
		assets:  Assets{WarningText: DefaultWarningText},
	}
	for _, option := range options {
		option(c)
	}
	if c.assets.WarningText == "" {
		c.assets.WarningText = DefaultWarningText
	}
	// Activate runs under the engine's frame lock, so cues are decoded here
	// and never on the activation path.
	c.alertCue = c.preload(c.assets.AlertCue, "alert")
	c.neutralizeCue = c.preload(c.assets.NeutralizeCue, "neutralize")
	return c
}

func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance != nil
}

// Trigger reports how the current activation started.
func (c *Controller) Trigger() (Trigger, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instance == nil {
		return "", false
	}
	return c.instance.trigger, true
}

// Settling is true while the microphone gain is still ramping back up.
func (c *Controller) Settling() bool {
	c.mu.Lock()
	inst := c.instance
	c.mu.Unlock()
	if inst == nil || inst.input == nil {
		return false
	}
	return inst.input.Now() < inst.restoreUntil
}

// Activate moves Idle to Active. It returns false and does nothing when a
// countermeasure is already running.
func (c *Controller) Activate(trigger Trigger, settings models.DetectionSettings, input InputPath) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.instance != nil {
		return false
	}

	inst := &Instance{trigger: trigger, activatedAt: time.Now()}
	inst.speechCtx, inst.cancelSpeech = context.WithCancel(context.Background())

	if input != nil {
		now := input.Now()
		inst.input = input
		inst.inputGain = audiograph.NewParam(0)
		inst.inputGain.SetValueAtTime(0, now)
		inst.inputGain.LinearRampToValueAtTime(1, now+InputRestore.Seconds())
		inst.restoreUntil = now + InputRestore.Seconds()
		input.InsertGain(inst.inputGain)
	}

	now := c.output.Now()
	inst.oscillators, inst.master = buildGenerator(settings, now)
	inst.masterVoice = c.output.Connect(inst.master)

	c.instance = inst
	c.startAlertLocked(inst, settings.AlertVolume, now)

	c.logger.Info("countermeasure activated",
		slog.String("trigger", string(trigger)),
		slog.String("profile", string(settings.CountermeasureProfile)),
		slog.Int("oscillators", len(inst.oscillators)),
	)
	return true
}

func (c *Controller) startAlertLocked(inst *Instance, volume, now float64) {
	buf, err := c.alertCue.buf, c.alertCue.err
	if err != nil {
		c.report(err)
		c.startFollowUpLocked(inst, volume)
		return
	}
	inst.alert = audiograph.NewPlayer(buf, volume)
	inst.alert.OnEnded(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.instance != inst {
			return
		}
		c.startFollowUpLocked(inst, volume)
	})
	inst.alert.Start(now)
	inst.cueVoices = append(inst.cueVoices, c.output.Connect(inst.alert))
}

// startFollowUpLocked queues the spoken warning and starts the
// neutralizing cue; each may fail without affecting the other.
func (c *Controller) startFollowUpLocked(inst *Instance, volume float64) {
	c.speakAsync(inst)

	buf, err := c.neutralizeCue.buf, c.neutralizeCue.err
	if err != nil {
		c.report(err)
		return
	}
	inst.neutralize = audiograph.NewPlayer(buf, volume)
	inst.neutralize.Start(c.output.Now())
	inst.cueVoices = append(inst.cueVoices, c.output.Connect(inst.neutralize))
}

func (c *Controller) speakAsync(inst *Instance) {
	if c.speaker == nil {
		c.report(&CountermeasureError{Kind: SynthesisUnsupported, Stage: "speech", Err: errors.New("no speech synthesizer configured")})
		return
	}
	ctx := inst.speechCtx
	text := c.assets.WarningText
	go func() {
		err := c.speaker.Speak(ctx, text)
		if err == nil || ctx.Err() != nil {
			return
		}
		var cmErr *CountermeasureError
		if !errors.As(err, &cmErr) {
			err = &CountermeasureError{Kind: SynthesisUnsupported, Stage: "speech", Err: err}
		}
		c.report(err)
	}()
}

func (c *Controller) preload(path, stage string) cachedCue {
	if path == "" {
		return cachedCue{err: &CountermeasureError{Kind: AssetUnavailable, Stage: stage, Err: errors.New("no asset configured")}}
	}
	buf, err := c.loadCue(path)
	if err != nil {
		c.logger.Warn("countermeasure cue unavailable", slog.String("stage", stage), slog.String("path", path), slog.Any("error", err))
		return cachedCue{err: &CountermeasureError{Kind: AssetUnavailable, Stage: stage, Err: err}}
	}
	return cachedCue{buf: buf}
}

func (c *Controller) report(err error) {
	c.logger.Warn("countermeasure stage skipped", slog.Any("error", err))
	if c.onIssue != nil {
		c.onIssue(err)
	}
}

// Deactivate moves Active to Idle. Every teardown step runs even if an
// earlier one fails; failures are logged, never returned.
func (c *Controller) Deactivate() {
	c.mu.Lock()
	inst := c.instance
	c.instance = nil
	c.mu.Unlock()

	if inst == nil {
		return
	}

	now := c.output.Now()
	fadeEnd := now + FadeOut.Seconds()

	c.guard("cancel speech", func() {
		inst.cancelSpeech()
	})
	c.guard("stop oscillators", func() {
		for _, osc := range inst.oscillators {
			osc.Stop(fadeEnd)
		}
	})
	c.guard("stop cues", func() {
		for _, p := range []*audiograph.Player{inst.alert, inst.neutralize} {
			if p != nil {
				p.Stop()
			}
		}
		for _, v := range inst.cueVoices {
			c.output.Disconnect(v, 0)
		}
	})
	c.guard("fade generator", func() {
		c.output.Disconnect(inst.masterVoice, FadeOut)
	})
	c.guard("restore input", func() {
		if inst.input != nil {
			inst.input.RemoveGain()
		}
	})

	c.logger.Info("countermeasure deactivated",
		slog.String("trigger", string(inst.trigger)),
		slog.Duration("active", time.Since(inst.activatedAt)),
	)
}

func (c *Controller) guard(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("countermeasure teardown step failed",
				slog.String("step", step),
				slog.Any("error", fmt.Errorf("panic: %v", r)),
			)
		}
	}()
	fn()
}
