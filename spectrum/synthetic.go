package spectrum

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"sonic-sentinel/audiograph"
	"sonic-sentinel/models"
)

// Burst raises a fraction of the bins in [LowerHz, UpperHz) to Level for
// Duration, starting At into each cycle of the scenario.
type Burst struct {
	LowerHz  float64
	UpperHz  float64
	Fraction float64
	Level    uint8
	At       time.Duration
	Duration time.Duration
}

// Scenario drives the synthetic source. Bursts repeat every Cycle.
type Scenario struct {
	SampleRate float64
	NoiseFloor uint8
	NoiseSpan  uint8
	Cycle      time.Duration
	Bursts     []Burst
}

// DemoScenario alternates a sound-cannon style broadband burst with a
// weaker high-band burst over a 30 second cycle.
func DemoScenario() Scenario {
	return Scenario{
		SampleRate: 48000,
		NoiseFloor: 40,
		NoiseSpan:  50,
		Cycle:      30 * time.Second,
		Bursts: []Burst{
			{LowerHz: 2000, UpperHz: 10000, Fraction: 0.45, Level: 235, At: 8 * time.Second, Duration: 5 * time.Second},
			{LowerHz: 10000, UpperHz: 20000, Fraction: 0.3, Level: 225, At: 20 * time.Second, Duration: 4 * time.Second},
		},
	}
}

// SyntheticBackend produces spectra from a Scenario instead of a device.
type SyntheticBackend struct {
	Scenario Scenario
	Devices  []models.InputDevice
}

func NewSyntheticBackend(s Scenario) *SyntheticBackend {
	return &SyntheticBackend{
		Scenario: s,
		Devices:  []models.InputDevice{{ID: "synthetic", Name: "Synthetic Input", DefaultSampleRate: s.SampleRate}},
	}
}

func (b *SyntheticBackend) ListInputDevices() ([]models.InputDevice, error) {
	return append([]models.InputDevice(nil), b.Devices...), nil
}

func (b *SyntheticBackend) Open(_ context.Context, deviceID string, c Constraints) (Source, error) {
	if err := c.validate(deviceID); err != nil {
		return nil, err
	}
	c = c.withDefaults()
	if !ValidFFTSize(c.FFTSize) {
		return nil, &CaptureError{Kind: HardwareFailure, DeviceID: deviceID, Err: fmt.Errorf("unsupported fft size %d", c.FFTSize)}
	}
	sampleRate := b.Scenario.SampleRate
	if c.SampleRate > 0 {
		sampleRate = c.SampleRate
	}
	return &syntheticSource{
		scenario:   b.Scenario,
		sampleRate: sampleRate,
		bins:       c.FFTSize / 2,
		started:    time.Now(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

type syntheticSource struct {
	mu         sync.Mutex
	scenario   Scenario
	sampleRate float64
	bins       int
	started    time.Time
	rng        *rand.Rand
	gain       *audiograph.Param
	closed     bool
}

func (s *syntheticSource) Now() float64 {
	return time.Since(s.started).Seconds()
}

func (s *syntheticSource) Pull() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	elapsed := time.Since(s.started)
	snap := Render(s.scenario, s.sampleRate, s.bins, elapsed, s.rng)

	if s.gain != nil {
		g := s.gain.ValueAt(elapsed.Seconds())
		applyGain(snap.Bins, g)
	}
	return snap
}

// Render builds the spectrum the scenario prescribes at elapsed.
func Render(sc Scenario, sampleRate float64, bins int, elapsed time.Duration, rng *rand.Rand) *Snapshot {
	out := make([]uint8, bins)
	for i := range out {
		v := int(sc.NoiseFloor)
		if sc.NoiseSpan > 0 {
			v += rng.Intn(int(sc.NoiseSpan))
		}
		out[i] = uint8(min(v, 255))
	}

	pos := elapsed
	if sc.Cycle > 0 {
		pos = elapsed % sc.Cycle
	}
	binSize := sampleRate / float64(2*bins)
	for _, b := range sc.Bursts {
		if pos < b.At || pos >= b.At+b.Duration {
			continue
		}
		start := int(math.Floor(b.LowerHz / binSize))
		end := min(int(math.Floor(b.UpperHz/binSize)), bins)
		width := end - start
		if width <= 0 {
			continue
		}
		lit := int(math.Ceil(float64(width) * b.Fraction))
		for _, idx := range rng.Perm(width)[:min(lit, width)] {
			out[start+idx] = b.Level
		}
	}

	return &Snapshot{Bins: out, SampleRate: sampleRate, CapturedAt: time.Now()}
}

// applyGain shifts byte magnitudes by the gain expressed in decibels.
func applyGain(bins []uint8, gain float64) {
	if gain >= 1 {
		return
	}
	if gain <= 0 {
		clear(bins)
		return
	}
	shift := 20 * math.Log10(gain) * 255 / (MaxDecibels - MinDecibels)
	for i, v := range bins {
		bins[i] = uint8(math.Max(0, float64(v)+shift))
	}
}

func (s *syntheticSource) InsertGain(gain *audiograph.Param) {
	s.mu.Lock()
	s.gain = gain
	s.mu.Unlock()
}

func (s *syntheticSource) RemoveGain() {
	s.mu.Lock()
	s.gain = nil
	s.mu.Unlock()
}

func (s *syntheticSource) Err() error { return nil }

func (s *syntheticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
