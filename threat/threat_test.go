package threat

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"sonic-sentinel/audiograph"
	"sonic-sentinel/models"
	"sonic-sentinel/spectrum"
)

const testSampleRate = 48000.0

func constantSnapshot(value uint8) *spectrum.Snapshot {
	bins := make([]uint8, spectrum.DefaultFFTSize/2)
	for i := range bins {
		bins[i] = value
	}
	return &spectrum.Snapshot{Bins: bins, SampleRate: testSampleRate}
}

// bandSnapshot sets the first fraction of band's bins to value, the rest to 0.
func bandSnapshot(band BandSpec, fraction float64, value uint8) *spectrum.Snapshot {
	s := constantSnapshot(0)
	start, end := band.BinRange(s)
	lit := int(math.Round(float64(end-start) * fraction))
	for i := start; i < start+lit; i++ {
		s.Bins[i] = value
	}
	return s
}

func TestClassifyFullBandExceedance(t *testing.T) {
	t.Parallel()

	settings := models.DefaultSettings()
	got := Classify(constantSnapshot(255), settings)
	for _, c := range []Classification{got.BandA, got.BandB} {
		if !c.Detected || c.IntensityPercent != 100 {
			t.Fatalf("expected detected at 100%%, got %+v", c)
		}
	}
}

func TestClassifyNoExceedance(t *testing.T) {
	t.Parallel()

	got := Classify(constantSnapshot(100), models.DefaultSettings())
	if got.BandA.Detected || got.BandA.IntensityPercent != 0 {
		t.Fatalf("band A: %+v", got.BandA)
	}
	if got.BandB.Detected || got.BandB.IntensityPercent != 0 {
		t.Fatalf("band B: %+v", got.BandB)
	}
}

func TestClassifyFortyPercentAtThreshold(t *testing.T) {
	t.Parallel()

	s := constantSnapshot(0)
	start, end := BandA.BinRange(s)
	width := end - start
	lit := width * 2 / 5
	for i := start; i < start+lit; i++ {
		s.Bins[i] = 220
	}

	got := Classify(s, models.DefaultSettings())
	if !got.BandA.Detected {
		t.Fatalf("band A not detected at 40%%")
	}
	want := float64(lit) * 100 / float64(width)
	if got.BandA.IntensityPercent != want || math.Abs(want-40) > 0.1 {
		t.Fatalf("intensity = %v, want %v (~40)", got.BandA.IntensityPercent, want)
	}
	if got.BandB.Detected {
		t.Fatalf("band B should stay clear")
	}
}

func TestClassifyThresholdIsStrict(t *testing.T) {
	t.Parallel()

	got := Classify(constantSnapshot(200), models.DefaultSettings())
	if got.BandA.Detected {
		t.Fatalf("bins equal to the threshold must not count")
	}
}

func TestClassifyTriggerRatioIsStrict(t *testing.T) {
	t.Parallel()

	s := constantSnapshot(0)
	start, _ := BandA.BinRange(s)
	// 1365 bins wide at 48 kHz / 8192; 409.5 would be exactly 30%.
	for i := start; i < start+409; i++ {
		s.Bins[i] = 255
	}
	if Classify(s, models.DefaultSettings()).BandA.Detected {
		t.Fatalf("29.96%% must not trigger band A")
	}
	s.Bins[start+409] = 255
	if !Classify(s, models.DefaultSettings()).BandA.Detected {
		t.Fatalf("30.04%% must trigger band A")
	}
}

func TestClassifyEmptyRangeAfterClamping(t *testing.T) {
	t.Parallel()

	// Nyquist at 8 kHz: band B starts beyond the last bin.
	s := &spectrum.Snapshot{Bins: make([]uint8, 512), SampleRate: 16000}
	for i := range s.Bins {
		s.Bins[i] = 255
	}
	got := Classify(s, models.DefaultSettings())
	if got.BandB.Detected || got.BandB.IntensityPercent != 0 {
		t.Fatalf("band B over an empty range: %+v", got.BandB)
	}
	if !got.BandA.Detected {
		t.Fatalf("band A should use the clamped range")
	}
}

func TestClassifySensitivityIsMonotonic(t *testing.T) {
	t.Parallel()

	levels := []models.Sensitivity{models.SensitivityLow, models.SensitivityMedium, models.SensitivityHigh}
	for value := 120; value <= 255; value += 15 {
		for _, fraction := range []float64{0.1, 0.25, 0.35, 0.6, 1} {
			s := bandSnapshot(BandA, fraction, uint8(value))
			prev := false
			for _, level := range levels {
				settings := models.DefaultSettings()
				settings.Sensitivity = level
				got := Classify(s, settings).BandA.Detected
				if prev && !got {
					t.Fatalf("value=%d fraction=%.2f: raising sensitivity to %s cleared a detection", value, fraction, level)
				}
				prev = got
			}
		}
	}
}

func TestEffectiveThresholdFallsAsSensitivityRises(t *testing.T) {
	t.Parallel()

	low := EffectiveThreshold(130, models.SensitivityLow)
	medium := EffectiveThreshold(130, models.SensitivityMedium)
	high := EffectiveThreshold(130, models.SensitivityHigh)
	if !(low > medium && medium > high) {
		t.Fatalf("thresholds low=%v medium=%v high=%v, want strictly falling", low, medium, high)
	}
	if medium != 130 || math.Abs(high-100) > 1e-9 {
		t.Fatalf("medium=%v high=%v, want 130 and 100", medium, high)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	t.Parallel()

	s := bandSnapshot(BandB, 0.5, 230)
	first := Classify(s, models.DefaultSettings())
	for i := 0; i < 10; i++ {
		if Classify(s, models.DefaultSettings()) != first {
			t.Fatalf("classification changed between identical calls")
		}
	}
}

func TestBandsAreDisjoint(t *testing.T) {
	t.Parallel()

	s := constantSnapshot(0)
	_, aEnd := BandA.BinRange(s)
	bStart, _ := BandB.BinRange(s)
	if bStart < aEnd {
		t.Fatalf("band ranges overlap: A ends at %d, B starts at %d", aEnd, bStart)
	}
}

// scriptedSource replays frames, repeating the last one. With limit set it
// returns nil once limit frames were handed out.
type scriptedSource struct {
	mu     sync.Mutex
	frames []*spectrum.Snapshot
	pulls  int
	served int
	limit  int
	err    error
}

func (s *scriptedSource) Pull() *spectrum.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls++
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

func (s *scriptedSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *scriptedSource) Now() float64 { return 0 }
func (s *scriptedSource) InsertGain(*audiograph.Param) {}
func (s *scriptedSource) RemoveGain() {}
func (s *scriptedSource) Close() error { return nil }

func TestCalibratorConstantNoise(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{frames: []*spectrum.Snapshot{constantSnapshot(50)}}
	c := &Calibrator{Samples: 10, Interval: time.Millisecond}

	var progress []float64
	got, err := c.Run(context.Background(), src, func(p float64) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.BandA != 150 || got.BandB != 130 {
		t.Fatalf("thresholds = %+v, want 150/130", got)
	}
	if len(progress) != 10 || progress[9] != 100 || progress[0] != 10 {
		t.Fatalf("progress = %v", progress)
	}
}

func TestCalibratorLoudRoom(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{frames: []*spectrum.Snapshot{constantSnapshot(140)}}
	c := &Calibrator{Samples: 3, Interval: time.Millisecond}
	got, err := c.Run(context.Background(), src, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.BandA != 210 || math.Abs(got.BandB-182) > 1e-9 {
		t.Fatalf("thresholds = %+v, want 210/182", got)
	}
}

func TestCalibratorClampsToByteRange(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{frames: []*spectrum.Snapshot{constantSnapshot(250)}}
	got, err := (&Calibrator{Samples: 2, Interval: time.Millisecond}).Run(context.Background(), src, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.BandA != 255 || got.BandB != 255 {
		t.Fatalf("thresholds not clamped: %+v", got)
	}
}

func TestCalibratorSkipsEmptyFramesAndHonoursCancel(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := (&Calibrator{Samples: 10, Interval: time.Millisecond}).Run(ctx, src, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if src.pulls == 0 {
		t.Fatalf("calibrator never sampled")
	}
}

func TestCalibratorFailsWhenFramesStop(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{frames: []*spectrum.Snapshot{constantSnapshot(50)}, limit: 3}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var progress []float64
	_, err := (&Calibrator{Samples: 10, Interval: time.Millisecond}).Run(ctx, src, func(p float64) { progress = append(progress, p) })
	if !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("expected ErrCaptureFailed, got %v", err)
	}
	if len(progress) != 3 {
		t.Fatalf("progress = %v, want three samples before the failure", progress)
	}
}

func TestCalibratorFailsOnSourceError(t *testing.T) {
	t.Parallel()

	cause := &spectrum.CaptureError{Kind: spectrum.HardwareFailure, DeviceID: "mic", Err: errors.New("no samples received")}
	src := &scriptedSource{err: cause}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := (&Calibrator{Samples: 10, Interval: time.Millisecond}).Run(ctx, src, nil)
	if !errors.Is(err, ErrCaptureFailed) || !errors.Is(err, spectrum.ErrHardwareFailure) {
		t.Fatalf("expected capture failure wrapping the hardware error, got %v", err)
	}
	if src.pulls != 0 {
		t.Fatalf("failed source was sampled %d times", src.pulls)
	}
}

func TestCalibrationErrorSentinels(t *testing.T) {
	t.Parallel()

	err := error(&CalibrationError{Kind: DeviceBusy})
	if !errors.Is(err, ErrDeviceBusy) || errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("sentinel matching broken")
	}
}
