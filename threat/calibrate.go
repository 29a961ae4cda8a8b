package threat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"sonic-sentinel/spectrum"
)

const (
	DefaultCalibrationSamples  = 10
	DefaultCalibrationInterval = 500 * time.Millisecond

	minBandAThreshold = 150
	minBandBThreshold = 130
	bandAHeadroom     = 1.5
	bandBHeadroom     = 1.3
)

type CalibrationErrorKind string

const (
	DeviceBusy    CalibrationErrorKind = "device_busy"
	CaptureFailed CalibrationErrorKind = "capture_failed"
)

type CalibrationError struct {
	Kind CalibrationErrorKind
	Err  error
}

func (e *CalibrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("calibration %s: %v", e.Kind, e.Err)
	}
	return "calibration " + string(e.Kind)
}

func (e *CalibrationError) Unwrap() error { return e.Err }

func (e *CalibrationError) Is(target error) bool {
	var t *CalibrationError
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Err == nil
	}
	return false
}

var (
	ErrDeviceBusy    = &CalibrationError{Kind: DeviceBusy}
	ErrCaptureFailed = &CalibrationError{Kind: CaptureFailed}
)

// Thresholds is the outcome of a calibration run.
type Thresholds struct {
	BandA float64 `json:"bandAThreshold"`
	BandB float64 `json:"bandBThreshold"`
}

// Calibrator samples ambient noise at a fixed cadence and proposes
// thresholds with headroom above it.
type Calibrator struct {
	Samples  int
	Interval time.Duration
}

func NewCalibrator() *Calibrator {
	return &Calibrator{Samples: DefaultCalibrationSamples, Interval: DefaultCalibrationInterval}
}

// Run pulls one snapshot per tick until Samples frames were collected.
// progress, if set, receives the completed percentage after each sample.
// A cancelled context ends the run after the current tick. A source that
// reports an error, or goes quiet after its first frame, fails the run
// with CaptureFailed.
func (c *Calibrator) Run(ctx context.Context, src spectrum.Source, progress func(percent float64)) (Thresholds, error) {
	if src == nil {
		return Thresholds{}, &CalibrationError{Kind: CaptureFailed, Err: errors.New("no capture source")}
	}
	samples := c.Samples
	if samples <= 0 {
		samples = DefaultCalibrationSamples
	}
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultCalibrationInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		sums      []float64
		reference *spectrum.Snapshot
		collected int
	)
	for collected < samples {
		select {
		case <-ctx.Done():
			return Thresholds{}, fmt.Errorf("calibration cancelled: %w", ctx.Err())
		case <-ticker.C:
		}

		if err := src.Err(); err != nil {
			return Thresholds{}, &CalibrationError{Kind: CaptureFailed, Err: err}
		}
		snap := src.Pull()
		if snap == nil {
			if sums != nil {
				return Thresholds{}, &CalibrationError{Kind: CaptureFailed, Err: errors.New("capture stopped delivering frames")}
			}
			continue
		}
		if sums == nil {
			sums = make([]float64, len(snap.Bins))
			reference = snap
		}
		if len(snap.Bins) != len(sums) {
			return Thresholds{}, &CalibrationError{Kind: CaptureFailed, Err: errors.New("spectrum size changed during calibration")}
		}
		for i, v := range snap.Bins {
			sums[i] += float64(v)
		}
		collected++
		if progress != nil {
			progress(float64(collected) / float64(samples) * 100)
		}
	}

	averaged := make([]float64, len(sums))
	for i, s := range sums {
		averaged[i] = s / float64(samples)
	}
	return ThresholdsFromAverage(averaged, reference), nil
}

// ThresholdsFromAverage derives thresholds from per-bin averages using the
// band A range of the reference snapshot.
func ThresholdsFromAverage(averaged []float64, reference *spectrum.Snapshot) Thresholds {
	start, end := BandA.BinRange(reference)
	mean := 0.0
	if end > start {
		for _, v := range averaged[start:end] {
			mean += v
		}
		mean /= float64(end - start)
	}
	return Thresholds{
		BandA: math.Min(255, math.Max(minBandAThreshold, mean*bandAHeadroom)),
		BandB: math.Min(255, math.Max(minBandBThreshold, mean*bandBHeadroom)),
	}
}
