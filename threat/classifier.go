// Package threat decides, frame by frame, whether a spectrum shows one of
// the two tracked threat signatures, and derives thresholds from ambient
// noise.
package threat

import (
	"math"

	"sonic-sentinel/models"
	"sonic-sentinel/spectrum"
)

// BandSpec is a half-open frequency range and the share of its bins that
// must exceed the threshold for the band to count as detected.
type BandSpec struct {
	Band         models.Band
	LowerHz      float64
	UpperHz      float64
	TriggerRatio float64
}

var (
	// BandA is the sound-cannon band.
	BandA = BandSpec{Band: models.BandA, LowerHz: 2000, UpperHz: 10000, TriggerRatio: 0.3}
	// BandB is the wideband heuristic over the bins above band A.
	BandB = BandSpec{Band: models.BandB, LowerHz: 10000, UpperHz: 20000, TriggerRatio: 0.2}
)

type Classification struct {
	Detected         bool    `json:"detected"`
	IntensityPercent float64 `json:"intensity"`
}

type Result struct {
	BandA Classification `json:"bandA"`
	BandB Classification `json:"bandB"`
}

func (r Result) Get(b models.Band) Classification {
	if b == models.BandB {
		return r.BandB
	}
	return r.BandA
}

// BinRange maps the band onto snapshot bin indices. end is clamped to the
// number of bins; start >= end means the band is not observable.
func (b BandSpec) BinRange(s *spectrum.Snapshot) (start, end int) {
	if s == nil || len(s.Bins) == 0 || s.SampleRate <= 0 {
		return 0, 0
	}
	binSize := s.SampleRate / float64(s.FFTSize())
	start = int(math.Floor(b.LowerHz / binSize))
	end = int(math.Floor(b.UpperHz / binSize))
	if end > len(s.Bins) {
		end = len(s.Bins)
	}
	return start, end
}

// EffectiveThreshold divides the stored threshold by the sensitivity
// multiplier. This is not the literal threshold * multiplier product: with
// multipliers above 1 for high sensitivity, multiplying would raise the bar
// as sensitivity rises. Dividing keeps detection monotonic, so a frame
// detected at one level is detected at every higher level.
func EffectiveThreshold(threshold float64, s models.Sensitivity) float64 {
	return threshold / s.Multiplier()
}

// ClassifyBand counts bins strictly above the effective threshold.
func ClassifyBand(s *spectrum.Snapshot, band BandSpec, threshold float64, sensitivity models.Sensitivity) Classification {
	start, end := band.BinRange(s)
	width := end - start
	if width <= 0 {
		return Classification{}
	}

	limit := EffectiveThreshold(threshold, sensitivity)
	count := 0
	for _, v := range s.Bins[start:end] {
		if float64(v) > limit {
			count++
		}
	}

	ratio := float64(count) / float64(width)
	return Classification{
		Detected:         ratio > band.TriggerRatio,
		IntensityPercent: float64(count) * 100 / float64(width),
	}
}

// Classify evaluates both bands. It is pure and safe for concurrent use.
func Classify(s *spectrum.Snapshot, settings models.DetectionSettings) Result {
	return Result{
		BandA: ClassifyBand(s, BandA, settings.BandAThreshold, settings.Sensitivity),
		BandB: ClassifyBand(s, BandB, settings.BandBThreshold, settings.Sensitivity),
	}
}
