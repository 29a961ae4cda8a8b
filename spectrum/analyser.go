package spectrum

import (
	"fmt"
	"math"
	"time"
)

const (
	DefaultFFTSize   = 8192
	DefaultSmoothing = 0.3
	MinDecibels      = -90.0
	MaxDecibels      = -10.0
)

// Snapshot is one frame of byte-scaled magnitudes. Bins[i] covers
// BinHz(i); len(Bins) is half the FFT size. Snapshots are never mutated
// after being handed out.
type Snapshot struct {
	Bins       []uint8   `json:"bins"`
	SampleRate float64   `json:"sampleRate"`
	CapturedAt time.Time `json:"capturedAt"`
}

func (s *Snapshot) FFTSize() int {
	return 2 * len(s.Bins)
}

func (s *Snapshot) BinHz(i int) float64 {
	if len(s.Bins) == 0 {
		return 0
	}
	return float64(i) * s.SampleRate / float64(2*len(s.Bins))
}

// Analyser converts a window of time-domain samples into a Snapshot using
// a Blackman window, temporal smoothing and a [MinDecibels, MaxDecibels]
// to [0,255] mapping. It is not safe for concurrent use.
type Analyser struct {
	fftSize   int
	smoothing float64
	window    []float64
	twiddles  []complex128
	smoothed  []float64
	scratch   []complex128
}

// ValidFFTSize reports whether n is one of the window lengths the band
// layout is tuned for.
func ValidFFTSize(n int) bool {
	return n == 4096 || n == 8192
}

func NewAnalyser(fftSize int, smoothing float64) (*Analyser, error) {
	if !ValidFFTSize(fftSize) {
		return nil, fmt.Errorf("fft size %d is not 4096 or 8192", fftSize)
	}
	if smoothing < 0 || smoothing > DefaultSmoothing {
		return nil, fmt.Errorf("smoothing %.2f outside [0, %.1f]", smoothing, DefaultSmoothing)
	}

	window := make([]float64, fftSize)
	for i := range window {
		x := 2 * math.Pi * float64(i) / float64(fftSize)
		window[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}

	return &Analyser{
		fftSize:   fftSize,
		smoothing: smoothing,
		window:    window,
		twiddles:  twiddles(fftSize),
		smoothed:  make([]float64, fftSize/2),
		scratch:   make([]complex128, fftSize),
	}, nil
}

func (a *Analyser) FFTSize() int { return a.fftSize }

// Analyse consumes exactly FFTSize samples, oldest first. Shorter input is
// zero-padded at the front.
func (a *Analyser) Analyse(samples []float32, sampleRate float64) *Snapshot {
	offset := a.fftSize - len(samples)
	if offset < 0 {
		samples = samples[-offset:]
		offset = 0
	}
	for i := 0; i < offset; i++ {
		a.scratch[i] = 0
	}
	for i, v := range samples {
		a.scratch[offset+i] = complex(float64(v)*a.window[offset+i], 0)
	}

	fftInPlace(a.scratch, a.twiddles)

	bins := make([]uint8, a.fftSize/2)
	n := float64(a.fftSize)
	scale := 255 / (MaxDecibels - MinDecibels)
	for k := range bins {
		c := a.scratch[k]
		mag := math.Hypot(real(c), imag(c)) / n
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if a.smoothed[k] <= 0 {
			continue
		}
		db := 20 * math.Log10(a.smoothed[k])
		v := math.Floor(scale * (db - MinDecibels))
		bins[k] = uint8(math.Max(0, math.Min(255, v)))
	}

	return &Snapshot{Bins: bins, SampleRate: sampleRate, CapturedAt: time.Now()}
}
