package spectrum

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sonic-sentinel/audiograph"
	"sonic-sentinel/models"

	"github.com/gordonklaus/portaudio"
)

const (
	framesPerBuffer = 1024

	// A stream that delivers nothing for stallBuffers callback periods,
	// and at least minStall, is treated as a failed device.
	stallBuffers = 8
	minStall     = 500 * time.Millisecond
)

// PortAudioBackend captures from a PortAudio input device. The caller owns
// portaudio.Initialize / portaudio.Terminate.
type PortAudioBackend struct {
	logger *slog.Logger
}

func WithBackendLogger(logger *slog.Logger) func(b *PortAudioBackend) {
	return func(b *PortAudioBackend) {
		b.logger = logger.With(slog.String("component", "portaudio"))
	}
}

func NewPortAudioBackend(options ...func(b *PortAudioBackend)) *PortAudioBackend {
	b := &PortAudioBackend{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, option := range options {
		option(b)
	}
	return b
}

func (b *PortAudioBackend) ListInputDevices() ([]models.InputDevice, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate audio devices: %w", err)
	}
	var inputs []models.InputDevice
	for _, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		inputs = append(inputs, models.InputDevice{
			ID:                d.Name,
			Name:              d.Name,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return inputs, nil
}

func (b *PortAudioBackend) resolve(deviceID string) (*portaudio.DeviceInfo, error) {
	if deviceID == "" || deviceID == models.DefaultInputDevice.ID {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, classify(deviceID, err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, classify(deviceID, err)
	}
	for _, d := range devices {
		if d.Name == deviceID && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, &CaptureError{Kind: NoDevice, DeviceID: deviceID, Err: errors.New("input device not found")}
}

func classify(deviceID string, err error) error {
	kind := HardwareFailure
	switch {
	case errors.Is(err, portaudio.NoDefaultInputDevice), errors.Is(err, portaudio.InvalidDevice):
		kind = NoDevice
	case strings.Contains(strings.ToLower(err.Error()), "permission"),
		strings.Contains(strings.ToLower(err.Error()), "denied"):
		kind = PermissionDenied
	}
	return &CaptureError{Kind: kind, DeviceID: deviceID, Err: err}
}

func (b *PortAudioBackend) Open(ctx context.Context, deviceID string, c Constraints) (Source, error) {
	if err := c.validate(deviceID); err != nil {
		return nil, err
	}
	c = c.withDefaults()

	dev, err := b.resolve(deviceID)
	if err != nil {
		return nil, err
	}

	params := portaudio.HighLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.FramesPerBuffer = framesPerBuffer
	if c.SampleRate > 0 {
		params.SampleRate = c.SampleRate
	}

	ring, err := newRingCapture(c.FFTSize, c.Smoothing, params.SampleRate)
	if err != nil {
		return nil, &CaptureError{Kind: HardwareFailure, DeviceID: deviceID, Err: err}
	}

	stream, err := portaudio.OpenStream(params, ring.write)
	if err != nil {
		return nil, classify(deviceID, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, classify(deviceID, err)
	}

	b.logger.InfoContext(ctx, "capture started",
		slog.String("device", dev.Name),
		slog.Float64("sampleRate", params.SampleRate),
		slog.Int("fftSize", c.FFTSize),
	)

	return &portAudioSource{ringCapture: ring, deviceID: deviceID, stream: stream}, nil
}

type portAudioSource struct {
	*ringCapture

	deviceID  string
	closeOnce sync.Once
	stream    *portaudio.Stream
}

func (s *portAudioSource) Err() error {
	if err := s.stalled(); err != nil {
		return &CaptureError{Kind: HardwareFailure, DeviceID: s.deviceID, Err: err}
	}
	return nil
}

func (s *portAudioSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		stopErr := s.stream.Stop()
		closeErr := s.stream.Close()
		err = errors.Join(stopErr, closeErr)
	})
	return err
}

// ringCapture keeps the most recent fftSize samples and runs the analyser
// on demand. write runs on the audio callback thread.
type ringCapture struct {
	mu         sync.Mutex
	analyser   *Analyser
	sampleRate float64
	ring       []float32
	head       int
	written    int64
	gain       *audiograph.Param
	ordered    []float32
	clock      func() time.Time
	lastWrite  time.Time
	stallAfter time.Duration
}

func newRingCapture(fftSize int, smoothing, sampleRate float64) (*ringCapture, error) {
	analyser, err := NewAnalyser(fftSize, smoothing)
	if err != nil {
		return nil, err
	}
	stallAfter := time.Duration(stallBuffers * framesPerBuffer / sampleRate * float64(time.Second))
	return &ringCapture{
		analyser:   analyser,
		sampleRate: sampleRate,
		ring:       make([]float32, fftSize),
		ordered:    make([]float32, fftSize),
		clock:      time.Now,
		lastWrite:  time.Now(),
		stallAfter: max(stallAfter, minStall),
	}, nil
}

func (r *ringCapture) write(in []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range in {
		if r.gain != nil {
			t := float64(r.written) / r.sampleRate
			v *= float32(r.gain.ValueAt(t))
		}
		r.ring[r.head] = v
		r.head = (r.head + 1) % len(r.ring)
		r.written++
	}
	r.lastWrite = r.clock()
}

// stalled reports an error once no callback has arrived for stallAfter.
func (r *ringCapture) stalled() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idle := r.clock().Sub(r.lastWrite); idle > r.stallAfter {
		return fmt.Errorf("no samples received for %s", idle.Round(time.Millisecond))
	}
	return nil
}

func (r *ringCapture) Pull() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.written == 0 {
		return nil
	}
	n := copy(r.ordered, r.ring[r.head:])
	copy(r.ordered[n:], r.ring[:r.head])
	return r.analyser.Analyse(r.ordered, r.sampleRate)
}

func (r *ringCapture) Now() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.written) / r.sampleRate
}

func (r *ringCapture) InsertGain(gain *audiograph.Param) {
	r.mu.Lock()
	r.gain = gain
	r.mu.Unlock()
}

func (r *ringCapture) RemoveGain() {
	r.mu.Lock()
	r.gain = nil
	r.mu.Unlock()
}
