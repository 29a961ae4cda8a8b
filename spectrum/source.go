// Package spectrum captures microphone audio and turns it into byte
// magnitude spectra.
package spectrum

import (
	"context"
	"errors"
	"fmt"

	"sonic-sentinel/audiograph"
	"sonic-sentinel/models"
)

type CaptureErrorKind string

const (
	NoDevice         CaptureErrorKind = "no_device"
	PermissionDenied CaptureErrorKind = "permission_denied"
	HardwareFailure  CaptureErrorKind = "hardware_failure"
)

// CaptureError reports why a capture pipeline could not be opened.
type CaptureError struct {
	Kind     CaptureErrorKind
	DeviceID string
	Err      error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture %s (device %q): %v", e.Kind, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("capture %s (device %q)", e.Kind, e.DeviceID)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Is matches sentinel CaptureErrors by kind.
func (e *CaptureError) Is(target error) bool {
	var t *CaptureError
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.DeviceID == "" && t.Err == nil
	}
	return false
}

var (
	ErrNoDevice         = &CaptureError{Kind: NoDevice}
	ErrPermissionDenied = &CaptureError{Kind: PermissionDenied}
	ErrHardwareFailure  = &CaptureError{Kind: HardwareFailure}
)

// Constraints describe the requested capture stream. Any platform DSP would
// flatten the high-frequency content the classifier looks at, so backends
// refuse to open a stream with echo cancellation, noise suppression or AGC.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       float64
	FFTSize          int
	Smoothing        float64
}

func RawConstraints() Constraints {
	return Constraints{
		FFTSize:   DefaultFFTSize,
		Smoothing: DefaultSmoothing,
	}
}

func (c Constraints) validate(deviceID string) error {
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		return &CaptureError{
			Kind:     HardwareFailure,
			DeviceID: deviceID,
			Err:      errors.New("capture must run without echo cancellation, noise suppression or gain control"),
		}
	}
	return nil
}

// withDefaults fills an unset FFT size. Smoothing is taken as given since
// zero is a valid setting; RawConstraints carries the default.
func (c Constraints) withDefaults() Constraints {
	if c.FFTSize == 0 {
		c.FFTSize = DefaultFFTSize
	}
	return c
}

// Source is an open capture pipeline.
type Source interface {
	// Pull returns the latest spectrum, or nil before the first frame.
	Pull() *Snapshot
	// Now is the capture clock in seconds, the time base for InsertGain.
	Now() float64
	// InsertGain places a gain stage between the microphone and the analyser.
	InsertGain(gain *audiograph.Param)
	RemoveGain()
	// Err reports a capture that failed after Open, such as a device that
	// stopped delivering samples. It stays nil while the stream is healthy.
	Err() error
	Close() error
}

// Backend opens capture pipelines and enumerates input devices.
type Backend interface {
	Open(ctx context.Context, deviceID string, c Constraints) (Source, error)
	ListInputDevices() ([]models.InputDevice, error)
}

// ListInputDevices enumerates inputs, falling back to a single default
// entry when the backend cannot enumerate.
func ListInputDevices(b Backend) []models.InputDevice {
	devices, err := b.ListInputDevices()
	if err != nil {
		return []models.InputDevice{models.DefaultInputDevice}
	}
	return devices
}
