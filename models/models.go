package models

import (
	"math"
	"time"
)

type Band string

const (
	BandA      Band = "A"
	BandB      Band = "B"
	BandManual Band = "manual"
)

// Label is the human name shown in reports and the UI.
func (b Band) Label() string {
	switch b {
	case BandA:
		return "Sound Cannon"
	case BandB:
		return "V2K"
	case BandManual:
		return "Manual Countermeasure"
	default:
		return string(b)
	}
}

type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return true
	}
	return false
}

// Multiplier scales how readily a band triggers. Higher is more sensitive.
func (s Sensitivity) Multiplier() float64 {
	switch s {
	case SensitivityLow:
		return 0.7
	case SensitivityHigh:
		return 1.3
	default:
		return 1.0
	}
}

type CountermeasureProfile string

const (
	ProfileStandard CountermeasureProfile = "standard"
	ProfileAdvanced CountermeasureProfile = "advanced"
	ProfileCustom   CountermeasureProfile = "custom"
)

func (p CountermeasureProfile) Valid() bool {
	switch p {
	case ProfileStandard, ProfileAdvanced, ProfileCustom:
		return true
	}
	return false
}

type Waveform string

const (
	WaveformSine     Waveform = "sine"
	WaveformSquare   Waveform = "square"
	WaveformSawtooth Waveform = "sawtooth"
	WaveformTriangle Waveform = "triangle"
)

func (w Waveform) Valid() bool {
	switch w {
	case WaveformSine, WaveformSquare, WaveformSawtooth, WaveformTriangle:
		return true
	}
	return false
}

// CustomCountermeasure configures the single oscillator of the custom profile.
type CustomCountermeasure struct {
	FrequencyHz float64  `json:"frequencyHz" yaml:"frequency_hz"`
	Waveform    Waveform `json:"waveform" yaml:"waveform"`
	Volume      float64  `json:"volume" yaml:"volume"`
}

// DetectionSettings is the user-tunable configuration of the engine.
type DetectionSettings struct {
	BandAThreshold              float64               `json:"bandAThreshold" yaml:"band_a_threshold"`
	BandBThreshold              float64               `json:"bandBThreshold" yaml:"band_b_threshold"`
	Sensitivity                 Sensitivity           `json:"sensitivity" yaml:"sensitivity"`
	AutoActivateCountermeasures bool                  `json:"autoActivateCountermeasures" yaml:"auto_activate_countermeasures"`
	CountermeasureProfile       CountermeasureProfile `json:"countermeasureProfile" yaml:"countermeasure_profile"`
	Custom                      CustomCountermeasure  `json:"custom" yaml:"custom"`
	AlertVolume                 float64               `json:"alertVolume" yaml:"alert_volume"`
	EnableGeolocation           bool                  `json:"enableGeolocation" yaml:"enable_geolocation"`
	EnableAutomaticReporting    bool                  `json:"enableAutomaticReporting" yaml:"enable_automatic_reporting"`
	PoliceForceEmail            string                `json:"policeForceEmail,omitempty" yaml:"police_force_email,omitempty"`
	LocalPoliceStation          string                `json:"localPoliceStation,omitempty" yaml:"local_police_station,omitempty"`
}

func DefaultSettings() DetectionSettings {
	return DetectionSettings{
		BandAThreshold:              200,
		BandBThreshold:              180,
		Sensitivity:                 SensitivityMedium,
		AutoActivateCountermeasures: true,
		CountermeasureProfile:       ProfileStandard,
		Custom: CustomCountermeasure{
			FrequencyHz: 1000,
			Waveform:    WaveformSine,
			Volume:      0.5,
		},
		AlertVolume:       0.8,
		EnableGeolocation: true,
	}
}

// Normalize clamps thresholds to the byte range and volumes to [0,1], and
// replaces unknown enum values with defaults.
func (s DetectionSettings) Normalize() DetectionSettings {
	def := DefaultSettings()
	s.BandAThreshold = clamp(s.BandAThreshold, 0, 255)
	s.BandBThreshold = clamp(s.BandBThreshold, 0, 255)
	s.AlertVolume = clamp(s.AlertVolume, 0, 1)
	s.Custom.Volume = clamp(s.Custom.Volume, 0, 1)
	if !s.Sensitivity.Valid() {
		s.Sensitivity = def.Sensitivity
	}
	if !s.CountermeasureProfile.Valid() {
		s.CountermeasureProfile = def.CountermeasureProfile
	}
	if !s.Custom.Waveform.Valid() {
		s.Custom.Waveform = def.Custom.Waveform
	}
	if s.Custom.FrequencyHz <= 0 || math.IsNaN(s.Custom.FrequencyHz) {
		s.Custom.FrequencyHz = def.Custom.FrequencyHz
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// SettingsPatch is a partial update; nil fields are left untouched.
type SettingsPatch struct {
	BandAThreshold              *float64               `json:"bandAThreshold,omitempty"`
	BandBThreshold              *float64               `json:"bandBThreshold,omitempty"`
	Sensitivity                 *Sensitivity           `json:"sensitivity,omitempty"`
	AutoActivateCountermeasures *bool                  `json:"autoActivateCountermeasures,omitempty"`
	CountermeasureProfile       *CountermeasureProfile `json:"countermeasureProfile,omitempty"`
	Custom                      *CustomCountermeasure  `json:"custom,omitempty"`
	AlertVolume                 *float64               `json:"alertVolume,omitempty"`
	EnableGeolocation           *bool                  `json:"enableGeolocation,omitempty"`
	EnableAutomaticReporting    *bool                  `json:"enableAutomaticReporting,omitempty"`
	PoliceForceEmail            *string                `json:"policeForceEmail,omitempty"`
	LocalPoliceStation          *string                `json:"localPoliceStation,omitempty"`
}

func (p SettingsPatch) Apply(s DetectionSettings) DetectionSettings {
	if p.BandAThreshold != nil {
		s.BandAThreshold = *p.BandAThreshold
	}
	if p.BandBThreshold != nil {
		s.BandBThreshold = *p.BandBThreshold
	}
	if p.Sensitivity != nil {
		s.Sensitivity = *p.Sensitivity
	}
	if p.AutoActivateCountermeasures != nil {
		s.AutoActivateCountermeasures = *p.AutoActivateCountermeasures
	}
	if p.CountermeasureProfile != nil {
		s.CountermeasureProfile = *p.CountermeasureProfile
	}
	if p.Custom != nil {
		s.Custom = *p.Custom
	}
	if p.AlertVolume != nil {
		s.AlertVolume = *p.AlertVolume
	}
	if p.EnableGeolocation != nil {
		s.EnableGeolocation = *p.EnableGeolocation
	}
	if p.EnableAutomaticReporting != nil {
		s.EnableAutomaticReporting = *p.EnableAutomaticReporting
	}
	if p.PoliceForceEmail != nil {
		s.PoliceForceEmail = *p.PoliceForceEmail
	}
	if p.LocalPoliceStation != nil {
		s.LocalPoliceStation = *p.LocalPoliceStation
	}
	return s.Normalize()
}

// DetectionState is the live status published to observers.
type DetectionState struct {
	Recording            bool   `json:"isRecording"`
	BandADetected        bool   `json:"soundCannonDetected"`
	BandBDetected        bool   `json:"v2kDetected"`
	CountermeasureActive bool   `json:"countermeasureActive"`
	Calibrating          bool   `json:"calibrating"`
	DeviceID             string `json:"deviceId,omitempty"`
}

// DetectionEvent is an immutable history entry.
type DetectionEvent struct {
	ID                      string    `json:"id"`
	Band                    Band      `json:"band"`
	Timestamp               time.Time `json:"timestamp"`
	IntensityPercent        float64   `json:"intensity"`
	CountermeasureActivated bool      `json:"countermeasureActivated"`
}

// Report is the record forwarded to a report sink.
type Report struct {
	ID                 string    `json:"id" bson:"_id"`
	Band               Band      `json:"band" bson:"band"`
	FrequencyHz        int       `json:"frequency" bson:"frequency"`
	Description        string    `json:"description" bson:"description"`
	IntensityPercent   float64   `json:"intensity" bson:"intensity"`
	Timestamp          time.Time `json:"timestamp" bson:"timestamp"`
	Latitude           *float64  `json:"latitude,omitempty" bson:"latitude,omitempty"`
	Longitude          *float64  `json:"longitude,omitempty" bson:"longitude,omitempty"`
	UserID             string    `json:"userId,omitempty" bson:"user_id,omitempty"`
	PoliceForceEmail   string    `json:"policeForceEmail,omitempty" bson:"police_force_email,omitempty"`
	LocalPoliceStation string    `json:"localPoliceStation,omitempty" bson:"local_police_station,omitempty"`
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type InputDevice struct {
	ID                string  `json:"deviceId"`
	Name              string  `json:"label"`
	DefaultSampleRate float64 `json:"defaultSampleRate,omitempty"`
}

// DefaultInputDevice is offered when enumeration is unavailable.
var DefaultInputDevice = InputDevice{ID: "default", Name: "Default Microphone"}
