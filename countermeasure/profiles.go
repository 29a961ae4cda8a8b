package countermeasure

import (
	"sonic-sentinel/audiograph"
	"sonic-sentinel/models"
)

type breakpoint struct {
	hz float64
	at float64
}

// sweep is one oscillator of a profile: exponential ramps through the
// breakpoints, repeating every period seconds.
type sweep struct {
	waveform models.Waveform
	points   []breakpoint
	period   float64
}

var profileSweeps = map[models.CountermeasureProfile][]sweep{
	models.ProfileStandard: {
		{waveform: models.WaveformSine, points: []breakpoint{{500, 0}, {2000, 1.5}, {500, 3}}, period: 3},
		{waveform: models.WaveformTriangle, points: []breakpoint{{3000, 0}, {8000, 1.5}, {3000, 3}}, period: 3},
	},
	models.ProfileAdvanced: {
		{waveform: models.WaveformSawtooth, points: []breakpoint{{800, 0}, {4000, 1}, {800, 2}}, period: 2},
		{waveform: models.WaveformSquare, points: []breakpoint{{6000, 0}, {12000, 1}, {6000, 2}}, period: 2},
	},
}

const sharedGainScale = 0.3

// buildGenerator creates the oscillators for the configured profile, all
// summed into one master gain, started at now.
func buildGenerator(settings models.DetectionSettings, now float64) ([]*audiograph.Oscillator, *audiograph.Gain) {
	if settings.CountermeasureProfile == models.ProfileCustom {
		osc := audiograph.NewOscillator(settings.Custom.Waveform, settings.Custom.FrequencyHz)
		master := audiograph.NewGain(settings.Custom.Volume)
		master.Connect(osc)
		osc.Start(now)
		return []*audiograph.Oscillator{osc}, master
	}

	sweeps, ok := profileSweeps[settings.CountermeasureProfile]
	if !ok {
		sweeps = profileSweeps[models.ProfileStandard]
	}

	master := audiograph.NewGain(settings.AlertVolume * sharedGainScale)
	oscillators := make([]*audiograph.Oscillator, 0, len(sweeps))
	for _, s := range sweeps {
		osc := audiograph.NewOscillator(s.waveform, s.points[0].hz)
		osc.Frequency.SetValueAtTime(s.points[0].hz, now)
		for _, p := range s.points[1:] {
			osc.Frequency.ExponentialRampToValueAtTime(p.hz, now+p.at)
		}
		osc.Frequency.SetPeriod(s.period)
		osc.Start(now)
		master.Connect(osc)
		oscillators = append(oscillators, osc)
	}
	return oscillators, master
}
