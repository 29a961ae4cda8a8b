package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"sonic-sentinel/models"
	"sonic-sentinel/spectrum"
	"sonic-sentinel/threat"
)

var barGlyphs = []rune(" ▁▂▃▄▅▆▇█")

// SpectrumColumns folds the bins of s into width columns, keeping the peak
// of each group.
func SpectrumColumns(s *spectrum.Snapshot, width int) []uint8 {
	if s == nil || width <= 0 || len(s.Bins) == 0 {
		return nil
	}
	cols := make([]uint8, width)
	for c := range cols {
		lo := c * len(s.Bins) / width
		hi := (c + 1) * len(s.Bins) / width
		if hi <= lo {
			hi = lo + 1
		}
		for _, v := range s.Bins[lo:min(hi, len(s.Bins))] {
			if v > cols[c] {
				cols[c] = v
			}
		}
	}
	return cols
}

// RenderSpectrum draws a bar graph height rows tall. Columns above the
// band A threshold are highlighted.
func RenderSpectrum(s *spectrum.Snapshot, width, height int, threshold float64) string {
	if s == nil {
		return StyleLabel.Render("waiting for audio...")
	}
	if height < 1 {
		height = 1
	}
	cols := SpectrumColumns(s, width)
	levels := len(barGlyphs) - 1

	rows := make([]string, height)
	for r := 0; r < height; r++ {
		var b strings.Builder
		floor := (height - 1 - r) * levels
		for _, v := range cols {
			filled := int(v) * height * levels / 255
			cell := filled - floor
			switch {
			case cell <= 0:
				b.WriteRune(' ')
				continue
			case cell > levels:
				cell = levels
			}
			glyph := string(barGlyphs[cell])
			if float64(v) > threshold {
				b.WriteString(StyleBarHot.Render(glyph))
			} else {
				b.WriteString(StyleBar.Render(glyph))
			}
		}
		rows[r] = b.String()
	}

	axis := fmt.Sprintf("0 Hz%s%.0f kHz", strings.Repeat(" ", max(0, width-12)), s.SampleRate/2000)
	return strings.Join(rows, "\n") + "\n" + StyleLabel.Render(axis)
}

func bandLine(name string, detected bool, c threat.Classification) string {
	status := StyleClear.Render("clear")
	if detected {
		status = StyleDetected.Render("DETECTED")
	}
	return fmt.Sprintf("%s %s %s", StyleLabel.Render(fmt.Sprintf("%-14s", name)), status,
		StyleLabel.Render(fmt.Sprintf("(%.0f%%)", c.IntensityPercent)))
}

// RenderStatus shows the detection state and the live band readings.
func RenderStatus(state models.DetectionState, reading threat.Result, settings models.DetectionSettings) string {
	recording := StyleWarning.Render("stopped")
	if state.Recording {
		recording = StyleClear.Render("listening")
	}
	if state.Calibrating {
		recording = StyleWarning.Render("calibrating")
	}
	countermeasure := StyleLabel.Render("idle")
	if state.CountermeasureActive {
		countermeasure = StyleDetected.Render("ACTIVE")
	}

	lines := []string{
		fmt.Sprintf("%s %s", StyleLabel.Render(fmt.Sprintf("%-14s", "Capture")), recording),
		bandLine(models.BandA.Label(), state.BandADetected, reading.BandA),
		bandLine(models.BandB.Label(), state.BandBDetected, reading.BandB),
		fmt.Sprintf("%s %s", StyleLabel.Render(fmt.Sprintf("%-14s", "Countermeasure")), countermeasure),
		StyleLabel.Render(fmt.Sprintf("thresholds %.0f/%.0f  sensitivity %s  profile %s",
			settings.BandAThreshold, settings.BandBThreshold, settings.Sensitivity, settings.CountermeasureProfile)),
	}
	return strings.Join(lines, "\n")
}

// RenderHistory lists up to limit events with relative times.
func RenderHistory(events []models.DetectionEvent, limit int, now time.Time) string {
	if len(events) == 0 {
		return StyleLabel.Render("no detections yet")
	}
	if len(events) > limit {
		events = events[:limit]
	}
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		marker := " "
		if ev.CountermeasureActivated {
			marker = StyleDetected.Render("●")
		}
		lines = append(lines, fmt.Sprintf("%s %-22s %4.0f%%  %s", marker, ev.Band.Label(), ev.IntensityPercent,
			StyleLabel.Render(humanize.RelTime(ev.Timestamp, now, "ago", "from now"))))
	}
	return strings.Join(lines, "\n")
}

func panel(title, body string, width int, alert bool) string {
	style := StylePanel
	if alert {
		style = StylePanelAlert
	}
	return style.Width(width).Render(StyleTitle.Render(title) + "\n" + body)
}

func joinVertical(parts ...string) string {
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
