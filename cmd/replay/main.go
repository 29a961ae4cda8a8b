// Command replay runs recorded WAV files through the analyser and
// classifier and prints every detection. With -url it also submits a
// report for each detection, which is handy for exercising a report
// endpoint without a microphone.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sonic-sentinel/audiograph"
	"sonic-sentinel/models"
	"sonic-sentinel/reports"
	"sonic-sentinel/spectrum"
	"sonic-sentinel/threat"
	"sonic-sentinel/utils"
)

type detection struct {
	band      models.Band
	offset    time.Duration
	intensity float64
}

func main() {
	dir := flag.String("dir", "recordings", "Directory containing WAV files (ignored if -file is set)")
	file := flag.String("file", "", "Single WAV file to replay (overrides -dir)")
	endpoint := flag.String("url", "", "Report endpoint base URL, e.g. http://localhost:5000")
	token := flag.String("token", utils.GetEnv("SENTINEL_AUTH_TOKEN"), "Bearer token for report submission")
	fps := flag.Int("fps", 60, "Analysis frames per second of audio")
	bandA := flag.Float64("band-a", 0, "Band A threshold (default from settings)")
	bandB := flag.Float64("band-b", 0, "Band B threshold (default from settings)")
	flag.Parse()

	settings := models.DefaultSettings()
	if *bandA > 0 {
		settings.BandAThreshold = *bandA
	}
	if *bandB > 0 {
		settings.BandBThreshold = *bandB
	}

	files, err := resolveFiles(*file, *dir)
	if err != nil {
		log.Fatalf("failed to resolve files: %v", err)
	}
	if len(files) == 0 {
		log.Fatalf("no WAV files found (file=%s dir=%s)", *file, *dir)
	}

	var sink reports.Sink
	if *endpoint != "" {
		sink = reports.NewHTTPSink(*endpoint)
	}

	fmt.Printf("Replaying %d file(s)\n\n", len(files))
	for _, path := range files {
		fmt.Printf("→ %s\n", filepath.Base(path))
		found, err := replay(path, settings, *fps)
		if err != nil {
			log.Printf("replay failed for %s: %v\n", path, err)
			continue
		}
		if len(found) == 0 {
			fmt.Println("   no detections")
		}
		for _, d := range found {
			fmt.Printf("   %7s  %-14s %5.1f%%\n", d.offset.Truncate(10*time.Millisecond), d.band.Label(), d.intensity)
			if sink == nil {
				continue
			}
			if err := submit(sink, d, settings, *token); err != nil {
				log.Printf("   report not submitted: %v\n", err)
			}
		}
	}
}

func resolveFiles(single, dir string) ([]string, error) {
	if single != "" {
		return []string{single}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

// replay slides an analysis window across the file at fps frames per second
// of audio and reports each band's rising edges, like the live engine.
func replay(path string, settings models.DetectionSettings, fps int) ([]detection, error) {
	buf, err := audiograph.LoadWAV(path)
	if err != nil {
		return nil, err
	}
	analyser, err := spectrum.NewAnalyser(spectrum.DefaultFFTSize, spectrum.DefaultSmoothing)
	if err != nil {
		return nil, err
	}
	if fps <= 0 {
		fps = 60
	}

	rate := float64(buf.SampleRate)
	hop := int(math.Max(1, rate/float64(fps)))
	size := analyser.FFTSize()

	var (
		found        []detection
		prevA, prevB bool
	)
	for end := hop; end <= len(buf.Samples); end += hop {
		start := max(0, end-size)
		snap := analyser.Analyse(buf.Samples[start:end], rate)
		result := threat.Classify(snap, settings)
		offset := time.Duration(float64(end) / rate * float64(time.Second))

		if result.BandA.Detected && !prevA {
			found = append(found, detection{band: models.BandA, offset: offset, intensity: result.BandA.IntensityPercent})
		}
		if result.BandB.Detected && !prevB {
			found = append(found, detection{band: models.BandB, offset: offset, intensity: result.BandB.IntensityPercent})
		}
		prevA, prevB = result.BandA.Detected, result.BandB.Detected
	}
	return found, nil
}

func submit(sink reports.Sink, d detection, settings models.DetectionSettings, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), reports.DefaultSubmitTimeout)
	defer cancel()

	event := models.DetectionEvent{
		ID:               utils.GenerateUniqueID(),
		Band:             d.band,
		Timestamp:        time.Now(),
		IntensityPercent: d.intensity,
	}
	report := reports.BuildReport(event, settings, &models.User{ID: utils.GetEnv("SENTINEL_USER", "replay")})
	return sink.Submit(ctx, report, token)
}
