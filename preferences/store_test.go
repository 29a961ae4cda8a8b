package preferences

import (
	"os"
	"path/filepath"
	"testing"

	"sonic-sentinel/models"
)

func TestFileStoreMissingFileGivesDefaults(t *testing.T) {
	t.Parallel()

	s := NewFileStore(filepath.Join(t.TempDir(), "prefs.yaml"))
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != models.DefaultSettings() {
		t.Fatalf("got %+v, want defaults", got)
	}
}

func TestFileStorePartialFileKeepsDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prefs.yaml")
	data := "band_a_threshold: 170\nsensitivity: high\ncustom:\n  frequency_hz: 4000\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := NewFileStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := models.DefaultSettings()
	if got.BandAThreshold != 170 || got.Sensitivity != models.SensitivityHigh {
		t.Fatalf("stored fields not applied: %+v", got)
	}
	if got.BandBThreshold != def.BandBThreshold || got.AlertVolume != def.AlertVolume || !got.AutoActivateCountermeasures {
		t.Fatalf("missing fields lost their defaults: %+v", got)
	}
	if got.Custom.FrequencyHz != 4000 || got.Custom.Waveform != def.Custom.Waveform {
		t.Fatalf("nested custom settings merged wrongly: %+v", got.Custom)
	}
}

func TestFileStoreRoundTripNormalizes(t *testing.T) {
	t.Parallel()

	s := NewFileStore(filepath.Join(t.TempDir(), "nested", "prefs.yaml"))
	settings := models.DefaultSettings()
	settings.BandAThreshold = 300
	settings.CountermeasureProfile = models.ProfileAdvanced
	settings.PoliceForceEmail = "desk@example.org"
	if err := s.Save(settings); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.BandAThreshold != 255 || got.CountermeasureProfile != models.ProfileAdvanced || got.PoliceForceEmail != "desk@example.org" {
		t.Fatalf("round trip: %+v", got)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prefs.yaml")
	if err := os.WriteFile(path, []byte("sensitivity: [unterminated"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := NewFileStore(path).Load()
	if err == nil {
		t.Fatalf("expected a parse error")
	}
	if got != models.DefaultSettings() {
		t.Fatalf("corrupt file should fall back to defaults")
	}
}
