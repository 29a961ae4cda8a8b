// Package preferences persists detection settings as YAML.
package preferences

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"sonic-sentinel/models"
)

type Store interface {
	Load() (models.DetectionSettings, error)
	Save(models.DetectionSettings) error
}

// FileStore keeps settings in a single YAML file. Fields missing from the
// file keep their defaults, so partially written or older files still load.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Load returns defaults when the file does not exist.
func (s *FileStore) Load() (models.DetectionSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := models.DefaultSettings()
	bs, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return settings, fmt.Errorf("reading preferences: %w", err)
	}
	if err := yaml.Unmarshal(bs, &settings); err != nil {
		return models.DefaultSettings(), fmt.Errorf("parsing preferences %s: %w", s.path, err)
	}
	return settings.Normalize(), nil
}

// Save writes through a temp file so a crash never leaves a truncated file.
func (s *FileStore) Save(settings models.DetectionSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	bs, err := yaml.Marshal(settings.Normalize())
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// MemoryStore is a Store without persistence.
type MemoryStore struct {
	mu       sync.Mutex
	settings *models.DetectionSettings
}

func (m *MemoryStore) Load() (models.DetectionSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		return models.DefaultSettings(), nil
	}
	return *m.settings, nil
}

func (m *MemoryStore) Save(settings models.DetectionSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &settings
	return nil
}
