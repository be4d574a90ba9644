package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-token/pkg/domain"
)

// FileSettingsStore keeps settings in a YAML file. Writes go to a temporary
// file in the same directory that is then renamed over the target, so readers
// never see a partial document.
type FileSettingsStore struct {
	path string
	mu   sync.Mutex
}

// NewFileSettingsStore returns a store backed by path. The file does not need
// to exist yet; its directory is created on first save.
func NewFileSettingsStore(path string) (*FileSettingsStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty settings path", domain.ErrConfigInvalid)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	return &FileSettingsStore{path: absPath}, nil
}

// Path returns the backing file.
func (s *FileSettingsStore) Path() string {
	return s.path
}

// LoadSettings reads the settings file. It returns ErrNotFound when the file
// does not exist.
func (s *FileSettingsStore) LoadSettings(_ context.Context) (domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// #nosec G304 -- settings path is configured at startup
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Settings{}, ErrNotFound
	}
	if err != nil {
		return domain.Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings domain.Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return domain.Settings{}, fmt.Errorf("failed to parse settings file %s: %w", s.path, err)
	}
	return settings, nil
}

// SaveSettings atomically replaces the settings file.
func (s *FileSettingsStore) SaveSettings(_ context.Context, settings domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close settings: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

// Close is a no-op; every save is flushed before it returns.
func (s *FileSettingsStore) Close() error {
	return nil
}
