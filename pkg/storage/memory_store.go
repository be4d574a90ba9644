package storage

import (
	"context"
	"sync"

	"github.com/polisai/polis-token/pkg/domain"
)

// MemorySettingsStore is an in-memory implementation of SettingsStore.
type MemorySettingsStore struct {
	mu       sync.RWMutex
	settings *domain.Settings
}

// NewMemorySettingsStore creates a new MemorySettingsStore.
func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{}
}

// LoadSettings returns the last saved settings.
func (s *MemorySettingsStore) LoadSettings(_ context.Context) (domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return domain.Settings{}, ErrNotFound
	}
	return *s.settings, nil
}

// SaveSettings keeps a copy of settings in memory.
func (s *MemorySettingsStore) SaveSettings(_ context.Context, settings domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = &settings
	return nil
}

// Close is a no-op for memory store.
func (s *MemorySettingsStore) Close() error {
	return nil
}
