// Package storage persists the user-facing token settings across restarts.
package storage

import (
	"context"
	"errors"

	"github.com/polisai/polis-token/pkg/domain"
)

// ErrNotFound is returned when no settings have been saved yet.
var ErrNotFound = errors.New("settings not found")

// SettingsStore exposes persistence operations for token settings.
type SettingsStore interface {
	LoadSettings(ctx context.Context) (domain.Settings, error)
	SaveSettings(ctx context.Context, settings domain.Settings) error
	Close() error
}
