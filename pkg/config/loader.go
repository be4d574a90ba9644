package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// Loader handles loading and watching a configuration file.
type Loader struct {
	path      string
	logger    *slog.Logger
	debounce  time.Duration
	overrides []func(*Config) error

	mu       sync.RWMutex
	current  *Config
	watcher  *fsnotify.Watcher
	onChange func(*Config)

	closeOnce sync.Once
	close     chan struct{}
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the logger used for reload diagnostics.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithDebounce sets how long the loader waits after the last write before reloading.
func WithDebounce(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.debounce = d
		}
	}
}

// WithOverrides runs fn on every configuration the loader reads, after the
// environment overrides. Command line flags use it so a reload keeps them.
func WithOverrides(fn func(*Config) error) LoaderOption {
	return func(l *Loader) {
		if fn != nil {
			l.overrides = append(l.overrides, fn)
		}
	}
}

// NewLoader creates a Loader for path.
func NewLoader(path string, opts ...LoaderOption) (*Loader, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	l := &Loader{
		path:     absPath,
		logger:   slog.Default(),
		debounce: defaultDebounce,
		close:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the absolute path of the watched file.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, overrides and validates the file. The current configuration is
// only replaced when every step succeeds.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	for _, override := range l.overrides {
		if err := override(cfg); err != nil {
			return nil, fmt.Errorf("config overrides: %w", err)
		}
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	return cfg, nil
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch starts monitoring the file. onChange runs after each successful reload;
// a reload that fails keeps the previous configuration.
func (l *Loader) Watch(onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often save by rename, so the directory is watched rather than the file.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.onChange = onChange
	l.mu.Unlock()

	go l.watchLoop(watcher)
	return nil
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-l.close:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != l.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.debounce, l.reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("config watcher error", "path", l.path, "error", err)
		}
	}
}

func (l *Loader) reload() {
	select {
	case <-l.close:
		return
	default:
	}

	if _, err := os.Stat(l.path); err != nil {
		l.logger.Warn("config file unavailable, keeping previous configuration", "path", l.path, "error", err)
		return
	}

	cfg, err := l.Load()
	if err != nil {
		l.logger.Error("config reload failed, keeping previous configuration", "path", l.path, "error", err)
		return
	}
	l.logger.Info("configuration reloaded", "path", l.path)

	l.mu.RLock()
	onChange := l.onChange
	l.mu.RUnlock()
	if onChange != nil {
		onChange(cfg)
	}
}

// Close stops the watcher.
func (l *Loader) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.close)
		l.mu.RLock()
		watcher := l.watcher
		l.mu.RUnlock()
		if watcher != nil {
			err = watcher.Close()
		}
	})
	return err
}
