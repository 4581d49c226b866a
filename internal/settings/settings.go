// Package settings persists the user-facing sync preferences.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const keySyncEnabled = "sync_enabled"

// Settings is a small file-backed preference set. A missing file means
// defaults: sync is enabled.
type Settings struct {
	path   string
	v      *viper.Viper
	logger zerolog.Logger

	mu          sync.Mutex
	syncEnabled bool
	listeners   []func(bool)
	watching    bool
}

// Open loads the settings stored at path.
func Open(path string, logger zerolog.Logger) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault(keySyncEnabled, true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
	}

	return &Settings{
		path:        path,
		v:           v,
		logger:      logger.With().Str("component", "settings").Logger(),
		syncEnabled: v.GetBool(keySyncEnabled),
	}, nil
}

// SyncEnabled reports whether publishing is enabled.
func (s *Settings) SyncEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncEnabled
}

// SetSyncEnabled stores the flag on disk and notifies listeners when it
// changed.
func (s *Settings) SetSyncEnabled(enabled bool) error {
	s.mu.Lock()
	s.v.Set(keySyncEnabled, enabled)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to write settings: %w", err)
	}

	listeners := s.update(enabled)
	s.mu.Unlock()

	s.logger.Info().Bool("sync_enabled", enabled).Msg("Sync setting changed")
	notify(listeners, enabled)
	return nil
}

// OnChange registers fn to run whenever the sync flag changes, whether
// through SetSyncEnabled or an edit of the file by another process.
func (s *Settings) OnChange(fn func(enabled bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Watch follows edits made to the settings file by other processes.
func (s *Settings) Watch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watching {
		return
	}
	s.watching = true

	s.v.OnConfigChange(func(fsnotify.Event) {
		s.reload()
	})
	s.v.WatchConfig()
}

// reload picks up the value viper has just re-read from disk.
func (s *Settings) reload() {
	s.mu.Lock()
	enabled := s.v.GetBool(keySyncEnabled)
	listeners := s.update(enabled)
	s.mu.Unlock()

	if listeners != nil {
		s.logger.Info().Bool("sync_enabled", enabled).Msg("Sync setting changed on disk")
		notify(listeners, enabled)
	}
}

// update records enabled and returns the listeners to notify, or nil when
// nothing changed. Callers hold s.mu.
func (s *Settings) update(enabled bool) []func(bool) {
	if s.syncEnabled == enabled {
		return nil
	}
	s.syncEnabled = enabled
	return append([]func(bool){}, s.listeners...)
}

func notify(listeners []func(bool), enabled bool) {
	for _, fn := range listeners {
		fn(enabled)
	}
}
