package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store holds the current configuration snapshot. Readers get a consistent
// *Config; a reload swaps the pointer atomically so in-flight requests keep
// the snapshot they started with.
type Store struct {
	current atomic.Pointer[Config]
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	onSwap  func(*Config)
}

// NewStore creates a snapshot store seeded with cfg. path is the file the
// snapshot was loaded from ("" disables watching).
func NewStore(cfg *Config, path string, logger *zap.Logger) *Store {
	s := &Store{
		path:   path,
		logger: logger.With(zap.String("component", "config-store")),
	}
	s.current.Store(cfg)
	return s
}

// Snapshot returns the current immutable configuration.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// OnSwap registers a callback invoked after each successful snapshot swap.
// Must be called before Watch.
func (s *Store) OnSwap(fn func(*Config)) {
	s.onSwap = fn
}

// Swap replaces the snapshot.
func (s *Store) Swap(cfg *Config) {
	s.current.Store(cfg)
	if s.onSwap != nil {
		s.onSwap(cfg)
	}
}

// Watch reloads and swaps the snapshot whenever the config file changes.
// A reload that fails validation keeps the previous snapshot.
func (s *Store) Watch() error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(s.path)
				if err != nil {
					s.logger.Warn("Config reload failed, keeping previous snapshot", zap.Error(err))
					continue
				}
				s.Swap(cfg)
				s.logger.Info("Config snapshot swapped",
					zap.Int("providers", len(cfg.Providers)),
					zap.Int("categories", len(cfg.Routing.Categories)),
				)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Config watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}

// Close stops the watcher.
func (s *Store) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}
