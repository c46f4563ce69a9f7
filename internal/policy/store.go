package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store holds the loaded policy documents and the merged effective policy.
// Reload swaps both atomically, and Watch keeps the store current as files
// in the policy directory change.
type Store struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	loaded []*Loaded
	merged *Effective
}

func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger,
		merged: Defaults(),
	}
}

func (s *Store) Dir() string { return s.dir }

// Load reads every policy file in the store's directory and replaces the
// current state. On error the previous state is kept.
func (s *Store) Load() error {
	loaded, err := LoadDir(s.dir)
	if err != nil {
		return fmt.Errorf("loading policies from %s: %w", s.dir, err)
	}
	merged := Merge(loaded)

	s.mu.Lock()
	s.loaded = loaded
	s.merged = merged
	s.mu.Unlock()

	s.logger.Info("policies loaded", "dir", s.dir, "count", len(loaded), "name", merged.Name, "priority", merged.Priority)
	return nil
}

// Merged returns the current effective policy. The returned value must be
// treated as read-only.
func (s *Store) Merged() *Effective {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.merged
}

// Documents returns the currently loaded policy documents in ascending
// priority order.
func (s *Store) Documents() []*Loaded {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Loaded, len(s.loaded))
	copy(out, s.loaded)
	return out
}

// Watch reloads the store whenever a yaml file in the policy directory is
// created, written, renamed, or removed. Events are debounced so editors
// that write in multiple syscalls trigger a single reload. Watch blocks
// until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watching %s: %w", s.dir, err)
	}

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isYAML(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("policy watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := s.Load(); err != nil {
				s.logger.Error("policy reload failed, keeping previous policies", "error", err)
			}
		}
	}
}
