// Package settings holds the user's settings.json and reloads it when the
// file changes on disk.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fsnotify/fsnotify"

	"github.com/tchow-twistedxcom/termbridge/internal/logging"
)

var settingsLog = logging.ForComponent(logging.CompSettings)

// FileName is the settings file inside the termbridge home directory.
const FileName = "settings.json"

// Well-known keys.
const (
	KeyDebugMode           = "developer.debugMode"
	KeyPtyPath             = "pty.path"
	KeyPtyInitFile         = "pty.rc"
	KeyDisableAutocomplete = "autocomplete.disable"
	KeyTelemetryDisabled   = "app.disableTelemetry"
	KeySSHCommandPrefix    = "ssh.commandPrefix"
)

// ErrInvalid is returned when the settings file is not a JSON object.
var ErrInvalid = errors.New("settings: file is not a valid JSON object")

const debounce = 100 * time.Millisecond

// Settings is an immutable snapshot of every key.
type Settings map[string]any

// Bool returns key as a bool.
func (s Settings) Bool(key string) (bool, bool) {
	v, ok := s[key].(bool)
	return v, ok
}

// String returns key as a string.
func (s Settings) String(key string) (string, bool) {
	v, ok := s[key].(string)
	return v, ok
}

// Store owns the settings file.
type Store struct {
	path string

	mu        sync.RWMutex
	current   Settings
	listeners []func(Settings)

	watchMu  sync.Mutex
	watchCtx context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewStore loads path. A missing or empty file yields empty settings.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, current: Settings{}}
	if _, err := s.Reload(); err != nil {
		return s, err
	}
	return s, nil
}

// Path returns the settings file path.
func (s *Store) Path() string { return s.path }

func readFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read: %w", err)
	}
	if len(data) == 0 {
		return Settings{}, nil
	}
	var out Settings
	if err := sonic.ConfigStd.Unmarshal(data, &out); err != nil || out == nil {
		return nil, ErrInvalid
	}
	return out, nil
}

// Reload reads the file and notifies listeners. On a parse error the
// previous settings are kept.
func (s *Store) Reload() (Settings, error) {
	next, err := readFile(s.path)
	if err != nil {
		return s.Snapshot(), err
	}

	s.mu.Lock()
	s.current = next
	fns := append([]func(Settings){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
	return next, nil
}

// Snapshot returns a copy of the current settings.
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Settings, len(s.current))
	for k, v := range s.current {
		out[k] = v
	}
	return out
}

// Get returns the value of key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.current[key]
	return v, ok
}

// Keys returns every key, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.current))
	for k := range s.current {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// OnChange registers fn to run after every successful reload.
func (s *Store) OnChange(fn func(Settings)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Set stores one key and writes the file.
func (s *Store) Set(key string, value any) error {
	return s.Update(map[string]any{key: value})
}

// Update merges kv into the settings and writes the file atomically.
// A nil value removes the key.
func (s *Store) Update(kv map[string]any) error {
	s.mu.Lock()
	next := make(Settings, len(s.current)+len(kv))
	for k, v := range s.current {
		next[k] = v
	}
	for k, v := range kv {
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	if err := writeFile(s.path, next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.current = next
	s.mu.Unlock()
	return nil
}

func writeFile(path string, v Settings) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("settings: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("settings: rename: %w", err)
	}
	return nil
}

// Start watches the settings directory until ctx is done or Stop is called.
// The directory is watched rather than the file so atomic saves are seen.
func (s *Store) Start(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.watchCtx = ctx
	return s.startLocked()
}

func (s *Store) startLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("settings: mkdir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("settings: watch %s: %w", dir, err)
	}

	parent := s.watchCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		defer w.Close()
		s.watch(ctx, w)
	}()
	settingsLog.Info("settings_listener_started", slog.String("path", s.path))
	return nil
}

func (s *Store) watch(ctx context.Context, w *fsnotify.Watcher) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if _, err := s.Reload(); err != nil {
					settingsLog.Warn("settings_reload_failed", slog.String("error", err.Error()))
					return
				}
				settingsLog.Debug("settings_reloaded", slog.Int("keys", len(s.Keys())))
			})

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			settingsLog.Warn("settings_watcher_error", slog.String("error", err.Error()))
		}
	}
}

// Stop ends the listener and waits for it to exit.
func (s *Store) Stop() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.stopLocked()
}

func (s *Store) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

// Restart replaces the listener with a fresh one and reloads the file.
func (s *Store) Restart() error {
	s.watchMu.Lock()
	s.stopLocked()
	err := s.startLocked()
	s.watchMu.Unlock()
	if err != nil {
		return err
	}
	_, err = s.Reload()
	return err
}

// Running reports whether the listener is active.
func (s *Store) Running() bool {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return s.cancel != nil
}
