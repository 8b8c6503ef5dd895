package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeEvent describes one applied configuration reload.
type ChangeEvent struct {
	Path      string
	Action    string // initial_load, modify, manual_reload
	Old       *Config
	New       *Config
	Timestamp time.Time
}

// ChangeHandler is called after a reload passes validation. Handlers run on
// their own goroutines; they must not block on the manager.
type ChangeHandler func(event ChangeEvent) error

// Manager owns the live configuration and hot-reloads it when the config
// file changes on disk. Reloads that fail validation are logged and dropped;
// the previous configuration stays active.
type Manager struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler
	started  bool
	stopCh   chan struct{}

	// Polling fallback for filesystems where fsnotify is unreliable.
	pollInterval  time.Duration
	enablePolling bool
}

// NewManager loads the initial configuration and prepares the watcher. The
// path may be empty, in which case defaults plus env apply and hot reload is
// disabled.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:         path,
		logger:       logger,
		current:      cfg,
		stopCh:       make(chan struct{}),
		pollInterval: 10 * time.Second,
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create file watcher: %w", err)
		}
		m.watcher = watcher
	}

	return m, nil
}

// Get returns the current configuration snapshot. The returned pointer is
// never mutated after publication; callers may hold it across calls.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// RegisterHandler adds a change handler invoked after each applied reload.
func (m *Manager) RegisterHandler(handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// EnablePolling turns on the polling fallback with the given interval.
func (m *Manager) EnablePolling(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enablePolling = true
	m.pollInterval = interval
}

// Start begins watching the config file. No-op when no path was configured.
func (m *Manager) Start() error {
	if m.watcher == nil {
		return nil
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	polling := m.enablePolling
	m.mu.Unlock()

	// Watch the directory, not the file: editors and config maps replace
	// files by rename, which drops a file-level watch.
	if err := m.watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	go m.watchLoop()
	if polling {
		go m.pollLoop()
	}

	m.logger.Info("Configuration manager started",
		zap.String("path", m.path),
		zap.Bool("polling_enabled", polling),
	)
	return nil
}

// Stop terminates the watcher goroutines.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	close(m.stopCh)
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing config watcher", zap.Error(err))
	}
	m.started = false
	return nil
}

// Reload re-reads the config file immediately.
func (m *Manager) Reload() error {
	return m.apply("manual_reload")
}

func (m *Manager) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Config watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Small delay to absorb rapid successive writes.
			time.Sleep(50 * time.Millisecond)
			if err := m.apply("modify"); err != nil {
				m.logger.Error("Config reload rejected",
					zap.String("path", m.path),
					zap.Error(err),
				)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) pollLoop() {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var lastMod time.Time
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			info, err := statConfig(m.path)
			if err != nil {
				continue
			}
			if info.After(lastMod) {
				lastMod = info
				if err := m.apply("polling_detected"); err != nil {
					m.logger.Error("Config reload rejected",
						zap.String("path", m.path),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// apply loads, validates, swaps, and notifies. Validation failure leaves the
// current config in place.
func (m *Manager) apply(action string) error {
	next, err := Load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.current
	m.current = next
	handlers := make([]ChangeHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	event := ChangeEvent{
		Path:      m.path,
		Action:    action,
		Old:       old,
		New:       next,
		Timestamp: time.Now(),
	}
	for _, handler := range handlers {
		h := handler
		go func() {
			if err := h(event); err != nil {
				m.logger.Error("Config change handler error",
					zap.String("action", action),
					zap.Error(err),
				)
			}
		}()
	}

	m.logger.Info("Configuration reloaded",
		zap.String("path", m.path),
		zap.String("action", action),
	)
	return nil
}

func statConfig(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
