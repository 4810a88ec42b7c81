package config

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/runicorn/runicorn/errors"
	"github.com/runicorn/runicorn/logger"
)

// RateLimitWatcher watches the rate-limit JSON file and triggers reload
// callbacks when it changes. Rapid successive writes are debounced.
type RateLimitWatcher struct {
	configPath     string
	watcher        *fsnotify.Watcher
	callbacks      []RateLimitReloadCallback
	mu             sync.RWMutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
}

// RateLimitReloadCallback is called with the freshly parsed config.
type RateLimitReloadCallback func(*RateLimitConfig) error

// NewRateLimitWatcher creates a watcher for the rate-limit config file.
// The file does not need to exist yet; the parent directory is watched so
// creation is picked up too.
func NewRateLimitWatcher(configPath string) (*RateLimitWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}

	dir := configPath
	if idx := strings.LastIndexByte(configPath, '/'); idx > 0 {
		dir = configPath[:idx]
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "watch config directory %s", dir)
	}

	return &RateLimitWatcher{
		configPath:     configPath,
		watcher:        watcher,
		callbacks:      make([]RateLimitReloadCallback, 0),
		debouncePeriod: 500 * time.Millisecond,
	}, nil
}

// OnReload registers a callback to be called when the config is reloaded
func (w *RateLimitWatcher) OnReload(callback RateLimitReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for config file changes
func (w *RateLimitWatcher) Start() {
	go w.watchLoop()
}

func (w *RateLimitWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Infow("Rate limit config changed",
				"file", event.Name,
				"op", event.Op.String())
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Rate limit config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces rapid file changes and triggers reload
func (w *RateLimitWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(w.debouncePeriod, func() {
		if err := w.reload(); err != nil {
			logger.Errorw("Rate limit config reload failed", "error", err)
		}
	})
}

func (w *RateLimitWatcher) reload() error {
	cfg, err := LoadRateLimitConfig(w.configPath)
	if err != nil {
		return err
	}

	logger.Infow("Rate limit config reloaded", "path", w.configPath)

	w.mu.RLock()
	callbacks := make([]RateLimitReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(cfg); err != nil {
			logger.Warnw("Rate limit reload callback error", "error", err)
		}
	}
	return nil
}

// Stop stops watching for config changes
func (w *RateLimitWatcher) Stop() error {
	return w.watcher.Close()
}
