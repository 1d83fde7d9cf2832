package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ConfigWatcher calls back after the configuration file settles. It
// watches the parent directory so editors that replace the file by rename
// are seen too.
type ConfigWatcher struct {
	logger  *zap.Logger
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	onChange func()
	running  bool
	debounce time.Duration
	timer    *time.Timer
	done     chan struct{}
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(logger *zap.Logger, configPath string) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &ConfigWatcher{
		logger:   logger,
		path:     filepath.Clean(configPath),
		watcher:  watcher,
		debounce: 500 * time.Millisecond,
	}, nil
}

// SetDebounce sets the quiet period before a reload. Call before Start.
func (cw *ConfigWatcher) SetDebounce(d time.Duration) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.debounce = d
}

// Start starts watching the configuration file
func (cw *ConfigWatcher) Start(onChange func()) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running {
		return errors.New("watcher already running")
	}
	dir := filepath.Dir(cw.path)
	if err := cw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	cw.onChange = onChange
	cw.running = true
	cw.done = make(chan struct{})
	go cw.handleEvents()

	cw.logger.Info("Configuration watcher started", zap.String("path", cw.path))
	return nil
}

// Stop stops the watcher and waits for its event loop to exit. A pending
// reload is dropped.
func (cw *ConfigWatcher) Stop() {
	cw.mu.Lock()
	if !cw.running {
		cw.mu.Unlock()
		return
	}
	cw.running = false
	if cw.timer != nil {
		cw.timer.Stop()
	}
	done := cw.done
	cw.mu.Unlock()

	_ = cw.watcher.Close()
	<-done
	cw.logger.Info("Configuration watcher stopped")
}

func (cw *ConfigWatcher) handleEvents() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				cw.logger.Debug("Config file changed", zap.String("op", event.Op.String()))
				cw.scheduleReload()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				cw.logger.Debug("Config file moved away", zap.String("op", event.Op.String()))
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

// scheduleReload restarts the debounce timer.
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if !cw.running {
		return
	}
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, func() {
		cw.mu.Lock()
		running, cb := cw.running, cw.onChange
		cw.mu.Unlock()
		if running && cb != nil {
			cw.logger.Info("Reloading configuration", zap.String("path", cw.path))
			cb()
		}
	})
}
