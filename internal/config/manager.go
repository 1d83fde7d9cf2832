package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Manager holds the live configuration and reloads it when the file
// changes. Callbacks run synchronously, in registration order, with the
// previous and the new configuration.
type Manager struct {
	logger     *zap.Logger
	configPath string

	config   *Config
	configMu sync.RWMutex

	watcher   *ConfigWatcher
	debounce  time.Duration
	callbacks []func(old, cur *Config)
}

// NewManager creates a manager and performs the initial load.
func NewManager(logger *zap.Logger, configPath string) (*Manager, error) {
	m := &Manager{
		logger:     logger.Named("config"),
		configPath: configPath,
		debounce:   500 * time.Millisecond,
	}
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("initial config load failed: %w", err)
	}
	m.config = cfg
	return m, nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.configMu.RLock()
	defer m.configMu.RUnlock()
	cfgCopy := *m.config
	return &cfgCopy
}

// OnChange registers a callback invoked after every successful reload.
func (m *Manager) OnChange(callback func(old, cur *Config)) {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Reload reads the file again. An invalid file leaves the current
// configuration in place.
func (m *Manager) Reload() error {
	cfg, err := Load(m.configPath)
	if err != nil {
		return err
	}

	m.configMu.Lock()
	old := m.config
	m.config = cfg
	callbacks := append(([]func(old, cur *Config))(nil), m.callbacks...)
	m.configMu.Unlock()

	for _, cb := range callbacks {
		cb(old, cfg)
	}
	m.logger.Info("Configuration reloaded", zap.String("path", m.configPath))
	return nil
}

// StartWatcher reloads the configuration whenever the file changes.
func (m *Manager) StartWatcher() error {
	if m.configPath == "" {
		return fmt.Errorf("no config file to watch")
	}
	w, err := NewConfigWatcher(m.logger, m.configPath)
	if err != nil {
		return err
	}
	w.SetDebounce(m.debounce)
	if err := w.Start(func() {
		if err := m.Reload(); err != nil {
			m.logger.Error("Failed to hot-reload configuration", zap.Error(err))
		}
	}); err != nil {
		_ = w.watcher.Close()
		return err
	}
	m.watcher = w
	return nil
}

// StopWatcher stops the file watcher.
func (m *Manager) StopWatcher() {
	if m.watcher != nil {
		m.watcher.Stop()
	}
}

// Save writes cfg to path atomically: a temporary file in the same
// directory is renamed over the target.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}
	return nil
}

// WriteDefault writes the default configuration to path. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	return Save(DefaultConfig(), path)
}
