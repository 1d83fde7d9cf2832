// Package config loads, validates, writes and watches the dbaccel
// configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shizukutanaka/dbaccel/internal/api"
	"github.com/shizukutanaka/dbaccel/internal/cache"
	"github.com/shizukutanaka/dbaccel/internal/database"
	"github.com/shizukutanaka/dbaccel/internal/engine"
	"github.com/shizukutanaka/dbaccel/internal/logging"
	"github.com/shizukutanaka/dbaccel/internal/monitoring"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g.
// DBACCEL_MONITOR_SLOW_QUERY_THRESHOLD=250ms.
const EnvPrefix = "DBACCEL"

// Config is the whole application configuration.
type Config struct {
	Topology      database.Topology        `mapstructure:"topology" yaml:"topology"`
	Pools         database.PoolConfig      `mapstructure:"pools" yaml:"pools"`
	Query         engine.QueryConfig       `mapstructure:"query" yaml:"query"`
	Cache         cache.Config             `mapstructure:"cache" yaml:"cache"`
	Monitor       monitoring.Config        `mapstructure:"monitor" yaml:"monitor"`
	Metrics       monitoring.MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Server        api.Config               `mapstructure:"server" yaml:"server"`
	Logging       logging.Config           `mapstructure:"logging" yaml:"logging"`
	ShutdownGrace time.Duration            `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// DefaultConfig returns a configuration with sensible default values
func DefaultConfig() *Config {
	db := database.DefaultConfig()
	eng := engine.DefaultConfig()
	return &Config{
		Topology:      db.Topology,
		Pools:         db.Pools,
		Query:         eng.Query,
		Cache:         eng.Cache,
		Monitor:       eng.Monitor,
		Metrics:       eng.Metrics,
		Server:        api.DefaultConfig(),
		Logging:       logging.DefaultConfig(),
		ShutdownGrace: eng.ShutdownGrace,
	}
}

// Load reads the configuration: defaults, then the YAML file at path (if
// path is not empty), then DBACCEL_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Engine().Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Server.Enabled && c.Server.ListenAddr == "" {
		return errors.New("server: listen_addr is required when the server is enabled")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server: rate_limit must not be negative")
	}
	if c.Monitor.SlowQueryThreshold <= 0 {
		return errors.New("monitor: slow_query_threshold must be positive")
	}
	if c.Monitor.EWMAAlpha <= 0 || c.Monitor.EWMAAlpha > 1 {
		return errors.New("monitor: ewma_alpha must be in (0, 1]")
	}
	return nil
}

// Engine returns the access layer part of the configuration.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		Database: database.Config{
			Topology: c.Topology,
			Pools:    c.Pools,
		},
		Query:         c.Query,
		Cache:         c.Cache,
		Monitor:       c.Monitor,
		Metrics:       c.Metrics,
		ShutdownGrace: c.ShutdownGrace,
	}
}
