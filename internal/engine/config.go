package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/shizukutanaka/dbaccel/internal/cache"
	"github.com/shizukutanaka/dbaccel/internal/database"
	"github.com/shizukutanaka/dbaccel/internal/monitoring"
	"github.com/shizukutanaka/dbaccel/internal/optimization"
)

// Config holds every setting the access layer consumes.
type Config struct {
	Database      database.Config
	Query         QueryConfig
	Cache         cache.Config
	Monitor       monitoring.Config
	Metrics       monitoring.MetricsConfig
	ShutdownGrace time.Duration
}

// QueryConfig configures statement execution.
type QueryConfig struct {
	Timeout          time.Duration                `mapstructure:"timeout" yaml:"timeout"`
	BatchConcurrency int                          `mapstructure:"batch_concurrency" yaml:"batch_concurrency"`
	Optimizer        optimization.OptimizerConfig `mapstructure:"optimizer" yaml:"optimizer"`
}

// DefaultQueryConfig returns the default execution settings.
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		Timeout:          30 * time.Second,
		BatchConcurrency: 8,
		Optimizer:        optimization.DefaultOptimizerConfig(),
	}
}

// DefaultConfig returns a configuration with sensible default values
func DefaultConfig() Config {
	return Config{
		Database:      database.DefaultConfig(),
		Query:         DefaultQueryConfig(),
		Cache:         cache.DefaultConfig(),
		Monitor:       monitoring.DefaultConfig(),
		Metrics:       monitoring.DefaultMetricsConfig(),
		ShutdownGrace: 10 * time.Second,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.Query.Timeout <= 0 {
		return errors.New("query: timeout must be positive")
	}
	if c.Query.BatchConcurrency < 1 {
		return errors.New("query: batch_concurrency must be at least 1")
	}
	if c.Cache.Enabled {
		if c.Cache.TTL <= 0 || c.Cache.MaxEntries <= 0 {
			return fmt.Errorf("cache: ttl and max_entries must be positive")
		}
		if c.Cache.SweepInterval <= 0 {
			return errors.New("cache: sweep_interval must be positive")
		}
		if c.Cache.MinLatency < 0 {
			return errors.New("cache: min_latency must not be negative")
		}
	}
	if c.ShutdownGrace < 0 {
		return errors.New("shutdown_grace must not be negative")
	}
	return nil
}
