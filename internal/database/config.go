package database

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConnectionClass is a named pool category.
type ConnectionClass uint8

const (
	ClassPrimary ConnectionClass = iota
	ClassReplica
	ClassAnalytics
)

// ClassCount is the number of connection classes.
const ClassCount = int(ClassAnalytics) + 1

// Classes lists every connection class in routing preference order for
// pool enumeration.
var Classes = []ConnectionClass{ClassPrimary, ClassReplica, ClassAnalytics}

func (c ConnectionClass) String() string {
	switch c {
	case ClassPrimary:
		return "primary"
	case ClassReplica:
		return "replica"
	case ClassAnalytics:
		return "analytics"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// ParseConnectionClass parses "primary", "replica" or "analytics".
func ParseConnectionClass(s string) (ConnectionClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "write":
		return ClassPrimary, nil
	case "replica", "read":
		return ClassReplica, nil
	case "analytics":
		return ClassAnalytics, nil
	}
	return 0, fmt.Errorf("unknown connection class %q", s)
}

// Endpoint is one datastore reachable through a database/sql driver.
type Endpoint struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// Configured reports whether the endpoint has a DSN.
func (e Endpoint) Configured() bool { return e.DSN != "" }

// Topology describes the datastore nodes behind the layer.
type Topology struct {
	Primary   Endpoint   `mapstructure:"primary" yaml:"primary"`
	Replicas  []Endpoint `mapstructure:"replicas" yaml:"replicas"`
	Analytics Endpoint   `mapstructure:"analytics" yaml:"analytics"`
}

// PoolSize bounds the connections of every pool in a class.
type PoolSize struct {
	Min int `mapstructure:"min" yaml:"min"`
	Max int `mapstructure:"max" yaml:"max"`
}

// PoolConfig defines connection pool configuration
type PoolConfig struct {
	Primary   PoolSize `mapstructure:"primary" yaml:"primary"`
	Replica   PoolSize `mapstructure:"replica" yaml:"replica"`
	Analytics PoolSize `mapstructure:"analytics" yaml:"analytics"`

	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" yaml:"maintenance_interval"`

	ProbeInterval    time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold" yaml:"success_threshold"`

	// efficiency = UtilizationWeight*(1-active/max) + LatencyWeight*(1-acquire_latency)
	UtilizationWeight float64 `mapstructure:"utilization_weight" yaml:"utilization_weight"`
	LatencyWeight     float64 `mapstructure:"latency_weight" yaml:"latency_weight"`

	StatementCacheSize int `mapstructure:"statement_cache_size" yaml:"statement_cache_size"`
}

// Config holds the database configuration settings
type Config struct {
	Topology Topology   `mapstructure:"topology" yaml:"topology"`
	Pools    PoolConfig `mapstructure:"pools" yaml:"pools"`
}

// SizeFor returns the pool bounds configured for a class.
func (c PoolConfig) SizeFor(class ConnectionClass) PoolSize {
	switch class {
	case ClassReplica:
		return c.Replica
	case ClassAnalytics:
		return c.Analytics
	default:
		return c.Primary
	}
}

// DefaultPoolConfig returns default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Primary:             PoolSize{Min: 5, Max: 20},
		Replica:             PoolSize{Min: 5, Max: 20},
		Analytics:           PoolSize{Min: 2, Max: 10},
		AcquireTimeout:      5 * time.Second,
		IdleTimeout:         5 * time.Minute,
		MaintenanceInterval: 30 * time.Second,
		ProbeInterval:       30 * time.Second,
		ProbeTimeout:        5 * time.Second,
		FailureThreshold:    3,
		SuccessThreshold:    2,
		UtilizationWeight:   0.7,
		LatencyWeight:       0.3,
		StatementCacheSize:  100,
	}
}

// DefaultConfig returns a configuration with sensible default values
func DefaultConfig() Config {
	return Config{
		Topology: Topology{
			Primary: Endpoint{
				Driver: "sqlite3",
				DSN:    "file:./data/dbaccel.db?_busy_timeout=5000&_journal_mode=WAL",
			},
		},
		Pools: DefaultPoolConfig(),
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if !c.Topology.Primary.Configured() {
		return errors.New("topology: primary endpoint requires a dsn")
	}
	for i, r := range c.Topology.Replicas {
		if !r.Configured() {
			return fmt.Errorf("topology: replica %d requires a dsn", i)
		}
	}

	for _, class := range Classes {
		size := c.Pools.SizeFor(class)
		if size.Max <= 0 {
			return fmt.Errorf("pools: %s max must be positive", class)
		}
		if size.Min < 0 || size.Min > size.Max {
			return fmt.Errorf("pools: %s min must be between 0 and max", class)
		}
	}

	p := c.Pools
	if p.AcquireTimeout <= 0 {
		return errors.New("pools: acquire_timeout must be positive")
	}
	if p.ProbeInterval <= 0 || p.MaintenanceInterval <= 0 {
		return errors.New("pools: probe_interval and maintenance_interval must be positive")
	}
	if p.FailureThreshold < 1 || p.SuccessThreshold < 1 {
		return errors.New("pools: failure_threshold and success_threshold must be at least 1")
	}
	if p.UtilizationWeight < 0 || p.LatencyWeight < 0 || p.UtilizationWeight+p.LatencyWeight == 0 {
		return errors.New("pools: efficiency weights must be non-negative and not both zero")
	}
	return nil
}
