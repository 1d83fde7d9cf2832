package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config defines all settings for logging.
type Config struct {
	// Level is the minimum log level that will be captured.
	Level string `mapstructure:"level" yaml:"level"`

	// Format specifies the log output format. Can be "json" or "console".
	Format string `mapstructure:"format" yaml:"format"`

	// OutputPath is "stdout", "stderr" or a file path. Files are rotated.
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`

	// Rotation defines the configuration for log file rotation.
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`

	// ModuleLevels sets levels for named module loggers, e.g. pool: debug.
	ModuleLevels map[string]string `mapstructure:"module_levels" yaml:"module_levels"`

	// Development enables development-friendly logging (e.g., colored console output).
	Development bool `mapstructure:"development" yaml:"development"`

	// Sampling configures log sampling to reduce log volume.
	Sampling SamplingConfig `mapstructure:"sampling" yaml:"sampling"`
}

// RotationConfig defines the settings for log file rotation.
type RotationConfig struct {
	// MaxSize is the maximum size in megabytes of the log file before it gets rotated.
	MaxSize int `mapstructure:"max_size_mb" yaml:"max_size_mb"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `mapstructure:"max_age_days" yaml:"max_age_days"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`

	// Compress determines if the rotated log files should be compressed.
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// SamplingConfig defines the settings for log sampling.
type SamplingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Initial is the number of identical messages logged per second before sampling kicks in.
	Initial int `mapstructure:"initial" yaml:"initial"`
	// Thereafter keeps every Nth identical message after the initial burst.
	Thereafter int `mapstructure:"thereafter" yaml:"thereafter"`
}

// DefaultConfig returns a new Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		OutputPath: "stderr",
		Rotation: RotationConfig{
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		ModuleLevels: map[string]string{},
		Sampling: SamplingConfig{
			Enabled:    true,
			Initial:    100,
			Thereafter: 100,
		},
	}
}

// Validate checks levels and format.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	for module, lvl := range c.ModuleLevels {
		if _, err := zapcore.ParseLevel(lvl); err != nil {
			return fmt.Errorf("invalid level %q for module %s: %w", lvl, module, err)
		}
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Format)
	}
	if c.OutputPath == "" {
		return fmt.Errorf("output_path is required")
	}
	return nil
}

// buildEncoderConfig creates a zapcore.EncoderConfig from the logger config.
func (c Config) buildEncoderConfig() zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if c.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return encoderConfig
}
