// Package logging builds the zap loggers used across the access layer.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerFactory provides centralized logger creation. Module loggers share
// one writer; their levels follow the root level unless ModuleLevels pins
// them.
type LoggerFactory struct {
	config     Config
	level      zap.AtomicLevel
	encoder    zapcore.Encoder
	writer     zapcore.WriteSyncer
	closer     io.Closer
	rootLogger *zap.Logger

	loggers   map[string]*zap.Logger
	loggersMu sync.RWMutex
}

// NewLoggerFactory creates a new logger factory
func NewLoggerFactory(config Config) (*LoggerFactory, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	level, _ := zap.ParseAtomicLevel(config.Level)

	f := &LoggerFactory{
		config:  config,
		level:   level,
		loggers: make(map[string]*zap.Logger),
	}

	if config.Format == "json" {
		f.encoder = zapcore.NewJSONEncoder(config.buildEncoderConfig())
	} else {
		f.encoder = zapcore.NewConsoleEncoder(config.buildEncoderConfig())
	}

	switch config.OutputPath {
	case "stdout":
		f.writer = zapcore.Lock(os.Stdout)
	case "stderr":
		f.writer = zapcore.Lock(os.Stderr)
	default:
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.Rotation.MaxSize,
			MaxBackups: config.Rotation.MaxBackups,
			MaxAge:     config.Rotation.MaxAge,
			Compress:   config.Rotation.Compress,
		}
		f.writer = zapcore.AddSync(rotator)
		f.closer = rotator
	}

	f.rootLogger = zap.New(f.buildCore(f.level), f.options()...)
	return f, nil
}

// Logger returns the root logger.
func (f *LoggerFactory) Logger() *zap.Logger { return f.rootLogger }

// GetLogger returns a logger for the specified module
func (f *LoggerFactory) GetLogger(module string) *zap.Logger {
	f.loggersMu.RLock()
	if logger, exists := f.loggers[module]; exists {
		f.loggersMu.RUnlock()
		return logger
	}
	f.loggersMu.RUnlock()

	f.loggersMu.Lock()
	defer f.loggersMu.Unlock()

	if logger, exists := f.loggers[module]; exists {
		return logger
	}

	logger := f.rootLogger.Named(module)
	if levelStr, ok := f.config.ModuleLevels[module]; ok {
		if level, err := zapcore.ParseLevel(levelStr); err == nil {
			core := f.buildCore(level)
			logger = logger.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core {
				return core
			}))
		}
	}

	f.loggers[module] = logger
	return logger
}

// SetLevel changes the root level at runtime. Pinned module levels are
// unaffected.
func (f *LoggerFactory) SetLevel(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if f.level.Level() != lvl {
		f.level.SetLevel(lvl)
		f.rootLogger.Info("Log level changed", zap.String("level", lvl.String()))
	}
	return nil
}

// Level returns the current root level.
func (f *LoggerFactory) Level() zapcore.Level { return f.level.Level() }

// Sync flushes buffered entries.
func (f *LoggerFactory) Sync() error {
	return f.rootLogger.Sync()
}

// Close flushes and closes the log file, if any.
func (f *LoggerFactory) Close() error {
	_ = f.Sync()
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

func (f *LoggerFactory) buildCore(level zapcore.LevelEnabler) zapcore.Core {
	core := zapcore.NewCore(f.encoder, f.writer, level)
	if s := f.config.Sampling; s.Enabled && s.Initial > 0 && s.Thereafter > 0 {
		core = zapcore.NewSamplerWithOptions(core, time.Second, s.Initial, s.Thereafter)
	}
	return core
}

func (f *LoggerFactory) options() []zap.Option {
	options := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if f.config.Development {
		options = append(options, zap.Development())
	}
	if hostname, err := os.Hostname(); err == nil {
		options = append(options, zap.Fields(zap.String("host", hostname)))
	}
	return options
}
