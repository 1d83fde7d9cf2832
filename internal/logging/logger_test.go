package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func fileConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OutputPath = filepath.Join(t.TempDir(), "logs", "dbaccel.log")
	cfg.Sampling.Enabled = false
	return cfg
}

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad level", func(c *Config) { c.Level = "loud" }, true},
		{"bad module level", func(c *Config) { c.ModuleLevels = map[string]string{"pool": "x"} }, true},
		{"bad format", func(c *Config) { c.Format = "xml" }, true},
		{"no output", func(c *Config) { c.OutputPath = "" }, true},
		{"console", func(c *Config) { c.Format = "console" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFileOutputAndModules(t *testing.T) {
	t.Parallel()
	cfg := fileConfig(t)
	cfg.ModuleLevels = map[string]string{"pool": "debug"}

	f, err := NewLoggerFactory(cfg)
	require.NoError(t, err)

	pool := f.GetLogger("pool")
	assert.Same(t, pool, f.GetLogger("pool"), "module loggers are cached")

	f.Logger().Debug("Root debug is filtered")
	f.Logger().Info("Root info", zap.Int("n", 1))
	pool.Debug("Pool debug is kept")
	f.GetLogger("cache").Debug("Cache debug is filtered")
	require.NoError(t, f.Close())

	entries := readEntries(t, cfg.OutputPath)
	require.Len(t, entries, 2)
	assert.Equal(t, "Root info", entries[0]["msg"])
	assert.EqualValues(t, 1, entries[0]["n"])
	assert.Equal(t, "Pool debug is kept", entries[1]["msg"])
	assert.Equal(t, "pool", entries[1]["logger"])
}

func TestSetLevel(t *testing.T) {
	t.Parallel()
	cfg := fileConfig(t)
	f, err := NewLoggerFactory(cfg)
	require.NoError(t, err)

	monitor := f.GetLogger("monitor")
	monitor.Debug("Dropped")

	require.NoError(t, f.SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, f.Level())
	monitor.Debug("Kept")

	assert.Error(t, f.SetLevel("nope"))
	assert.Equal(t, zapcore.DebugLevel, f.Level())
	require.NoError(t, f.Close())

	var msgs []string
	for _, e := range readEntries(t, cfg.OutputPath) {
		msgs = append(msgs, e["msg"].(string))
	}
	assert.Equal(t, []string{"Log level changed", "Kept"}, msgs)
}

func TestSampling(t *testing.T) {
	t.Parallel()
	cfg := fileConfig(t)
	cfg.Sampling = SamplingConfig{Enabled: true, Initial: 2, Thereafter: 100}
	f, err := NewLoggerFactory(cfg)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		f.Logger().Info("Repeated")
	}
	require.NoError(t, f.Close())

	assert.Len(t, readEntries(t, cfg.OutputPath), 2)
}

func TestNewLoggerFactoryRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Level = "verbose"
	_, err := NewLoggerFactory(cfg)
	assert.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core).With(zap.String("request_id", "r-1"))

	ctx := ToContext(context.Background(), logger)
	FromContext(ctx).Info("handled")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "r-1", logs.All()[0].ContextMap()["request_id"])
	assert.NotNil(t, FromContext(context.Background()))
}
