package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/pbnjay/memory"
	"go.uber.org/zap"
)

const (
	headerSize = 9 // expiry unix nanos + flags

	flagCompressed byte = 1 << 0
)

// L2Config configures the bigcache backed second level.
type L2Config struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// SizeMB caps bigcache memory; 0 derives it from host memory.
	SizeMB        int `mapstructure:"size_mb" yaml:"size_mb"`
	Shards        int `mapstructure:"shards" yaml:"shards"`
	CompressAbove int `mapstructure:"compress_above" yaml:"compress_above"`
}

// DefaultL2Config returns the default second-level configuration.
func DefaultL2Config() L2Config {
	return L2Config{
		Enabled:       false,
		Shards:        256,
		CompressAbove: 1024,
	}
}

// defaultL2SizeMB uses a sixteenth of physical memory, between 16MB and 512MB.
func defaultL2SizeMB() int {
	total := memory.TotalMemory()
	if total == 0 {
		return 64
	}
	mb := int(total / 16 / (1 << 20))
	return min(max(mb, 16), 512)
}

// BigCacheL2 stores encoded results in bigcache. Each payload carries its
// own expiry so entries promoted back to the first level keep their
// original deadline.
type BigCacheL2 struct {
	logger        *zap.Logger
	cache         *bigcache.BigCache
	encoder       *zstd.Encoder
	decoder       *zstd.Decoder
	compressAbove int
}

// NewBigCacheL2 creates a bigcache second level whose life window is ttl.
func NewBigCacheL2(ctx context.Context, logger *zap.Logger, config L2Config, ttl time.Duration) (*BigCacheL2, error) {
	if config.SizeMB <= 0 {
		config.SizeMB = defaultL2SizeMB()
	}
	if config.Shards <= 0 {
		config.Shards = DefaultL2Config().Shards
	}
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}

	bcConfig := bigcache.DefaultConfig(ttl)
	bcConfig.Shards = config.Shards
	bcConfig.CleanWindow = ttl
	bcConfig.HardMaxCacheSize = config.SizeMB
	bcConfig.Verbose = false

	bc, err := bigcache.New(ctx, bcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create L2 cache: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = bc.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = bc.Close()
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	logger.Info("L2 cache initialized",
		zap.String("size", humanize.IBytes(uint64(config.SizeMB)<<20)),
		zap.Int("shards", config.Shards),
		zap.Duration("life_window", ttl),
	)

	return &BigCacheL2{
		logger:        logger,
		cache:         bc,
		encoder:       encoder,
		decoder:       decoder,
		compressAbove: config.CompressAbove,
	}, nil
}

// Get returns the payload stored under key and its expiry.
func (l *BigCacheL2) Get(key string) ([]byte, time.Time, error) {
	raw, err := l.cache.Get(key)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, time.Time{}, ErrNotFound
		}
		return nil, time.Time{}, err
	}
	if len(raw) < headerSize {
		return nil, time.Time{}, fmt.Errorf("L2 entry %q truncated", key)
	}

	expires := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
	body := raw[headerSize:]
	if raw[8]&flagCompressed != 0 {
		body, err = l.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("decompress L2 entry: %w", err)
		}
	}
	return body, expires, nil
}

// Set stores value until expires, compressing it above the threshold.
func (l *BigCacheL2) Set(key string, value []byte, expires time.Time) error {
	var flags byte
	body := value
	if l.compressAbove > 0 && len(value) > l.compressAbove {
		compressed := l.encoder.EncodeAll(value, make([]byte, 0, len(value)/2))
		if len(compressed) < len(value) {
			body = compressed
			flags |= flagCompressed
		}
	}

	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint64(buf[:8], uint64(expires.UnixNano()))
	buf[8] = flags
	copy(buf[headerSize:], body)
	return l.cache.Set(key, buf)
}

// Len returns the number of entries held by bigcache.
func (l *BigCacheL2) Len() int { return l.cache.Len() }

// Close releases bigcache and the codecs.
func (l *BigCacheL2) Close() error {
	l.decoder.Close()
	err := l.encoder.Close()
	return errors.Join(err, l.cache.Close())
}
