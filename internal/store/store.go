// Package store provides the shared key/value capability used by admission
// control for distributed counters and by the settlement manager for shared
// state. It runs against Redis when configured, or an embedded in-process
// store otherwise, behind one interface so callers never branch on backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned on key misses.
var ErrNotFound = errors.New("store: key not found")

// ErrUnavailable wraps backend connectivity failures. Admission control
// treats it as the signal to degrade to fail-open local limiting.
var ErrUnavailable = errors.New("store: unavailable")

// Store is the capability surface the pipeline depends on: atomic counters
// with expiry for fixed windows, sorted timestamp sets for sliding windows,
// and hashes for token bucket state.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Increment atomically increments key and, on first write, applies ttl.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// Config selects and tunes the backing store.
type Config struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	OpTimeout     time.Duration `yaml:"op_timeout"`
}

// DefaultConfig returns the store defaults: embedded backend, 500ms per-op
// budget when Redis is configured.
func DefaultConfig() Config {
	return Config{OpTimeout: 500 * time.Millisecond}
}

// New picks the backend: Redis when an address is configured and answers a
// ping, the embedded store otherwise. The choice is logged once at startup.
func New(cfg Config) Store {
	if cfg.RedisAddr == "" {
		log.Info().Msg("store: using embedded backend")
		return NewMemory()
	}

	rs := newRedisStore(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).
			Msg("store: redis unreachable, falling back to embedded backend")
		_ = rs.Close()
		return NewMemory()
	}

	log.Info().Str("addr", cfg.RedisAddr).Msg("store: using redis backend")
	return rs
}
