package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/memebattle/meme-generator/internal/config"
)

// Cache is a string key/value store with per-entry expiry.
// A miss is reported as found=false with a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Locker serializes work across replicas on a named lock.
type Locker interface {
	WithLock(ctx context.Context, name string, ttl, wait time.Duration, fn func(ctx context.Context) error) error
}

// New builds the cache selected by CACHE_TYPE.
func New(cfg *config.Config, logger zerolog.Logger) (Cache, error) {
	log := logger.With().Str("component", "cache").Str("cache_type", cfg.CacheType).Logger()

	switch cfg.CacheType {
	case config.CacheTypeRedis:
		return NewRedisCache(cfg.RedisURL, cfg.CacheOpTimeout, log)
	case config.CacheTypeMemory:
		log.Warn().Int("max_size", cfg.CacheMaxSize).Msg("using in-process cache, entries are not shared between replicas")
		return NewMemoryCache(cfg.CacheMaxSize)
	case config.CacheTypeNoop:
		log.Warn().Msg("caching disabled, every request reaches the inference backend")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.CacheType)
	}
}
