package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	lockPrefix     = "lock:"
	lockRetryDelay = 250 * time.Millisecond
)

type RedisCache struct {
	client    redis.UniversalClient
	rs        *redsync.Redsync
	opTimeout time.Duration
	log       zerolog.Logger
}

// NewRedisCache connects to REDIS_URL, which may list several comma separated
// nodes for a cluster. Startup fails when the first ping does not succeed.
func NewRedisCache(redisURL string, opTimeout time.Duration, log zerolog.Logger) (*RedisCache, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL must be provided")
	}

	opts, err := buildUniversalOptions(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	if len(opts.Addrs) > 1 && opts.DB != 0 {
		log.Warn().Msg("ignoring non-zero DB when using redis cluster configuration")
		opts.DB = 0
	}

	client := redis.NewUniversalClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	log.Info().Strs("addrs", opts.Addrs).Msg("connected to redis cache")
	return &RedisCache{
		client:    client,
		rs:        redsync.New(goredis.NewPool(client)),
		opTimeout: opTimeout,
		log:       log,
	}, nil
}

func buildUniversalOptions(raw string) (*redis.UniversalOptions, error) {
	opts := &redis.UniversalOptions{}

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if !strings.Contains(part, "://") {
			opts.Addrs = append(opts.Addrs, part)
			continue
		}

		parsed, err := redis.ParseURL(part)
		if err != nil {
			return nil, err
		}
		opts.Addrs = append(opts.Addrs, parsed.Addr)
		if opts.Username == "" {
			opts.Username = parsed.Username
		}
		if opts.Password == "" {
			opts.Password = parsed.Password
		}
		if opts.DB == 0 {
			opts.DB = parsed.DB
		}
		if opts.TLSConfig == nil {
			opts.TLSConfig = parsed.TLSConfig
		}
	}

	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("no redis addresses provided")
	}
	return opts, nil
}

func (r *RedisCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q from cache: %w", key, err)
	}
	return val, true, nil
}

// SetWithTTL stores value with an expiry, the equivalent of SETEX.
func (r *RedisCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %q in cache: %w", key, err)
	}
	return nil
}

func (r *RedisCache) HealthCheck(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

// WithLock runs fn while holding a redsync mutex named after the cache key.
// Acquisition gives up after wait. The lock expires after ttl even if the
// holder dies. fn receives ctx, not the acquisition deadline.
func (r *RedisCache) WithLock(ctx context.Context, name string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	if wait < lockRetryDelay {
		wait = lockRetryDelay
	}
	mutex := r.rs.NewMutex(lockPrefix+name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(int(wait/lockRetryDelay)+1),
		redsync.WithRetryDelay(lockRetryDelay),
	)

	lockCtx, cancel := context.WithTimeout(ctx, wait)
	err := mutex.LockContext(lockCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("acquire lock %q within %s: %w", name, wait, err)
	}

	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if _, err := mutex.UnlockContext(unlockCtx); err != nil {
			r.log.Error().Err(err).Str("lock", name).Msg("failed to unlock mutex")
		}
	}()

	return fn(ctx)
}
