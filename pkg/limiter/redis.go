package limiter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisKey is the lease set key used when RedisConfig.Key is empty.
const DefaultRedisKey = "batchfetch:limiter:leases"

// releaseTimeout bounds the Redis round trip made by Release, which has no
// caller context.
const releaseTimeout = 5 * time.Second

// acquireScript grants a lease to token ARGV[3] when fewer than ARGV[1] live
// leases exist. A lease is a member of the sorted set KEYS[1] scored with its
// expiry in Redis server milliseconds (now + ARGV[2]). Expired leases are
// pruned first, so a holder that never releases loses its slot after SlotTTL
// however busy other processes keep the key. Returns the live lease count
// including the new one, or 0 when full.
var acquireScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('ZADD', KEYS[1], now + tonumber(ARGV[2]), ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return redis.call('ZCARD', KEYS[1])
`)

// inUseScript counts live leases.
var inUseScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
return redis.call('ZCOUNT', KEYS[1], '(' .. now, '+inf')
`)

// RedisConfig holds RedisLimiter configuration.
type RedisConfig struct {
	// Key is the Redis sorted set holding the leases.
	Key string

	// Capacity is the number of slots shared by every process using Key.
	Capacity int

	// PollInterval is the base wait between admission attempts while full.
	PollInterval time.Duration

	// SlotTTL is the lifetime of one lease. A holder that never releases,
	// because its process died or lost Redis, frees the slot after SlotTTL.
	// It must exceed the longest fetch, or a slow fetch loses its lease.
	SlotTTL time.Duration
}

// DefaultRedisConfig returns a configuration with the given capacity.
func DefaultRedisConfig(capacity int) RedisConfig {
	return RedisConfig{
		Key:          DefaultRedisKey,
		Capacity:     capacity,
		PollInterval: 25 * time.Millisecond,
		SlotTTL:      5 * time.Minute,
	}
}

// RedisLimiter is a Limiter whose slots are leases in a Redis sorted set.
type RedisLimiter struct {
	redis  *redis.Client
	config RedisConfig
	logger zerolog.Logger

	// held are the lease tokens this process owns; any of them may be
	// returned by Release since slots are interchangeable.
	mu   sync.Mutex
	held []string
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a distributed limiter.
func NewRedisLimiter(redisClient *redis.Client, cfg RedisConfig, logger zerolog.Logger) (*RedisLimiter, error) {
	if redisClient == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultRedisKey
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 25 * time.Millisecond
	}
	if cfg.SlotTTL <= 0 {
		cfg.SlotTTL = 5 * time.Minute
	}

	return &RedisLimiter{
		redis:  redisClient,
		config: cfg,
		logger: logger,
	}, nil
}

// Acquire polls Redis until a slot is granted or ctx is done.
func (l *RedisLimiter) Acquire(ctx context.Context) error {
	start := time.Now()
	attempts := 0

	for {
		attempts++
		token := uuid.NewString()
		n, err := acquireScript.Run(ctx, l.redis, []string{l.config.Key},
			l.config.Capacity, l.config.SlotTTL.Milliseconds(), token).Int64()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("acquire redis slot: %w", ctxErr)
			}
			return fmt.Errorf("acquire redis slot: %w", err)
		}

		if n > 0 {
			l.mu.Lock()
			l.held = append(l.held, token)
			l.mu.Unlock()

			limiterWaitSeconds.WithLabelValues(l.config.Key).Observe(time.Since(start).Seconds())
			limiterInUse.WithLabelValues(l.config.Key).Inc()
			l.logger.Debug().
				Str("key", l.config.Key).
				Int64("in_use", n).
				Int("attempts", attempts).
				Msg("Redis slot granted")
			return nil
		}

		// Add jitter (±20%) so pollers from several processes spread out
		wait := time.Duration(float64(l.config.PollInterval) * (0.8 + rand.Float64()*0.4))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("acquire redis slot: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// Release gives back one lease held by this limiter. A failed round trip is
// logged; the lease then expires after SlotTTL.
func (l *RedisLimiter) Release() {
	l.mu.Lock()
	if len(l.held) == 0 {
		l.mu.Unlock()
		l.logger.Warn().Str("key", l.config.Key).Msg("Release without a held redis slot")
		return
	}
	token := l.held[len(l.held)-1]
	l.held = l.held[:len(l.held)-1]
	l.mu.Unlock()

	limiterInUse.WithLabelValues(l.config.Key).Dec()

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := l.redis.ZRem(ctx, l.config.Key, token).Err(); err != nil {
		l.logger.Warn().
			Err(err).
			Str("key", l.config.Key).
			Dur("expires_in", l.config.SlotTTL).
			Msg("Failed to release redis slot")
	}
}

// Held returns how many leases this limiter currently owns.
func (l *RedisLimiter) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// InUse returns the number of live leases across every process.
func (l *RedisLimiter) InUse(ctx context.Context) (int, error) {
	n, err := inUseScript.Run(ctx, l.redis, []string{l.config.Key}).Int()
	if err != nil {
		return 0, fmt.Errorf("count redis leases: %w", err)
	}
	return n, nil
}

// Capacity returns the shared number of slots.
func (l *RedisLimiter) Capacity() int {
	return l.config.Capacity
}
