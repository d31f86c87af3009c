package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// PresenceTTL expires presence entries for devices that stop reporting.
	PresenceTTL time.Duration
	// DedupTTL bounds how long idempotency keys are remembered. It only has
	// to outlive the queue's redelivery horizon.
	DedupTTL time.Duration
}

// RedisCache implements PresenceTracker, DuplicateGuard, and RideStats on a
// single Redis connection.
type RedisCache struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	presenceTTL time.Duration
	dedupTTL    time.Duration
}

// NewRedisCache creates and connects the cache. It pings the Redis server to
// ensure connectivity before returning.
func NewRedisCache(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisCache{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisCache").Logger(),
		presenceTTL: cfg.PresenceTTL,
		dedupTTL:    cfg.DedupTTL,
	}, nil
}

func presenceKey(bikeID string) string { return "bike:presence:" + bikeID }
func dedupKey(key string) string       { return "bike:dedup:" + key }
func rideStatsKey(bikeID string) string { return "bike:ridestats:" + bikeID }

// RecordSeen stores the most recent report time for a bike.
func (c *RedisCache) RecordSeen(ctx context.Context, bikeID string, seenAt time.Time) error {
	err := c.redisClient.Set(ctx, presenceKey(bikeID), seenAt.UTC().Format(time.RFC3339Nano), c.presenceTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to record presence for %s: %w", bikeID, err)
	}
	return nil
}

// LastSeen returns the most recent report time, or ErrNotSeen.
func (c *RedisCache) LastSeen(ctx context.Context, bikeID string) (time.Time, error) {
	raw, err := c.redisClient.Get(ctx, presenceKey(bikeID)).Result()
	if err == redis.Nil {
		return time.Time{}, ErrNotSeen
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read presence for %s: %w", bikeID, err)
	}
	seenAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt presence entry for %s: %w", bikeID, err)
	}
	return seenAt, nil
}

// MarkProcessed records the idempotency key with SETNX semantics and reports
// whether it was already present.
func (c *RedisCache) MarkProcessed(ctx context.Context, key string) (bool, error) {
	set, err := c.redisClient.SetNX(ctx, dedupKey(key), "1", c.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark key %s: %w", key, err)
	}
	return !set, nil
}

// AddRide accumulates one ride's counters in the bike's stats hash.
func (c *RedisCache) AddRide(ctx context.Context, bikeID string, distanceKM, calories float64) error {
	pipe := c.redisClient.Pipeline()
	pipe.HIncrByFloat(ctx, rideStatsKey(bikeID), "distance_km", distanceKM)
	pipe.HIncrByFloat(ctx, rideStatsKey(bikeID), "calories", calories)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to accumulate ride stats for %s: %w", bikeID, err)
	}
	return nil
}

// Totals returns the accumulated distance and calories for a bike.
func (c *RedisCache) Totals(ctx context.Context, bikeID string) (float64, float64, error) {
	fields, err := c.redisClient.HGetAll(ctx, rideStatsKey(bikeID)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read ride stats for %s: %w", bikeID, err)
	}
	var distanceKM, calories float64
	if raw, ok := fields["distance_km"]; ok {
		if distanceKM, err = strconv.ParseFloat(raw, 64); err != nil {
			return 0, 0, fmt.Errorf("corrupt distance entry for %s: %w", bikeID, err)
		}
	}
	if raw, ok := fields["calories"]; ok {
		if calories, err = strconv.ParseFloat(raw, 64); err != nil {
			return 0, 0, fmt.Errorf("corrupt calories entry for %s: %w", bikeID, err)
		}
	}
	return distanceKM, calories, nil
}

// Close closes the Redis client connection.
func (c *RedisCache) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
