package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = 500 * time.Millisecond
	keyPrefix           = "mindroute:cache:"
)

// RedisCache keeps entries in Redis under keyPrefix.
type RedisCache struct {
	client       *redis.Client
	log          *slog.Logger
	queryTimeout time.Duration
}

// NewRedisCache wraps an existing client. The caller owns the client.
func NewRedisCache(client *redis.Client, log *slog.Logger) *RedisCache {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &RedisCache{client: client, log: log, queryTimeout: defaultQueryTimeout}
}

// Dial parses redisURL, connects and pings.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}
	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	return cli, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WarnContext(ctx, "cache get failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	return val, true
}

// Set never returns the Redis error; a failed write only loses a future hit.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		c.log.WarnContext(ctx, "cache set failed", slog.String("error", err.Error()))
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

// Ping reports whether Redis answers.
func (c *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}
