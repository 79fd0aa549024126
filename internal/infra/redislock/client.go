package redislock

import (
	"context"
	"fmt"
	"time"

	"orderq/internal/config"
	"orderq/internal/ports"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ ports.LockStore = (*Client)(nil)

// Client adapts go-redis to the narrow lock-store contract.
type Client struct {
	Rdb *redis.Client
}

func New(cfg config.Redis) *Client {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{Rdb: c}
}

func (c *Client) Connect(ctx context.Context) error {
	if err := c.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Msg("connected to redis")
	return nil
}

// compareAndDelete deletes the key only while it still holds the expected
// token, atomically on the server side.
var compareAndDelete = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
else
    return 0
end`)

func (c *Client) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.Rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *Client) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.Rdb, []string{key}, expected).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.Rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.Rdb.Del(ctx, key).Err()
}
