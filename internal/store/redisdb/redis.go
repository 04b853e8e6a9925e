// Package redisdb owns the shared Redis connection pool used by the
// wizard state store, the LLM prompt cache, and the rate-limit/budget
// counters.
package redisdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps *redis.Client so callers can hang typed helper methods
// off a single shared pool.
type Client struct {
	*redis.Client
}

// Open parses a redis:// URL and connects, failing fast if the server
// is unreachable.
func Open(ctx context.Context, url string) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisdb: parse url: %w", err)
	}
	opt.PoolSize = 100
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	cli := redis.NewClient(opt)
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisdb: ping: %w", err)
	}
	return &Client{Client: cli}, nil
}

// Close shuts down the pool.
func (c *Client) Close() error {
	return c.Client.Close()
}

// Healthy reports whether the pool can still reach Redis, used by
// GET /health/redis.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.Ping(ctx).Err() == nil
}
