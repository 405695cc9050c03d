package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/timeslice/internal/storage"
)

// Rate limit логина: 10 попыток / 10 минут на идентификатор (email или IP).
const (
	loginRateLimitWindow = 600 // секунд
	loginRateLimitMax    = 10
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) SetSessionSecret(ctx context.Context, sessionID, secret string) error {
	return c.cli.Set(ctx, "session_secret:"+sessionID, secret, storage.SessionSecretTTL).Err()
}

func (c *Client) GetSessionSecret(ctx context.Context, sessionID string) (string, error) {
	val, err := c.cli.Get(ctx, "session_secret:"+sessionID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *Client) DeleteSessionSecret(ctx context.Context, sessionID string) error {
	return c.cli.Del(ctx, "session_secret:"+sessionID).Err()
}

// CheckLoginRateLimit проверяет login_limit:{key}: макс. loginRateLimitMax попыток за окно. При превышении — HTTP 429.
func (c *Client) CheckLoginRateLimit(ctx context.Context, key string) (allowed bool, err error) {
	rk := "login_limit:" + key
	n, err := c.cli.Incr(ctx, rk).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		c.cli.Expire(ctx, rk, loginRateLimitWindow*time.Second)
	}
	return n <= int64(loginRateLimitMax), nil
}

// FlushDB очищает текущую БД Redis (для сброса rate limit и session_secret при тестах/перезапуске).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
