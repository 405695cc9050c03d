package memory

import (
	"context"
	"sync"
	"time"

	"github.com/timeslice/internal/storage"
)

const (
	loginRateLimitWindow = 600 * time.Second
	loginRateLimitMax    = 10
)

type item struct {
	val string
	exp time.Time
}

type Client struct {
	mu      sync.RWMutex
	limit   map[string][]time.Time
	secrets map[string]item
}

func New() *Client {
	return &Client{
		limit:   make(map[string][]time.Time),
		secrets: make(map[string]item),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetSessionSecret(ctx context.Context, sessionID, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets[sessionID] = item{val: secret, exp: time.Now().Add(storage.SessionSecretTTL)}
	return nil
}

func (c *Client) GetSessionSecret(ctx context.Context, sessionID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.secrets[sessionID]
	if !ok || time.Now().After(v.exp) {
		return "", nil
	}
	return v.val, nil
}

func (c *Client) DeleteSessionSecret(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.secrets, sessionID)
	return nil
}

func (c *Client) CheckLoginRateLimit(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	cut := now.Add(-loginRateLimitWindow)
	slice := c.limit[key]
	var kept []time.Time
	for _, t := range slice {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= loginRateLimitMax {
		return false, nil
	}
	kept = append(kept, now)
	c.limit[key] = kept
	return true, nil
}
