package storage

import (
	"context"
	"time"
)

// SessionSecretStore — хранилище session_secret и rate limit для логина.
// Реализации: redis.Client, memory.Client (для -dev без Redis).
type SessionSecretStore interface {
	SetSessionSecret(ctx context.Context, sessionID, secret string) error
	GetSessionSecret(ctx context.Context, sessionID string) (string, error)
	DeleteSessionSecret(ctx context.Context, sessionID string) error
	CheckLoginRateLimit(ctx context.Context, key string) (allowed bool, err error)
	Close() error
}

// SessionSecretTTL — срок жизни секрета сессии.
const SessionSecretTTL = 30 * 24 * time.Hour
