package startup

import (
	"context"
	"time"

	redisstorage "github.com/timeslice/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
// logPrefix добавляется к сообщениям лога (например "api: ").
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redisstorage.Client {
	return connectWithRetry("redis connect", maxWait, logPrefix, 5*time.Second, func(ctx context.Context) (*redisstorage.Client, error) {
		return redisstorage.New(ctx, redisURL)
	})
}
