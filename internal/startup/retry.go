package startup

import (
	"context"
	"os"
	"time"

	"github.com/timeslice/internal/logger"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

// connectWithRetry повторяет connect с экспоненциальным backoff, пока не выйдет
// maxWait. Зависимость может подняться позже процесса (docker compose), поэтому
// неудачные попытки только логируются. По истечении maxWait процесс завершается.
func connectWithRetry[T any](what string, maxWait time.Duration, logPrefix string, attemptTimeout time.Duration, connect func(ctx context.Context) (T, error)) T {
	deadline := time.Now().Add(maxWait)
	backoff := initialBackoff
	for {
		ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
		v, err := connect(ctx)
		cancel()
		if err == nil {
			return v
		}
		if time.Now().After(deadline) {
			logger.Errorf("%s%s (gave up after %v): %v", logPrefix, what, maxWait, err)
			os.Exit(1)
		}
		logger.Errorf("%s%s failed, retry in %v: %v", logPrefix, what, backoff, err)
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
