package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/travelops/internal/logger"
	redisstorage "github.com/travelops/internal/storage/redis"
)

// ConnectRedisWithRetry connects to Redis with the same backoff as the
// database. Callers decide whether a failure is fatal.
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration) (*redisstorage.Client, error) {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := redisstorage.New(connectCtx, redisURL)
		cancel()
		if err == nil {
			return client, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("redis (gave up after %v): %w", maxWait, err)
		}
		logger.Warnf("redis connect failed, retry in %v: %v", backoff, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
