package engine

import (
	"context"
	"time"

	"position-manager/internal/core"
)

// withRetry runs op up to attempts times, doubling the wait between tries.
// Only transient gateway failures (rate limits, 5xx) are retried; everything
// else surfaces immediately.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	wait := backoff
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if !core.IsTransient(err) || i == attempts-1 {
			return err
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
	}
	return err
}
