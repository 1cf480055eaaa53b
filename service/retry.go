package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lantern-payments/logging"
)

const (
	persistAttempts = 3
	persistInterval = 200 * time.Millisecond
)

// DoWithRetry runs fn up to maxRetries times, waiting interval between failures
func DoWithRetry(ctx context.Context, maxRetries int, interval time.Duration, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		logging.FromContext(ctx).Warn("Retryable operation failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxRetries),
			zap.Error(err),
		)

		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
	return err
}
