package retry

import (
	"context"
	"fmt"
	"time"
)

// Do выполняет fn до maxAttempts раз с экспоненциальной задержкой
// base, 2*base, 4*base... между попытками. Возвращает последнюю ошибку.
// Задержка отменяется контекстом, fn никогда не вызывается после отмены.
func Do(ctx context.Context, maxAttempts int, base time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * base
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry aborted after %d attempt(s): %w", attempt, ctx.Err())
			case <-timer.C:
			}
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry aborted after %d attempt(s): %w", attempt, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("retry exhausted after %d attempt(s): %w", maxAttempts, lastErr)
}
