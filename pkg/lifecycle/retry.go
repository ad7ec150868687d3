package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/berth/pkg/types"
)

// retryWithBackoff runs op up to maxAttempts times, doubling the wait after
// each retryable failure. Only EngineUnreachable errors are retried. The wait
// is abandoned as soon as ctx is done.
func retryWithBackoff(ctx context.Context, maxAttempts int, baseBackoff time.Duration, op func(attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := range maxAttempts {
		if attempt > 0 {
			timer := time.NewTimer(baseBackoff * time.Duration(1<<(attempt-1)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry aborted after %d attempts: %w", attempt, lastErr)
			case <-timer.C:
			}
		}

		err := op(attempt)
		if err == nil {
			return nil
		}
		if !types.IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
