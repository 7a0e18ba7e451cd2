package errors

import (
	"context"
	"time"
)

// Backoff controls Retry. Attempts counts retries after the first call;
// the wait before retry n is Base * 2^n.
type Backoff struct {
	Attempts int
	Base     time.Duration
	// OnRetry is called before each wait, if set.
	OnRetry func(attempt int, err error)
}

// DefaultBackoff retries three times starting at 100ms.
func DefaultBackoff() Backoff {
	return Backoff{Attempts: 3, Base: 100 * time.Millisecond}
}

// Retry calls op until it succeeds, retryable reports a permanent failure,
// the attempts run out or ctx is done. It returns the last error.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= b.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == b.Attempts {
			break
		}

		if b.OnRetry != nil {
			b.OnRetry(attempt+1, lastErr)
		}
		timer := time.NewTimer(b.Base << attempt)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
