package core

import (
	"context"
	"time"
)

// RetryPolicy bounds the retries on ErrConcurrentModification.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
}

// Retry runs fn until it succeeds, fails with a non-retryable error, the
// attempts are exhausted or ctx is done. Delay doubles each attempt up to MaxDelay.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

// RunTx is WithTx wrapped in Retry: a conflicting transaction is rolled back
// and replayed from scratch.
func RunTx(ctx context.Context, s Store, p RetryPolicy, fn func(tx Tx) error) error {
	return Retry(ctx, p, func() error {
		return s.WithTx(ctx, fn)
	})
}
