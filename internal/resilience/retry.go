// Package resilience provides the bounded retry used for peer fetches.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	mirrorerrors "github.com/cuza/mDNS-Mirror/internal/errors"
)

type RetryPolicy struct {
	// MaxAttempts counts the first try; 1 disables retries.
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Jitter        bool
	RetryableFunc func(error) bool
	OnRetry       func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy is one try plus three retries at 1s, 2s and 4s.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   4,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		RetryableFunc: DefaultRetryableFunc,
	}
}

// DefaultRetryableFunc retries everything except errors marked Permanent and
// context cancellation.
func DefaultRetryableFunc(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var nr *NonRetryableError
	return !errors.As(err, &nr)
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempt budget is spent or ctx ends. The last error is returned.
func Retry[T any](ctx context.Context, policy *RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	var lastErr error

	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := calculateDelay(policy, attempt)
			if policy.Jitter {
				delay = time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
			}
			if policy.OnRetry != nil {
				policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, mirrorerrors.WrapTimeoutError(ctx.Err(), "retry", "cancelled while backing off")
			case <-timer.C:
			}
		}

		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		retryable := policy.RetryableFunc
		if retryable == nil {
			retryable = DefaultRetryableFunc
		}
		if !retryable(err) {
			break
		}
	}

	return result, unwrapPermanent(lastErr)
}

func calculateDelay(policy *RetryPolicy, attempt int) time.Duration {
	if attempt <= 0 {
		return policy.InitialDelay
	}

	delay := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt-1))

	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	return time.Duration(delay)
}

// NonRetryableError marks an error that must not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Retry gives up on it immediately. Retry hands the
// original error back to its caller.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

func unwrapPermanent(err error) error {
	if nr, ok := err.(*NonRetryableError); ok {
		return nr.Err
	}
	return err
}
