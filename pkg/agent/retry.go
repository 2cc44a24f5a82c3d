package agent

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures exponential backoff for transient provider
// failures.
type RetryPolicy struct {
	MaxRetries int           // retry attempts, not counting the initial call
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap on the computed delay
	Multiplier float64       // exponential backoff factor
	Jitter     bool          // randomize delays to avoid thundering herd
	OnRetry    func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the policy used for session provider calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay computes the backoff delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	delay = math.Min(delay, float64(p.MaxDelay))
	if p.Jitter {
		// +/- 50%
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay)
}

// Retry executes fn, retrying transient failures per the policy. A
// Retry-After hint overrides the computed delay; one that exceeds MaxDelay
// fails immediately.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}

		delay := policy.Delay(attempt)
		var pe *ProviderError
		if errors.As(err, &pe) && pe.RetryAfter > 0 {
			if pe.RetryAfter > policy.MaxDelay {
				return zero, err
			}
			delay = pe.RetryAfter
		}

		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		select {
		case <-ctx.Done():
			return zero, &ProviderError{Message: "request cancelled during retry backoff", Retryable: false}
		case <-time.After(delay):
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}
