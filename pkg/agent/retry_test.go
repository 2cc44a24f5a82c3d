package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	// Capped at MaxDelay.
	assert.Equal(t, 10*time.Second, p.Delay(5))
}

func TestRetryPolicyDelayJitterBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: true}
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 3*time.Second)
	}
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), quickRetryN(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &ProviderError{Message: "overloaded", StatusCode: 503, Retryable: true}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentFailure(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), quickRetryN(3), func(ctx context.Context) (string, error) {
		calls++
		return "", &ProviderError{Message: "bad key", StatusCode: 401, Retryable: false}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	transient := &ProviderError{Message: "rate limited", StatusCode: 429, Retryable: true}
	_, err := Retry(context.Background(), quickRetryN(2), func(ctx context.Context) (string, error) {
		calls++
		return "", transient
	})

	require.Error(t, err)
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 429, pe.StatusCode)
	// Initial call plus two retries.
	assert.Equal(t, 3, calls)
}

func TestRetryRespectsExcessiveRetryAfter(t *testing.T) {
	calls := 0
	policy := quickRetryN(3)
	policy.MaxDelay = time.Millisecond
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		return "", &ProviderError{Message: "slow down", StatusCode: 429, Retryable: true, RetryAfter: time.Minute}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsRetryableClassification(t *testing.T) {
	assert.True(t, IsRetryable(&ProviderError{Retryable: true}))
	assert.False(t, IsRetryable(&ProviderError{Retryable: false}))
	assert.False(t, IsRetryable(errors.New("plain error")))
	assert.False(t, IsRetryable(nil))
}

func quickRetryN(n int) RetryPolicy {
	return RetryPolicy{MaxRetries: n, BaseDelay: 0, MaxDelay: time.Second, Multiplier: 1}
}
