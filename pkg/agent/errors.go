package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/openai/openai-go"
)

// ProviderError describes a failed model request with enough detail to
// decide whether the request is worth retrying.
type ProviderError struct {
	Message    string
	StatusCode int
	Retryable  bool
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider request failed (status=%d, retryable=%v): %s",
			e.StatusCode, e.Retryable, e.Message)
	}
	return fmt.Sprintf("provider request failed (retryable=%v): %s", e.Retryable, e.Message)
}

// classifyProviderError maps a transport failure onto the retry taxonomy.
// Rate limits, timeouts and server-side failures are transient; auth and
// malformed requests are not. Unknown failures default to retryable.
func classifyProviderError(err error) *ProviderError {
	if err == nil {
		return nil
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		pe := &ProviderError{
			Message:    apiErr.Error(),
			StatusCode: apiErr.StatusCode,
		}
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			pe.Retryable = true
		}
		if apiErr.Response != nil {
			if ra := apiErr.Response.Header.Get("Retry-After"); ra != "" {
				if secs, parseErr := strconv.ParseFloat(ra, 64); parseErr == nil {
					pe.RetryAfter = time.Duration(secs * float64(time.Second))
				}
			}
		}
		return pe
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Message: err.Error(), Retryable: false}
	}

	return &ProviderError{Message: err.Error(), Retryable: true}
}

// IsRetryable reports whether the error is safe to retry.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
