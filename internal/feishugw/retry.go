package feishugw

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryConfig tunes the gateway's exponential backoff.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig is 3 attempts, ~250ms base, capped at 8s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// withRetry runs fn, retrying only when the returned error is a classified
// *APIError whose class is retryable (rate_limited, server_transient). An
// auth_failed error is never retried by the backoff loop itself, but gets
// exactly one extra attempt after forcing
// tokens to refresh, to cover the race between our cached token expiring
// and the SDK's own refresh cycle. Any other error, or exhausting
// MaxAttempts, returns immediately.
func withRetry[T any](ctx context.Context, cfg RetryConfig, tokens *tokenCache, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	authRefreshed := false

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Class == ClassAuthFailed && !authRefreshed && tokens != nil {
			authRefreshed = true
			if _, refreshErr := tokens.forceRefresh(ctx); refreshErr == nil {
				// The forced-refresh retry is additive to the attempt
				// budget; it must fire even when MaxAttempts is 1.
				attempt--
				continue
			}
			return zero, err
		}
		if !errors.As(err, &apiErr) || !apiErr.Class.Retryable() {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		delay := backoffDelay(cfg, attempt)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
