package errors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-ohlcv-importer/internal/config"
)

// Retry executes fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are exhausted. Only errors accepted by IsRetryable are
// re-attempted; everything else is returned on the first failure.
func Retry(ctx context.Context, policy config.RetryPolicyConfig, logger *slog.Logger, operation string, fn func() error) error {
	if logger == nil {
		logger = slog.Default()
	}

	attempts := 0
	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("operation failed, retrying",
			"operation", operation,
			"attempt", attempts,
			"max_attempts", policy.MaxAttempts,
			"retry_delay", wait,
			"error_type", GetErrorType(err),
			"error", err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(NewBackOff(policy), ctx), notify)
	if err == nil {
		if attempts > 1 {
			logger.Debug("operation succeeded after retry", "operation", operation, "attempts", attempts)
		}
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("context canceled during retry: %w", ctx.Err())
	}
	if IsRetryable(err) {
		return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
	}
	return err
}

// NewBackOff creates an exponential backoff strategy from the retry policy.
func NewBackOff(policy config.RetryPolicyConfig) backoff.BackOff {
	initialDelay, err := time.ParseDuration(policy.InitialDelay)
	if err != nil || initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay, err := time.ParseDuration(policy.MaxDelay)
	if err != nil || maxDelay < initialDelay {
		maxDelay = initialDelay
	}

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = initialDelay
	exponential.MaxInterval = maxDelay
	exponential.MaxElapsedTime = 0 // bounded by attempts and context
	if policy.Multiplier > 1 {
		exponential.Multiplier = policy.Multiplier
	}
	if !policy.Jitter {
		exponential.RandomizationFactor = 0
	}
	exponential.Reset()

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return backoff.WithMaxRetries(exponential, uint64(maxAttempts-1))
}
