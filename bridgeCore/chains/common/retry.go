package common

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushchain/bridge-core/bridgeCore/config"
	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries     int              // Maximum number of retry attempts
	InitialDelay   time.Duration    // Initial delay between retries
	MaxDelay       time.Duration    // Maximum delay between retries
	BackoffFactor  float64          // Exponential backoff factor (e.g., 2.0)
	RetryableError func(error) bool // Function to determine if error is retryable
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		BackoffFactor:  2.0,
		RetryableError: bcerrors.IsRetryable,
	}
}

// RetryConfigFrom converts the config section into a RetryConfig
func RetryConfigFrom(c config.RetryConfig) *RetryConfig {
	rc := DefaultRetryConfig()
	if c.MaxRetries >= 0 {
		rc.MaxRetries = c.MaxRetries
	}
	if c.InitialDelayMs > 0 {
		rc.InitialDelay = time.Duration(c.InitialDelayMs) * time.Millisecond
	}
	if c.MaxDelayMs > 0 {
		rc.MaxDelay = time.Duration(c.MaxDelayMs) * time.Millisecond
	}
	if c.BackoffFactor >= 1 {
		rc.BackoffFactor = c.BackoffFactor
	}
	return rc
}

// RetryManager handles retry logic with exponential backoff
type RetryManager struct {
	config *RetryConfig
	logger zerolog.Logger
}

// NewRetryManager creates a new retry manager
func NewRetryManager(config *RetryConfig, logger zerolog.Logger) *RetryManager {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.RetryableError == nil {
		config.RetryableError = bcerrors.IsRetryable
	}
	return &RetryManager{
		config: config,
		logger: logger.With().Str("component", "retry_manager").Logger(),
	}
}

// ExecuteWithRetry runs fn until it succeeds, returns a non-retryable error,
// or the attempt budget is spent. The last error is returned unwrapped so
// callers can classify it.
func (r *RetryManager) ExecuteWithRetry(
	ctx context.Context,
	operation string,
	fn func() error,
) error {
	var lastErr error
	delay := r.config.InitialDelay

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				r.logger.Info().
					Str("operation", operation).
					Int("attempts", attempt+1).
					Msg("operation succeeded after retries")
			}
			return nil
		}

		lastErr = err

		if !r.config.RetryableError(err) {
			r.logger.Debug().
				Err(err).
				Str("operation", operation).
				Msg("non-retryable error encountered")
			return err
		}

		if attempt >= r.config.MaxRetries {
			break
		}

		r.logger.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt+1).
			Int("max_attempts", r.config.MaxRetries+1).
			Dur("retry_in", delay).
			Msg("operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			delay = time.Duration(float64(delay) * r.config.BackoffFactor)
			if delay > r.config.MaxDelay {
				delay = r.config.MaxDelay
			}
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}
	}

	r.logger.Error().
		Err(lastErr).
		Str("operation", operation).
		Int("attempts", r.config.MaxRetries+1).
		Msg("operation failed after all retries")

	return lastErr
}

// CalculateBackoff calculates the delay before the given retry attempt
func (r *RetryManager) CalculateBackoff(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt))
	if delay > float64(r.config.MaxDelay) {
		return r.config.MaxDelay
	}
	return time.Duration(delay)
}
