package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/bridge-core/bridgeCore/config"
	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
)

func fastRetry(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.BackoffFactor)
	require.NotNil(t, cfg.RetryableError)

	assert.True(t, cfg.RetryableError(bcerrors.NewNetworkError("c", "down", nil)))
	assert.True(t, cfg.RetryableError(context.DeadlineExceeded))
	assert.False(t, cfg.RetryableError(bcerrors.NewInvalidInputError("c", "bad")))
}

func TestRetryConfigFrom(t *testing.T) {
	rc := RetryConfigFrom(config.RetryConfig{MaxRetries: 5, InitialDelayMs: 10, MaxDelayMs: 100, BackoffFactor: 1.5})
	assert.Equal(t, 5, rc.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, rc.InitialDelay)
	assert.Equal(t, 100*time.Millisecond, rc.MaxDelay)
	assert.Equal(t, 1.5, rc.BackoffFactor)
}

func TestRetryManager_ExecuteWithRetry(t *testing.T) {
	tests := []struct {
		name          string
		maxRetries    int
		failures      int
		err           error
		expectErr     bool
		expectedCalls int
	}{
		{name: "succeeds first try", maxRetries: 3, failures: 0, expectedCalls: 1},
		{name: "succeeds after transient failures", maxRetries: 3, failures: 2, err: bcerrors.NewNetworkError("c", "reset", nil), expectedCalls: 3},
		{name: "gives up after budget", maxRetries: 2, failures: 10, err: bcerrors.NewTimeoutError("c", "slow"), expectErr: true, expectedCalls: 3},
		{name: "does not retry invalid input", maxRetries: 3, failures: 10, err: bcerrors.NewInvalidInputError("c", "bad"), expectErr: true, expectedCalls: 1},
		{name: "does not retry chain rejection", maxRetries: 3, failures: 10, err: bcerrors.NewChainRejectedError("c", "revert", nil), expectErr: true, expectedCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewRetryManager(fastRetry(tt.maxRetries), zerolog.Nop())
			calls := 0
			err := manager.ExecuteWithRetry(context.Background(), "op", func() error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})

			assert.Equal(t, tt.expectedCalls, calls)
			if tt.expectErr {
				require.Error(t, err)
				assert.Equal(t, bcerrors.CodeOf(tt.err), bcerrors.CodeOf(err), "last error is returned unwrapped")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetryManager_ContextCancelled(t *testing.T) {
	manager := NewRetryManager(&RetryConfig{
		MaxRetries:    10,
		InitialDelay:  time.Second,
		MaxDelay:      time.Second,
		BackoffFactor: 1,
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := manager.ExecuteWithRetry(ctx, "op", func() error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCalculateBackoff(t *testing.T) {
	manager := NewRetryManager(&RetryConfig{
		MaxRetries:    5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
	}, zerolog.Nop())

	assert.Equal(t, 100*time.Millisecond, manager.CalculateBackoff(0))
	assert.Equal(t, 200*time.Millisecond, manager.CalculateBackoff(1))
	assert.Equal(t, 800*time.Millisecond, manager.CalculateBackoff(3))
	assert.Equal(t, time.Second, manager.CalculateBackoff(10))
}
