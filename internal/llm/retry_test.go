package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devforgehq/forged/internal/fault"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	got, err := retryDo(context.Background(), fastRetryConfig(), func() (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, calls)
}

func TestRetryDoRetriesRetryable(t *testing.T) {
	calls := 0
	got, err := retryDo(context.Background(), fastRetryConfig(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", fault.New(fault.KindUnavailable, "flaky")
		}
		return "finally", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "finally", got)
	assert.Equal(t, 3, calls)
}

func TestRetryDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := retryDo(context.Background(), fastRetryConfig(), func() (string, error) {
		calls++
		return "", fault.New(fault.KindInvalidInput, "bad")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))
}

func TestRetryDoExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := retryDo(context.Background(), fastRetryConfig(), func() (string, error) {
		calls++
		return "", fault.New(fault.KindRateLimited, "limited")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := retryDo(ctx, RetryConfig{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}, func() (string, error) {
		calls++
		return "", fault.New(fault.KindUnavailable, "down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "cancelled ctx must abort the backoff wait")
}
