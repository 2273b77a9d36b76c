package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_SucceedsAfterFailures(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}}

	calls := 0
	err := WithRetry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient failure")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Delays: []time.Duration{time.Millisecond}}

	wrapped := errors.New("persistent failure")
	calls := 0
	err := WithRetry(context.Background(), cfg, func() error {
		calls++
		return wrapped
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, wrapped)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestWithRetry_ReusesLastDelay(t *testing.T) {
	cfg := Config{MaxAttempts: 4, Delays: []time.Duration{time.Millisecond, 2 * time.Millisecond}}

	calls := 0
	err := WithRetry(context.Background(), cfg, func() error {
		calls++
		return errors.New("still failing")
	})

	assert.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	cfg := Config{MaxAttempts: 5, Delays: []time.Duration{time.Hour}}

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WithRetry(ctx, cfg, func() error {
		calls++
		return errors.New("transient failure")
	})

	assert.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), Config{}, func() error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}
