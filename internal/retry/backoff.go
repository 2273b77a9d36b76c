// Package retry provides bounded retry logic with per-attempt delays for
// transient collaborator failures.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	Delays      []time.Duration
}

// DefaultConfig is used for metrics collaborator calls during analytics
// collection
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Delays:      []time.Duration{500 * time.Millisecond, 2 * time.Second},
	}
}

// WithRetry executes fn up to MaxAttempts times, sleeping the configured
// delay between attempts. The last delay is reused when attempts outnumber
// delays. The final error is returned wrapped once all attempts fail.
func WithRetry(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 && len(cfg.Delays) > 0 {
			delayIndex := attempt - 1
			if delayIndex >= len(cfg.Delays) {
				delayIndex = len(cfg.Delays) - 1
			}

			select {
			case <-time.After(cfg.Delays[delayIndex]):
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
