// Package retry runs broker calls with bounded attempts and exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"nifty_dipper/internal/models"
)

// Config controls the attempt budget and backoff shape.
type Config struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	PerAttemptTimeout time.Duration
}

var DefaultConfig = Config{
	MaxAttempts:       3,
	BaseDelay:         1 * time.Second,
	MaxDelay:          30 * time.Second,
	PerAttemptTimeout: 10 * time.Second,
}

// Executor retries operations whose failures are classified as retryable.
// Attempts double their backoff each round with up to 25% additive jitter,
// and every attempt runs under its own timeout.
type Executor struct {
	config Config
	logger *log.Logger
}

// NewExecutor builds an executor. Invalid config fields fall back to the
// matching DefaultConfig values.
func NewExecutor(logger *log.Logger, config ...Config) *Executor {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = sanitize(config[0])
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{config: cfg, logger: logger}
}

func sanitize(cfg Config) Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.PerAttemptTimeout <= 0 {
		cfg.PerAttemptTimeout = DefaultConfig.PerAttemptTimeout
	}
	return cfg
}

// Config returns the sanitized configuration in effect.
func (e *Executor) Config() Config {
	return e.config
}

// Do runs fn until it succeeds, fails with a non-retryable error, exhausts
// the attempt budget, or ctx is done.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is the value-returning form of Do.
func Call[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.config.PerAttemptTimeout)
		v, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt == e.config.MaxAttempts || !e.shouldRetry(ctx, err) {
			break
		}

		delay := e.backoffFor(attempt)
		e.logger.Printf("Warning: %s attempt %d/%d failed: %v; retrying in %v",
			op, attempt, e.config.MaxAttempts, err, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempt(s): %w", op, e.config.MaxAttempts, lastErr)
}

// shouldRetry treats classified transient and rate-limit failures as
// retryable, plus per-attempt timeouts when the parent context is still live.
func (e *Executor) shouldRetry(ctx context.Context, err error) bool {
	if models.Retryable(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return true
	}
	return false
}

// backoffFor returns BaseDelay doubled per completed attempt, capped at
// MaxDelay, plus jitter in [0, delay/4).
func (e *Executor) backoffFor(attempt int) time.Duration {
	delay := e.config.BaseDelay
	for i := 1; i < attempt && delay < e.config.MaxDelay; i++ {
		delay *= 2
	}
	if delay > e.config.MaxDelay {
		delay = e.config.MaxDelay
	}

	maxJitter := int64(delay / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			e.logger.Printf("Warning: failed to generate backoff jitter: %v", err)
		} else {
			delay += time.Duration(jitterVal.Int64())
		}
	}

	return delay
}
