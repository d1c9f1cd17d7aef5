// Package dial establishes session connections with a bounded,
// rate-limited retry loop, so a server that is merely slow to accept new
// connections at startup doesn't immediately fail the whole run.
//
// Grounded on processors/circuitbreaker (Config/Validate shape,
// base/max timeout pair) and internal/database/connection_pool.go
// (the open-then-wrap-error idiom), restricted to connection
// establishment only: the wait-detector query itself must never retry
// (an unexpected failure there is always fatal, see internal/waitdetector),
// so none of this package's backoff logic touches query execution.
package dial

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config bounds how hard the dialer tries before giving up.
type Config struct {
	// MaxAttempts is the number of dial attempts before returning the
	// last error. Must be positive.
	MaxAttempts int `mapstructure:"max_attempts"`

	// BaseTimeout is the per-attempt context deadline.
	BaseTimeout time.Duration `mapstructure:"base_timeout"`

	// MaxTimeout bounds BaseTimeout after any future adaptive growth;
	// kept as a distinct field from BaseTimeout so a config can widen
	// the ceiling without also widening the common case.
	MaxTimeout time.Duration `mapstructure:"max_timeout"`

	// RetryInterval is the minimum spacing between dial attempts,
	// enforced via a token bucket rather than a plain sleep so bursts of
	// session dials (many sessions, one server) don't hammer the server
	// the moment it starts rejecting connections.
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// DefaultConfig makes a single dial attempt, so a connection failure is
// fatal at once unless a caller raises MaxAttempts. Its timeouts match
// the default circuit-breaker timeouts
// (processors/circuitbreaker/config.go createDefaultConfig), since both
// are tuned for "a database is transiently unreachable on startup", not
// for steady-state query latency.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   1,
		BaseTimeout:   5 * time.Second,
		MaxTimeout:    30 * time.Second,
		RetryInterval: time.Second,
	}
}

// Validate rejects a nonsensical Config before any connection attempt is
// made, in the same style as this codebase's processor Validate methods.
func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got: %d", c.MaxAttempts)
	}
	if c.BaseTimeout <= 0 {
		return fmt.Errorf("base_timeout must be positive, got: %v", c.BaseTimeout)
	}
	if c.MaxTimeout <= 0 {
		return fmt.Errorf("max_timeout must be positive, got: %v", c.MaxTimeout)
	}
	if c.BaseTimeout > c.MaxTimeout {
		return fmt.Errorf("base_timeout (%v) cannot be greater than max_timeout (%v)", c.BaseTimeout, c.MaxTimeout)
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("retry_interval must be positive, got: %v", c.RetryInterval)
	}
	return nil
}

// OpenFunc dials one connection attempt; it's exactly dbcap.Open with
// driver/dsn already bound, kept as a function value so this package
// never needs to import database/sql drivers itself.
type OpenFunc[T any] func(ctx context.Context) (T, error)

// Retry calls open up to cfg.MaxAttempts times, spaced by a token bucket
// ticking at cfg.RetryInterval, and returns the first success. It
// returns the last error if every attempt fails.
func Retry[T any](ctx context.Context, cfg Config, name string, logger *zap.Logger, open OpenFunc[T]) (T, error) {
	limiter := rate.NewLimiter(rate.Every(cfg.RetryInterval), 1)

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("session %s: dial cancelled: %w", name, err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.BaseTimeout)
		conn, err := open(attemptCtx)
		cancel()
		if err == nil {
			return conn, nil
		}

		lastErr = err
		logger.Debug("dial attempt failed",
			zap.String("session", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.Error(err))
	}

	return zero, fmt.Errorf("session %s: failed to connect after %d attempt(s): %w", name, cfg.MaxAttempts, lastErr)
}
