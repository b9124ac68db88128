package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/flowmesh/orchestrator/internal/orcherrors"
)

// RetryConfig configures the generic exponential-backoff retry loop used by
// the provider router and other components that don't carry the graph's
// per-node retry policy.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig returns the stock retry budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// permanentError marks an error the retry loop must not spend attempts on.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retry stops immediately and returns the original
// error instead of burning the remaining attempts (e.g. an auth failure
// that no amount of retrying will fix).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs fn until it succeeds, ctx is canceled, a Permanent-wrapped
// error is returned, or MaxAttempts is spent.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}
		if err := sleepCtx(ctx, backoffDelay(cfg, attempt)); err != nil {
			return err
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w: %w", cfg.MaxAttempts, orcherrors.ErrMaxRetriesExceeded, lastErr)
}

// backoffDelay is the pause after the given (1-based) failed attempt:
// InitialDelay scaled by BackoffFactor^(attempt-1), capped at MaxDelay,
// plus a jitter of up to 10% (scaled by |sin(attempt)|). The jitter depends
// only on the attempt number, so callers on the same attempt get the same
// delay.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := float64(cfg.InitialDelay)
	if cfg.BackoffFactor > 0 {
		d *= math.Pow(cfg.BackoffFactor, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.JitterEnabled {
		d += d * 0.1 * math.Abs(math.Sin(float64(attempt)))
	}
	return time.Duration(d)
}

// sleepCtx waits out d or returns early with ctx's error.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryWithCircuitBreaker combines Retry with a per-key CircuitBreaker: each
// attempt first checks the breaker, then records the outcome.
func RetryWithCircuitBreaker(ctx context.Context, cfg RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, cfg, func() error {
		if !cb.CanExecute() {
			return orcherrors.New("retry.circuit_breaker", orcherrors.KindUpstream, orcherrors.ErrCircuitOpen)
		}
		if err := fn(); err != nil {
			cb.RecordFailure()
			return err
		}
		cb.RecordSuccess()
		return nil
	})
}
