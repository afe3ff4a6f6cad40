// Package retry provides the exponential-backoff retry loop used by every
// provider adapter.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/brianfields/promptflow/types"
)

// Policy defines the retry behavior for provider calls.
type Policy struct {
	// MaxRetries is the number of additional attempts after the first (0 disables retries).
	MaxRetries int
	// InitialDelay is the base backoff delay.
	InitialDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor.
	Multiplier float64
	// Jitter adds +-25% randomization to each delay.
	Jitter bool
	// OnRetry is invoked before each retry sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy suits most LLM API calls.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes functions under a retry policy.
type Retryer struct {
	policy *Policy
	logger *zap.Logger
}

// New creates a Retryer. A nil policy uses DefaultPolicy; a nil logger is
// replaced with a no-op logger.
func New(policy *Policy, logger *zap.Logger) *Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy, logger: logger}
}

// Result holds the outcome of a retried call.
type Result[T any] struct {
	Value T
	// Attempt is the 1-based attempt number that produced the outcome.
	Attempt int
}

// Do executes fn until it succeeds, the error is non-retryable, or retries
// are exhausted. Rate-limit errors carrying a retry-after hint sleep at
// least that long before the next attempt.
func Do[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (Result[T], error) {
	var lastErr error
	var zero T

	for attempt := 1; attempt <= r.policy.MaxRetries+1; attempt++ {
		if attempt > 1 {
			delay := r.delayFor(attempt - 1)
			if after, ok := types.RetryAfterOf(lastErr); ok && after > delay {
				delay = after
			}

			r.logger.Debug("retrying provider call",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return Result[T]{Value: zero, Attempt: attempt - 1}, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		value, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return Result[T]{Value: value, Attempt: attempt}, nil
		}
		lastErr = err

		if !types.IsRetryable(err) {
			return Result[T]{Value: zero, Attempt: attempt}, err
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return Result[T]{Value: zero, Attempt: r.policy.MaxRetries + 1}, lastErr
}

// delayFor computes the backoff for the given retry ordinal (1-based).
func (r *Retryer) delayFor(retry int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(retry-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}
