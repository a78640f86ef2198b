// Package retry provides the paced two-phase retry policy used for broker
// margin queries.
package retry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Policy describes how a batch of broker calls is paced and retried.
type Policy struct {
	MaxAttempts      int           // total attempts per item, 1 or 2
	PacingDelay      time.Duration // after every first-pass call
	RetryPacingDelay time.Duration // between calls of the retry pass
	SettleDelay      time.Duration // before the retry pass starts
}

// DefaultPolicy is the policy used when none is configured.
var DefaultPolicy = Policy{
	MaxAttempts:      2,
	PacingDelay:      500 * time.Millisecond,
	RetryPacingDelay: 250 * time.Millisecond,
	SettleDelay:      2 * time.Second,
}

// Sanitized returns the policy with invalid values replaced by defaults.
func (p Policy) Sanitized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.MaxAttempts > 2 {
		p.MaxAttempts = 2
	}
	if p.PacingDelay < 0 {
		p.PacingDelay = DefaultPolicy.PacingDelay
	}
	if p.RetryPacingDelay < 0 {
		p.RetryPacingDelay = DefaultPolicy.RetryPacingDelay
	}
	if p.SettleDelay < 0 {
		p.SettleDelay = DefaultPolicy.SettleDelay
	}
	return p
}

// Sleeper waits for a duration or until the context is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealSleeper sleeps on the wall clock.
type RealSleeper struct{}

// Sleep blocks for d or until ctx is canceled.
func (RealSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome is the final result for one item of a batch.
type Outcome[T any] struct {
	Value    T
	Err      error
	Attempts int
}

// Failed reports whether the item never succeeded.
func (o Outcome[T]) Failed() bool {
	return o.Err != nil
}

// TwoPhase calls fn once for each of n items, pacing after every call. Items
// that failed are retried in a second pass after the settle delay, with the
// retry pacing delay between calls. fn receives the item index and the
// 1-based attempt number. The only error returned is context cancellation.
func TwoPhase[T any](
	ctx context.Context,
	policy Policy,
	sleeper Sleeper,
	n int,
	fn func(ctx context.Context, i, attempt int) (T, error),
) ([]Outcome[T], error) {
	policy = policy.Sanitized()
	if sleeper == nil {
		sleeper = RealSleeper{}
	}

	outcomes := make([]Outcome[T], n)
	var failed []int

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return outcomes, fmt.Errorf("operation canceled: %w", err)
		}
		v, err := fn(ctx, i, 1)
		outcomes[i] = Outcome[T]{Value: v, Err: err, Attempts: 1}
		if err != nil {
			failed = append(failed, i)
		}
		if err := sleeper.Sleep(ctx, policy.PacingDelay); err != nil {
			return outcomes, fmt.Errorf("operation canceled during pacing: %w", err)
		}
	}

	if len(failed) == 0 || policy.MaxAttempts < 2 {
		return outcomes, nil
	}

	if err := sleeper.Sleep(ctx, policy.SettleDelay); err != nil {
		return outcomes, fmt.Errorf("operation canceled during settle: %w", err)
	}

	for k, i := range failed {
		if k > 0 {
			if err := sleeper.Sleep(ctx, policy.RetryPacingDelay); err != nil {
				return outcomes, fmt.Errorf("operation canceled during retry pacing: %w", err)
			}
		}
		v, err := fn(ctx, i, 2)
		outcomes[i] = Outcome[T]{Value: v, Err: err, Attempts: 2}
	}

	return outcomes, nil
}

// IsTransientError reports whether an error looks like a temporary
// transport or broker-side condition.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"circuit breaker is open",
		"too many requests",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
