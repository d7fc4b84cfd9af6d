package reconcile

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds the retry budget for a single remote call. It is
// immutable and supplied per call.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
}

// Validate checks the policy invariants: at least one attempt and a
// multiplier above 1.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return &ValidationError{Err: fmt.Errorf("retry policy: MaxAttempts must be >= 1, got %d", p.MaxAttempts)}
	}
	if p.BackoffMultiplier <= 1 {
		return &ValidationError{Err: fmt.Errorf("retry policy: BackoffMultiplier must be > 1, got %v", p.BackoffMultiplier)}
	}
	if p.InitialDelay <= 0 {
		return &ValidationError{Err: fmt.Errorf("retry policy: InitialDelay must be positive, got %v", p.InitialDelay)}
	}
	return nil
}

// delay returns the sleep before attempt n+1, so attempt 1 runs
// immediately and the delay after attempt n is InitialDelay*m^(n-1).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffMultiplier
	}
	return time.Duration(d)
}

// sleeper lets tests observe and skip real delays.
type sleeper func(ctx context.Context, d time.Duration) error

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WithRetry executes op under the policy. Transient failures consume retry
// budget with exponential backoff; conflict, permission, and validation
// failures propagate immediately without retrying. The backoff sleep is
// cancellable through ctx so an overall deployment deadline aborts between
// attempts.
func WithRetry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	return withRetry(ctx, policy, sleepWithContext, op)
}

func withRetry(ctx context.Context, policy RetryPolicy, sleep sleeper, op func(ctx context.Context) error) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		// Sleep follows every transient failure, so the full delay sequence
		// for attempts 1..n is InitialDelay*m^0 .. InitialDelay*m^(n-1).
		if sleepErr := sleep(ctx, policy.delay(attempt)); sleepErr != nil {
			return sleepErr
		}
		if attempt == policy.MaxAttempts {
			return &RetryExhaustedError{Attempts: policy.MaxAttempts, LastErr: err}
		}
	}
}
