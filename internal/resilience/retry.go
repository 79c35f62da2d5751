package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// CollaboratorUnavailable is returned once a retried collaborator call has
// exhausted its attempts. Workflows check for it with [errors.As] to end a
// call with an apology instead of a stack trace.
type CollaboratorUnavailable struct {
	// Collaborator names the failing dependency ("calendar", "llm", "sms").
	Collaborator string

	// Err is the last attempt's error.
	Err error
}

func (e *CollaboratorUnavailable) Error() string {
	return fmt.Sprintf("resilience: %s unavailable: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorUnavailable) Unwrap() error { return e.Err }

// RetryPolicy bounds a [Retry] loop.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the wait after the first failure; it doubles each attempt.
	// Default: 200ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 3s.
	MaxDelay time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 3 * time.Second
	}
	return p
}

// Retry runs fn up to policy.MaxAttempts times with jittered exponential
// backoff between attempts. Context cancellation aborts immediately with the
// context error. When all attempts fail the result is a
// [*CollaboratorUnavailable] wrapping the last error.
func Retry(ctx context.Context, collaborator string, policy RetryPolicy, fn func(ctx context.Context) error) error {
	policy = policy.withDefaults()

	var lastErr error
	delay := policy.BaseDelay
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		// Full jitter keeps concurrent sessions from retrying in lock-step.
		wait := time.Duration(rand.Int63n(int64(delay)) + 1)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return &CollaboratorUnavailable{Collaborator: collaborator, Err: lastErr}
}
