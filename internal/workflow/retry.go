package workflow

import (
	"context"
	"errors"
	"time"

	"inkwright/internal/llm"
	"inkwright/internal/logging"
)

// RetryPolicy bounds capability invocations. Transient provider
// failures and malformed results are reissued up to MaxAttempts;
// everything else fails immediately.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration // base delay, doubled per attempt
}

// DefaultRetryPolicy returns the standard invocation bound.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 2 * time.Second}
}

// retryable reports whether an error is worth another attempt.
func retryable(err error) bool {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var transient *TransientCapabilityError
	if errors.As(err, &transient) {
		return true
	}
	var malformed *MalformedResultError
	return errors.As(err, &malformed)
}

// Do runs fn, reissuing on retryable failures. Returns the last error
// wrapped in RetryBudgetExhaustedError once the bound is hit, or the
// error unchanged when it is not retryable.
func (p RetryPolicy) Do(ctx context.Context, scope string, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !retryable(last) {
			return last
		}
		logging.WorkflowWarn("%s attempt %d/%d failed: %v", scope, attempt, attempts, last)

		if attempt < attempts && p.Backoff > 0 {
			delay := p.Backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return &RetryBudgetExhaustedError{Scope: scope, Attempts: attempts, Last: last}
}
