// Package llm provides the provider clients backing the agent capabilities.
package llm

import (
	"context"
	"fmt"
)

// Client is the minimal completion surface the agents need.
type Client interface {
	// Complete sends a bare prompt and returns the model text.
	Complete(ctx context.Context, prompt string) (string, error)
	// CompleteWithSystem sends a system instruction alongside the prompt.
	CompleteWithSystem(ctx context.Context, system, prompt string) (string, error)
}

// APIError is returned for non-2xx provider responses.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the failure is worth another attempt.
// Rate limits and server-side errors are transient; auth and bad
// requests are not.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
