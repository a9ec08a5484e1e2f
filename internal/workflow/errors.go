// Package workflow contains the engine that drives narrative units
// through the plan/draft/review/gate lifecycle, plus the scoring gate,
// retry policy, checkpoint manager, and phase manager it is built from.
package workflow

import (
	"errors"
	"fmt"

	"inkwright/internal/knowledge"
)

// ErrAborted is returned when an operator resolves a checkpoint with
// the abort decision.
var ErrAborted = errors.New("workflow aborted by operator")

// TransientCapabilityError marks a failure worth retrying: provider
// hiccups, rate limits, timeouts.
type TransientCapabilityError struct {
	Role string
	Err  error
}

func (e *TransientCapabilityError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Role, e.Err)
}

func (e *TransientCapabilityError) Unwrap() error { return e.Err }

// MalformedResultError marks a capability response that could not be
// decoded or failed validation. Retryable: the model is re-invoked.
type MalformedResultError struct {
	Role string
	Err  error
}

func (e *MalformedResultError) Error() string {
	return fmt.Sprintf("malformed result from %s: %v", e.Role, e.Err)
}

func (e *MalformedResultError) Unwrap() error { return e.Err }

// ContentShortfallError is returned when a draft is still under the
// minimum length after the automatic expansion pass.
type ContentShortfallError struct {
	UnitID int
	Got    int
	Want   int
}

func (e *ContentShortfallError) Error() string {
	return fmt.Sprintf("unit %d draft too short: %d runes, need %d", e.UnitID, e.Got, e.Want)
}

// ConsistencyConflictError reports contradictions between a draft and
// the established continuity facts.
type ConsistencyConflictError struct {
	UnitID    int
	Conflicts []knowledge.Inconsistency
}

func (e *ConsistencyConflictError) Error() string {
	return fmt.Sprintf("unit %d has %d continuity conflicts", e.UnitID, len(e.Conflicts))
}

// RetryBudgetExhaustedError is returned when the retry policy gives up.
type RetryBudgetExhaustedError struct {
	Scope    string
	Attempts int
	Last     error
}

func (e *RetryBudgetExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Scope, e.Attempts, e.Last)
}

func (e *RetryBudgetExhaustedError) Unwrap() error { return e.Last }
