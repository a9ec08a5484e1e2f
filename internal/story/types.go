// Package story defines the domain types for a long-form fiction project:
// narrative units, review results, and the shared project ledger.
package story

import (
	"fmt"
	"time"
)

// Status tracks a narrative unit through its lifecycle.
// Values use the "/atom" form so they can be asserted into the
// continuity kernel without quoting.
type Status string

const (
	StatusPlanned  Status = "/planned"
	StatusDrafted  Status = "/drafted"
	StatusReviewed Status = "/reviewed"
	StatusRevising Status = "/revising"
	StatusApproved Status = "/approved"
	StatusArchived Status = "/archived"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPlanned, StatusDrafted, StatusReviewed,
		StatusRevising, StatusApproved, StatusArchived:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle permits moving to next.
// Re-entering the same status is allowed: the engine may be resumed
// mid-step and must be able to redo work without a state error.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPlanned:
		return next == StatusDrafted
	case StatusDrafted:
		return next == StatusReviewed
	case StatusReviewed:
		return next == StatusRevising || next == StatusApproved || next == StatusDrafted
	case StatusRevising:
		return next == StatusReviewed
	case StatusApproved:
		return next == StatusArchived
	case StatusArchived:
		return false
	}
	return false
}

// Verdict is a scoring gate decision.
type Verdict string

const (
	VerdictPass    Verdict = "/pass"
	VerdictRevise  Verdict = "/revise"
	VerdictRewrite Verdict = "/rewrite"
)

// Phase is the planning altitude the engine is operating at.
type Phase string

const (
	PhaseMacro Phase = "/macro" // whole-story architecture
	PhaseMid   Phase = "/mid"   // act/arc regrouping
	PhaseMicro Phase = "/micro" // per-unit execution
)

// FlaggedIssue is one reviewer finding, routed to a fixing capability.
type FlaggedIssue struct {
	Dimension   string `json:"dimension"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
	Assignee    string `json:"assignee,omitempty"` // "reviser" or "rewriter"
}

// ReviewResult is one complete scoring of a draft.
type ReviewResult struct {
	ID              string         `json:"id"`
	UnitID          int            `json:"unit_id"`
	DimensionScores map[string]int `json:"dimension_scores"`
	Total           int            `json:"total"`
	FlaggedIssues   []FlaggedIssue `json:"flagged_issues,omitempty"`
	Summary         string         `json:"summary,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// MinDimension returns the lowest dimension score, or 0 for an empty map.
func (r *ReviewResult) MinDimension() int {
	min := 0
	first := true
	for _, score := range r.DimensionScores {
		if first || score < min {
			min = score
			first = false
		}
	}
	return min
}

// Validate checks the result against the configured dimension set.
// Every dimension must be present and scored 1..5, and Total must equal
// the sum of the dimension scores.
func (r *ReviewResult) Validate(dimensions []string) error {
	sum := 0
	for _, dim := range dimensions {
		score, ok := r.DimensionScores[dim]
		if !ok {
			return fmt.Errorf("review missing dimension %q", dim)
		}
		if score < 1 || score > 5 {
			return fmt.Errorf("review dimension %q score %d out of range 1..5", dim, score)
		}
		sum += score
	}
	if len(r.DimensionScores) != len(dimensions) {
		return fmt.Errorf("review has %d dimensions, expected %d",
			len(r.DimensionScores), len(dimensions))
	}
	if r.Total != sum {
		return fmt.Errorf("review total %d does not match dimension sum %d", r.Total, sum)
	}
	return nil
}

// NarrativeUnit is one chapter-scale unit of the manuscript.
type NarrativeUnit struct {
	ID            int             `json:"id"` // 1-based manuscript position
	Title         string          `json:"title,omitempty"`
	Status        Status          `json:"status"`
	RevisionCount int             `json:"revision_count"`
	PlanRef       string          `json:"plan_ref,omitempty"`    // artifact ref of the unit plan
	ContentRef    string          `json:"content_ref,omitempty"` // artifact ref of the current draft
	ReviewRefs    []string        `json:"review_refs,omitempty"` // full history, oldest first
	Reviews       []*ReviewResult `json:"reviews,omitempty"`
	Summary       string          `json:"summary,omitempty"` // archivist digest after approval
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// LatestReview returns the most recent review, or nil.
func (u *NarrativeUnit) LatestReview() *ReviewResult {
	if len(u.Reviews) == 0 {
		return nil
	}
	return u.Reviews[len(u.Reviews)-1]
}
