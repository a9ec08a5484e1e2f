// Package agents defines the capability contract the workflow engine
// invokes, a registry with fallback resolution, and the role agents
// that do the actual planning, drafting, reviewing, and archiving.
package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"inkwright/internal/story"
)

// Role identifies an agent capability. Values use the "/atom" form so
// they can be logged and asserted alongside kernel facts.
type Role string

const (
	RolePlanner      Role = "/planner"
	RoleWorldbuilder Role = "/worldbuilder"
	RoleDrafter      Role = "/drafter"
	RoleExpander     Role = "/expander"
	RoleReviewer     Role = "/reviewer"
	RoleReviser      Role = "/reviser"
	RoleRewriter     Role = "/rewriter"
	RoleFinisher     Role = "/finisher"
	RoleArchivist    Role = "/archivist"
)

// Task is one unit of work handed to a capability.
type Task struct {
	Role    Role
	UnitID  int
	Input   map[string]string // role-specific inputs: draft, plan, issues, ...
	Context []string          // prior-unit summaries and macro artifacts
}

// Result is the uniform capability output. Structured roles fill JSON;
// prose roles fill Text.
type Result struct {
	Text string
	JSON json.RawMessage
}

// Capability is one agent role. Implementations are stateless; all
// state flows through the task and the shared ledger.
type Capability interface {
	Role() Role
	Invoke(ctx context.Context, task Task) (*Result, error)
}

// Factory constructs a capability. Registered per role so the registry
// can build instances lazily.
type Factory func(deps Deps) Capability

// UnitOutline is one chapter entry in the macro outline.
type UnitOutline struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Synopsis string `json:"synopsis"`
}

// OutlinePayload is the planner's macro-phase output.
type OutlinePayload struct {
	Premise string        `json:"premise"`
	Units   []UnitOutline `json:"units"`
}

// WorldPayload is the worldbuilder's output.
type WorldPayload struct {
	World string          `json:"world"`
	Cast  []CharacterBrief `json:"cast"`
}

// CharacterBrief is one cast entry from the worldbuilder.
type CharacterBrief struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	Brief string `json:"brief"`
}

// PlanPayload is the planner's micro-phase output for a single unit.
type PlanPayload struct {
	UnitID        int      `json:"unit_id"`
	Title         string   `json:"title"`
	Goal          string   `json:"goal"`
	Beats         []string `json:"beats"`
	StructuralGap bool     `json:"structural_gap"`
	GapNote       string   `json:"gap_note,omitempty"`
}

// ArchivePayload is the archivist's output for an approved unit.
type ArchivePayload struct {
	Summary string      `json:"summary"`
	Facts   []FactEntry `json:"facts"`
}

// FactEntry is one continuity fact the archivist extracted.
type FactEntry struct {
	Entity    string `json:"entity"`
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

// ParseOutline decodes an outline payload from a planner result.
func ParseOutline(res *Result) (*OutlinePayload, error) {
	var p OutlinePayload
	if err := json.Unmarshal(res.JSON, &p); err != nil {
		return nil, fmt.Errorf("decode outline: %w", err)
	}
	if len(p.Units) == 0 {
		return nil, fmt.Errorf("outline has no units")
	}
	return &p, nil
}

// ParseWorld decodes a worldbuilder payload.
func ParseWorld(res *Result) (*WorldPayload, error) {
	var p WorldPayload
	if err := json.Unmarshal(res.JSON, &p); err != nil {
		return nil, fmt.Errorf("decode world: %w", err)
	}
	return &p, nil
}

// ParsePlan decodes a unit plan payload.
func ParsePlan(res *Result) (*PlanPayload, error) {
	var p PlanPayload
	if err := json.Unmarshal(res.JSON, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}

// ParseReview decodes a reviewer payload into a review result.
func ParseReview(res *Result) (*story.ReviewResult, error) {
	var r story.ReviewResult
	if err := json.Unmarshal(res.JSON, &r); err != nil {
		return nil, fmt.Errorf("decode review: %w", err)
	}
	return &r, nil
}

// ParseArchive decodes an archivist payload.
func ParseArchive(res *Result) (*ArchivePayload, error) {
	var p ArchivePayload
	if err := json.Unmarshal(res.JSON, &p); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	return &p, nil
}
