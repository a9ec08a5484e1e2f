package workflow

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"inkwright/internal/agents"
	"inkwright/internal/config"
	"inkwright/internal/knowledge"
	"inkwright/internal/story"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	passScores    = map[string]int{"narrative_logic": 5, "character": 4, "pacing": 4} // 13: pass
	reviseScores  = map[string]int{"narrative_logic": 3, "character": 3, "pacing": 3} // 9: revise
	rewriteScores = map[string]int{"narrative_logic": 2, "character": 3, "pacing": 2} // 7: rewrite
)

func mock(caps map[agents.Role]agents.Capability, role agents.Role) *mockCapability {
	return caps[role].(*mockCapability)
}

func TestEngineHappyPath(t *testing.T) {
	wcfg := testWorkflowConfig()
	caps := defaultCaps(t, wcfg.TargetUnits)
	h := newHarness(t, caps, wcfg)

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for id := 1; id <= wcfg.TargetUnits; id++ {
		u, ok := h.state.Unit(id)
		if !ok || u.Status != story.StatusArchived {
			t.Fatalf("unit %d not archived", id)
		}
		if u.Summary == "" {
			t.Errorf("unit %d has no archivist summary", id)
		}
		if u.Title == "" {
			t.Errorf("unit %d has no title from its plan", id)
		}
	}

	// archives happen strictly in manuscript order
	trace := h.persister.progressTrace()
	if len(trace) != 2 || trace[0] != 1 || trace[1] != 2 {
		t.Errorf("archive order = %v, want [1 2]", trace)
	}

	if got := len(h.knowledge.facts); got != 2 {
		t.Errorf("continuity facts = %d, want 2", got)
	}
	for i, f := range h.knowledge.facts {
		if f.SourceUnit != i+1 {
			t.Errorf("fact %d source unit = %d, want %d", i, f.SourceUnit, i+1)
		}
	}

	if len(h.persister.reviews) != 2 {
		t.Errorf("persisted reviews = %d, want 2", len(h.persister.reviews))
	}
	if h.script.sawKind(CheckpointProjectInit) != 1 ||
		h.script.sawKind(CheckpointOutlineApproval) != 1 ||
		h.script.sawKind(CheckpointCompletion) != 1 {
		t.Errorf("checkpoint trail = %v", h.script.seen)
	}
	if h.script.sawKind(CheckpointMilestone) != 0 {
		t.Error("unexpected milestone below the interval")
	}
	if mock(caps, agents.RoleReviser).callCount() != 0 ||
		mock(caps, agents.RoleRewriter).callCount() != 0 {
		t.Error("clean drafts should not reach reviser or rewriter")
	}
}

func TestEngineResumeSkipsFinishedWork(t *testing.T) {
	wcfg := testWorkflowConfig()
	h := newHarness(t, defaultCaps(t, wcfg.TargetUnits), wcfg)
	if err := h.run(t); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// Second engine over the same ledger and store, as after a restart.
	freshCaps := defaultCaps(t, wcfg.TargetUnits)
	resumed := &testHarness{
		engine: NewEngine(EngineOptions{
			State:       h.state,
			Resolver:    &mockResolver{caps: freshCaps},
			Knowledge:   h.knowledge,
			Persister:   h.persister,
			Checkpoints: h.checkpoints,
			Workflow:    wcfg,
			Project:     config.ProjectConfig{Title: "test story"},
			Retry:       &RetryPolicy{MaxAttempts: 1},
		}),
		state:       h.state,
		checkpoints: h.checkpoints,
		knowledge:   h.knowledge,
		persister:   h.persister,
		script:      &checkpointScript{decisions: map[CheckpointKind][]Decision{}},
	}

	if err := resumed.run(t); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	for role, c := range freshCaps {
		if n := c.(*mockCapability).callCount(); n != 0 {
			t.Errorf("%s invoked %d times on a finished project", role, n)
		}
	}
	if resumed.script.sawKind(CheckpointCompletion) != 1 {
		t.Error("completion checkpoint not re-raised")
	}
	if resumed.script.sawKind(CheckpointProjectInit) != 0 {
		t.Error("project-init re-raised on resume")
	}
}

func TestEngineReviseThenPass(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 1
	caps := defaultCaps(t, 1)
	issue := []story.FlaggedIssue{{Dimension: "pacing", Description: "middle drags", Assignee: "reviser"}}
	caps[agents.RoleReviewer] = &mockCapability{role: agents.RoleReviewer, script: []func(agents.Task) (*agents.Result, error){
		reviewJSON(t, reviseScores, issue),
		reviewJSON(t, passScores, nil),
	}}
	h := newHarness(t, caps, wcfg)

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	u, _ := h.state.Unit(1)
	if u.Status != story.StatusArchived {
		t.Fatalf("unit status = %s", u.Status)
	}
	if u.RevisionCount != 1 {
		t.Errorf("revision count = %d, want 1", u.RevisionCount)
	}
	if len(u.Reviews) != 2 {
		t.Errorf("review history = %d, want 2", len(u.Reviews))
	}
	if mock(caps, agents.RoleReviser).callCount() != 1 {
		t.Errorf("reviser calls = %d, want 1", mock(caps, agents.RoleReviser).callCount())
	}
	if mock(caps, agents.RoleRewriter).callCount() != 0 {
		t.Error("rewriter should not run for a targeted revise")
	}
}

func TestEngineRewriteThenPass(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 1
	caps := defaultCaps(t, 1)
	caps[agents.RoleReviewer] = &mockCapability{role: agents.RoleReviewer, script: []func(agents.Task) (*agents.Result, error){
		reviewJSON(t, rewriteScores, nil),
		reviewJSON(t, passScores, nil),
	}}
	h := newHarness(t, caps, wcfg)

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	u, _ := h.state.Unit(1)
	if u.Status != story.StatusArchived {
		t.Fatalf("unit status = %s", u.Status)
	}
	if mock(caps, agents.RoleRewriter).callCount() != 1 {
		t.Errorf("rewriter calls = %d, want 1", mock(caps, agents.RoleRewriter).callCount())
	}
	if mock(caps, agents.RoleDrafter).callCount() != 1 {
		t.Error("rewrite must reuse the plan, not redraft from scratch")
	}
	if u.RevisionCount != 1 {
		t.Errorf("revision count = %d, want 1 (rewrites spend the budget)", u.RevisionCount)
	}
}

func TestEngineRevisionBudgetEscalates(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 1
	wcfg.MaxRevisions = 2
	caps := defaultCaps(t, 1)
	caps[agents.RoleReviewer] = &mockCapability{role: agents.RoleReviewer, script: []func(agents.Task) (*agents.Result, error){
		reviewJSON(t, reviseScores, nil), // never improves
	}}
	h := newHarness(t, caps, wcfg)
	// major-turn defaults to its first menu item: force-approve

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if h.script.sawKind(CheckpointMajorTurn) != 1 {
		t.Fatalf("major-turn raised %d times, want 1", h.script.sawKind(CheckpointMajorTurn))
	}
	if n := mock(caps, agents.RoleReviser).callCount(); n != 2 {
		t.Errorf("reviser calls = %d, want exactly the budget", n)
	}
	u, _ := h.state.Unit(1)
	if u.Status != story.StatusArchived {
		t.Fatalf("unit status = %s", u.Status)
	}
	// force-approve skips the polish pass
	if mock(caps, agents.RoleFinisher).callCount() != 0 {
		t.Error("finisher ran on a force-approved unit")
	}
}

func TestEngineConsistencyConflictForcesRevision(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 1
	caps := defaultCaps(t, 1)
	h := newHarness(t, caps, wcfg)
	h.knowledge.conflicts = [][]knowledge.Inconsistency{{
		{UnitID: 1, Entity: "hero", Attribute: "eye_color", Known: "green", Claimed: "brown"},
	}}

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	u, _ := h.state.Unit(1)
	if u.Status != story.StatusArchived {
		t.Fatalf("unit status = %s", u.Status)
	}
	if mock(caps, agents.RoleReviser).callCount() != 1 {
		t.Errorf("reviser calls = %d, want 1", mock(caps, agents.RoleReviser).callCount())
	}
	if h.knowledge.checks != 2 {
		t.Errorf("consistency checks = %d, want 2", h.knowledge.checks)
	}
	if u.RevisionCount != 1 {
		t.Errorf("revision count = %d, want 1", u.RevisionCount)
	}
}

func TestEngineShortDraftExpanded(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 1
	wcfg.MinDraftRunes = 50
	caps := defaultCaps(t, 1)
	caps[agents.RoleDrafter] = &mockCapability{role: agents.RoleDrafter, script: []func(agents.Task) (*agents.Result, error){
		func(agents.Task) (*agents.Result, error) { return textResult("too short"), nil },
	}}
	h := newHarness(t, caps, wcfg)

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if mock(caps, agents.RoleExpander).callCount() != 1 {
		t.Errorf("expander calls = %d, want 1", mock(caps, agents.RoleExpander).callCount())
	}
	u, _ := h.state.Unit(1)
	if u.Status != story.StatusArchived {
		t.Fatalf("unit status = %s", u.Status)
	}
}

func TestEngineShortfallAfterExpansionFails(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 1
	wcfg.MinDraftRunes = 50
	caps := defaultCaps(t, 1)
	short := func(agents.Task) (*agents.Result, error) { return textResult("too short"), nil }
	caps[agents.RoleDrafter] = &mockCapability{role: agents.RoleDrafter, script: []func(agents.Task) (*agents.Result, error){short}}
	caps[agents.RoleExpander] = &mockCapability{role: agents.RoleExpander, script: []func(agents.Task) (*agents.Result, error){short}}
	h := newHarness(t, caps, wcfg)

	err := h.run(t)
	var shortfall *ContentShortfallError
	if !errors.As(err, &shortfall) {
		t.Fatalf("err = %v, want *ContentShortfallError", err)
	}
	if shortfall.UnitID != 1 || shortfall.Want != 50 {
		t.Errorf("shortfall = %+v", shortfall)
	}
	u, _ := h.state.Unit(1)
	if u.Status != story.StatusPlanned {
		t.Errorf("unit status = %s, want planned", u.Status)
	}
	if u.LastError == "" {
		t.Error("failure not recorded on the unit")
	}
}

func TestEngineAbortAtProjectInit(t *testing.T) {
	wcfg := testWorkflowConfig()
	caps := defaultCaps(t, wcfg.TargetUnits)
	h := newHarness(t, caps, wcfg)
	h.script.decisions[CheckpointProjectInit] = []Decision{DecisionAbort}

	if err := h.run(t); !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if mock(caps, agents.RoleWorldbuilder).callCount() != 0 {
		t.Error("worldbuilder ran after abort")
	}
}

func TestEngineOutlineRegenerated(t *testing.T) {
	wcfg := testWorkflowConfig()
	caps := defaultCaps(t, wcfg.TargetUnits)
	h := newHarness(t, caps, wcfg)
	h.script.decisions[CheckpointOutlineApproval] = []Decision{DecisionRegenerate, DecisionApprove}

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.script.sawKind(CheckpointOutlineApproval) != 2 {
		t.Errorf("outline approvals = %d, want 2", h.script.sawKind(CheckpointOutlineApproval))
	}

	planner := mock(caps, agents.RolePlanner)
	planner.mu.Lock()
	outlines := 0
	for _, task := range planner.tasks {
		if task.Input["mode"] == "outline" {
			outlines++
		}
	}
	planner.mu.Unlock()
	if outlines != 2 {
		t.Errorf("outline generations = %d, want 2", outlines)
	}
}

func TestEngineStructuralGapRegroups(t *testing.T) {
	wcfg := testWorkflowConfig()
	caps := defaultCaps(t, wcfg.TargetUnits)
	caps[agents.RolePlanner] = &mockCapability{role: agents.RolePlanner, script: []func(agents.Task) (*agents.Result, error){
		outlineJSON(t, 2),  // macro outline
		planJSON(t, true),  // unit 1 plan flags a gap
		outlineJSON(t, 2),  // mid-phase regroup
		planJSON(t, false), // unit 1 re-planned
		planJSON(t, false), // unit 2
	}}
	h := newHarness(t, caps, wcfg)

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	planner := mock(caps, agents.RolePlanner)
	planner.mu.Lock()
	regroup := planner.tasks[2].Input["mode"]
	planner.mu.Unlock()
	if regroup != "regroup" {
		t.Errorf("third planner call mode = %q, want regroup", regroup)
	}
	if h.state.CurrentPhase() != story.PhaseMicro {
		t.Errorf("final phase = %s, want micro", h.state.CurrentPhase())
	}
	for id := 1; id <= 2; id++ {
		u, _ := h.state.Unit(id)
		if u.Status != story.StatusArchived {
			t.Errorf("unit %d status = %s", id, u.Status)
		}
	}
}

func TestEngineMilestoneInterval(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 4
	wcfg.MilestoneInterval = 2
	caps := defaultCaps(t, 4)
	h := newHarness(t, caps, wcfg)

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// one milestone after unit 2; the one after unit 4 yields to completion
	if n := h.script.sawKind(CheckpointMilestone); n != 1 {
		t.Errorf("milestones = %d, want 1", n)
	}
	if h.script.sawKind(CheckpointCompletion) != 1 {
		t.Error("completion checkpoint missing")
	}
}

func TestEngineMilestoneRollbackReplans(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 3
	wcfg.MilestoneInterval = 2
	caps := defaultCaps(t, 3)
	h := newHarness(t, caps, wcfg)
	h.script.decisions[CheckpointMilestone] = []Decision{DecisionRollback, DecisionContinue}

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// rollback re-enters macro planning: a second outline and approval
	if h.script.sawKind(CheckpointOutlineApproval) != 2 {
		t.Errorf("outline approvals = %d, want 2", h.script.sawKind(CheckpointOutlineApproval))
	}
	for id := 1; id <= 3; id++ {
		u, _ := h.state.Unit(id)
		if u.Status != story.StatusArchived {
			t.Errorf("unit %d status = %s", id, u.Status)
		}
	}
	// archived chapters survive the rollback untouched
	trace := h.persister.progressTrace()
	if len(trace) != 3 || trace[0] != 1 || trace[1] != 2 || trace[2] != 3 {
		t.Errorf("archive order = %v, want [1 2 3]", trace)
	}
	// worldbuilding is done once; rollback reuses the world notes
	if mock(caps, agents.RoleWorldbuilder).callCount() != 1 {
		t.Errorf("worldbuilder calls = %d, want 1", mock(caps, agents.RoleWorldbuilder).callCount())
	}
}

func TestEngineRetryExhaustionEscalates(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 1
	caps := defaultCaps(t, 1)
	caps[agents.RoleDrafter] = &mockCapability{role: agents.RoleDrafter, script: []func(agents.Task) (*agents.Result, error){
		func(agents.Task) (*agents.Result, error) {
			return nil, &TransientCapabilityError{Role: "drafter", Err: errors.New("provider down")}
		},
	}}
	h := newHarness(t, caps, wcfg)
	h.script.decisions[CheckpointMajorTurn] = []Decision{DecisionAbort}

	// an exhausted capability escalates to the operator, never straight
	// out of Run
	if err := h.run(t); !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if h.script.sawKind(CheckpointMajorTurn) != 1 {
		t.Fatalf("major-turn raised %d times, want 1", h.script.sawKind(CheckpointMajorTurn))
	}
	if n := mock(caps, agents.RoleDrafter).callCount(); n != wcfg.MaxInvocationRetries {
		t.Errorf("drafter calls = %d, want %d", n, wcfg.MaxInvocationRetries)
	}
	sums := h.script.summaries(CheckpointMajorTurn)
	if len(sums) != 1 || !strings.Contains(sums[0], "unit 1 stalled") {
		t.Errorf("escalation briefing = %q", sums)
	}
	u, _ := h.state.Unit(1)
	if u.LastError == "" {
		t.Error("exhaustion not recorded on the unit")
	}
}

func TestEngineRetryExhaustionRecovers(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 1
	caps := defaultCaps(t, 1)
	fail := func(agents.Task) (*agents.Result, error) {
		return nil, &TransientCapabilityError{Role: "drafter", Err: errors.New("provider down")}
	}
	caps[agents.RoleDrafter] = &mockCapability{role: agents.RoleDrafter, script: []func(agents.Task) (*agents.Result, error){
		fail, fail, fail, longDraft,
	}}
	h := newHarness(t, caps, wcfg)
	// major-turn defaults to force-approve; with no draft on record the
	// stalled step runs again instead

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.script.sawKind(CheckpointMajorTurn) != 1 {
		t.Errorf("major-turn raised %d times, want 1", h.script.sawKind(CheckpointMajorTurn))
	}
	if n := mock(caps, agents.RoleDrafter).callCount(); n != 4 {
		t.Errorf("drafter calls = %d, want 4 (budget, then one fresh attempt)", n)
	}
	// the plan is not regenerated across the escalation
	if n := mock(caps, agents.RolePlanner).callCount(); n != 2 {
		t.Errorf("planner calls = %d, want 2 (outline + one unit plan)", n)
	}
	u, _ := h.state.Unit(1)
	if u.Status != story.StatusArchived {
		t.Fatalf("unit status = %s", u.Status)
	}
}

func TestEngineRevisionRoutesIssuesByAssignee(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 1
	caps := defaultCaps(t, 1)
	mixed := []story.FlaggedIssue{
		{Dimension: "pacing", Description: "middle drags", Assignee: "reviser"},
		{Dimension: "narrative_logic", Description: "act two collapses", Assignee: "rewriter"},
	}
	caps[agents.RoleReviewer] = &mockCapability{role: agents.RoleReviewer, script: []func(agents.Task) (*agents.Result, error){
		reviewJSON(t, reviseScores, mixed),
		reviewJSON(t, passScores, nil),
	}}
	h := newHarness(t, caps, wcfg)

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rewriter := mock(caps, agents.RoleRewriter)
	if rewriter.callCount() != 1 {
		t.Fatalf("rewriter calls = %d, want 1", rewriter.callCount())
	}
	rewriter.mu.Lock()
	structural := rewriter.tasks[0].Input["issues"]
	rewriter.mu.Unlock()
	if !strings.Contains(structural, "act two collapses") || strings.Contains(structural, "middle drags") {
		t.Errorf("rewriter issues = %q, want only the structural one", structural)
	}

	reviser := mock(caps, agents.RoleReviser)
	if reviser.callCount() != 1 {
		t.Fatalf("reviser calls = %d, want 1", reviser.callCount())
	}
	reviser.mu.Lock()
	targeted := reviser.tasks[0].Input["issues"]
	reviser.mu.Unlock()
	if !strings.Contains(targeted, "middle drags") || strings.Contains(targeted, "act two collapses") {
		t.Errorf("reviser issues = %q, want only the targeted one", targeted)
	}

	u, _ := h.state.Unit(1)
	if u.Status != story.StatusArchived {
		t.Fatalf("unit status = %s", u.Status)
	}
	if u.RevisionCount != 1 {
		t.Errorf("revision count = %d, want 1 (one cycle, both assignees)", u.RevisionCount)
	}
}

func TestEngineResumeReloadsPlan(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 1
	p := newMemPersister()

	// Ledger as a crash would leave it: unit 1 drafted, plan and draft
	// only on disk.
	state := story.NewState("test story", 1)
	state.SetPhase(story.PhaseMicro)
	outline, _ := json.Marshal(agents.OutlinePayload{
		Premise: "a test story",
		Units:   []agents.UnitOutline{{ID: 1, Title: "Chapter 1", Synopsis: "things happen"}},
	})
	p.artifacts["outline-seed"] = string(outline)
	state.OutlineRef = "outline-seed"
	plan, _ := json.Marshal(agents.PlanPayload{
		UnitID: 1, Title: "Chapter 1", Goal: "advance the plot",
		Beats: []string{"opening", "turn", "close"},
	})
	p.artifacts["unit001-plan-seed"] = string(plan)
	p.artifacts["unit001-draft-seed"] = strings.Repeat("the tide rolled in. ", 20)
	state.EnsureUnit(1)
	if err := state.SetPlan(1, "Chapter 1", "unit001-plan-seed"); err != nil {
		t.Fatal(err)
	}
	if err := state.SetContent(1, "unit001-draft-seed"); err != nil {
		t.Fatal(err)
	}
	if err := state.Transition(1, story.StatusDrafted); err != nil {
		t.Fatal(err)
	}

	caps := defaultCaps(t, 1)
	cm := NewCheckpointManager(nil)
	k := &mockKnowledge{}
	h := &testHarness{
		engine: NewEngine(EngineOptions{
			State:       state,
			Resolver:    &mockResolver{caps: caps},
			Knowledge:   k,
			Persister:   p,
			Checkpoints: cm,
			Workflow:    wcfg,
			Project:     config.ProjectConfig{Title: "test story"},
			Retry:       &RetryPolicy{MaxAttempts: wcfg.MaxInvocationRetries},
		}),
		state:       state,
		checkpoints: cm,
		knowledge:   k,
		persister:   p,
		script:      &checkpointScript{decisions: map[CheckpointKind][]Decision{}},
	}

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	reviewer := mock(caps, agents.RoleReviewer)
	reviewer.mu.Lock()
	planInput := reviewer.tasks[0].Input["plan"]
	reviewer.mu.Unlock()
	if !strings.Contains(planInput, "advance the plot") {
		t.Errorf("resumed reviewer plan input = %q, want the persisted plan", planInput)
	}
	u, _ := state.Unit(1)
	if u.Status != story.StatusArchived {
		t.Fatalf("unit status = %s", u.Status)
	}
}

func TestEngineRevisionCountNeverExceedsCap(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 1
	wcfg.MaxRevisions = 2
	caps := defaultCaps(t, 1)
	caps[agents.RoleReviewer] = &mockCapability{role: agents.RoleReviewer, script: []func(agents.Task) (*agents.Result, error){
		reviewJSON(t, reviseScores, nil), // never improves
	}}
	h := newHarness(t, caps, wcfg)

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	u, _ := h.state.Unit(1)
	if u.RevisionCount != wcfg.MaxRevisions {
		t.Errorf("revision count = %d, want %d (the budget is a ceiling)", u.RevisionCount, wcfg.MaxRevisions)
	}
	if h.script.sawKind(CheckpointMajorTurn) != 1 {
		t.Errorf("major-turn raised %d times, want 1", h.script.sawKind(CheckpointMajorTurn))
	}
}

func TestEngineMilestoneBriefing(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 4
	wcfg.MilestoneInterval = 2
	caps := defaultCaps(t, 4)
	h := newHarness(t, caps, wcfg)

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sums := h.script.summaries(CheckpointMilestone)
	if len(sums) != 1 {
		t.Fatalf("milestone briefings = %d, want 1", len(sums))
	}
	if !strings.Contains(sums[0], "2 of 4 chapters archived") {
		t.Errorf("briefing missing the progress snapshot: %q", sums[0])
	}
	if !strings.Contains(sums[0], "upcoming: 3. Chapter 3") {
		t.Errorf("briefing missing the upcoming chapters: %q", sums[0])
	}
}

func TestEngineRetriesMalformedReviewerOutput(t *testing.T) {
	wcfg := testWorkflowConfig()
	wcfg.TargetUnits = 1
	caps := defaultCaps(t, 1)
	goodReview := reviewJSON(t, passScores, nil)
	caps[agents.RoleReviewer] = &mockCapability{role: agents.RoleReviewer, script: []func(agents.Task) (*agents.Result, error){
		func(agents.Task) (*agents.Result, error) { return &agents.Result{JSON: []byte(`{"total": 99}`)}, nil },
		goodReview,
	}}
	h := newHarness(t, caps, wcfg)

	if err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := mock(caps, agents.RoleReviewer).callCount(); n != 2 {
		t.Errorf("reviewer calls = %d, want 2", n)
	}
	u, _ := h.state.Unit(1)
	if len(u.Reviews) != 1 {
		t.Errorf("review history = %d, want 1 (malformed result discarded)", len(u.Reviews))
	}
}
