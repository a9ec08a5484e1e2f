package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"inkwright/internal/agents"
	"inkwright/internal/config"
	"inkwright/internal/knowledge"
	"inkwright/internal/story"
)

// mockCapability returns scripted results, in order, repeating the last
// one once the script runs out.
type mockCapability struct {
	mu      sync.Mutex
	role    agents.Role
	script  []func(task agents.Task) (*agents.Result, error)
	calls   int
	tasks   []agents.Task
}

func (m *mockCapability) Role() agents.Role { return m.role }

func (m *mockCapability) Invoke(ctx context.Context, task agents.Task) (*agents.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	idx := m.calls
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	m.calls++
	m.tasks = append(m.tasks, task)
	fn := m.script[idx]
	m.mu.Unlock()
	return fn(task)
}

func (m *mockCapability) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockResolver maps roles to capabilities directly.
type mockResolver struct {
	caps map[agents.Role]agents.Capability
}

func (r *mockResolver) Resolve(role agents.Role) (agents.Capability, error) {
	c, ok := r.caps[role]
	if !ok {
		return nil, fmt.Errorf("no capability registered for %s", role)
	}
	return c, nil
}

// mockKnowledge records upserts and pops scripted conflict sets.
type mockKnowledge struct {
	mu        sync.Mutex
	facts     []knowledge.EntityFact
	conflicts [][]knowledge.Inconsistency
	checks    int
}

func (k *mockKnowledge) Query(ctx context.Context, filter knowledge.Filter) ([]knowledge.EntityFact, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]knowledge.EntityFact(nil), k.facts...), nil
}

func (k *mockKnowledge) Upsert(ctx context.Context, f knowledge.EntityFact) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.facts = append(k.facts, f)
	return nil
}

func (k *mockKnowledge) CheckConsistency(ctx context.Context, unitID int, draft string) ([]knowledge.Inconsistency, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.checks++
	if len(k.conflicts) == 0 {
		return nil, nil
	}
	head := k.conflicts[0]
	k.conflicts = k.conflicts[1:]
	return head, nil
}

// memPersister is an in-memory Persister keeping an archive order trace.
type memPersister struct {
	mu        sync.Mutex
	units     map[int]story.NarrativeUnit
	reviews   []*story.ReviewResult
	artifacts map[string]string
	progress  []int
}

func newMemPersister() *memPersister {
	return &memPersister{
		units:     make(map[int]story.NarrativeUnit),
		artifacts: make(map[string]string),
	}
}

func (p *memPersister) SaveUnit(u *story.NarrativeUnit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.units[u.ID] = *u
	return nil
}

func (p *memPersister) SaveReview(r *story.ReviewResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reviews = append(p.reviews, r)
	return nil
}

func (p *memPersister) SaveArtifact(ref, kind string, unitID int, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.artifacts[ref] = content
	return nil
}

func (p *memPersister) LoadArtifact(ref string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content, ok := p.artifacts[ref]
	if !ok {
		return "", fmt.Errorf("artifact %q not found", ref)
	}
	return content, nil
}

func (p *memPersister) SaveProgress(archived int, phase story.Phase) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, archived)
	return nil
}

func (p *memPersister) progressTrace() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.progress...)
}

// Test configuration: three dimensions keep the score tables readable.

var testDims = []string{"narrative_logic", "character", "pacing"}

func testWorkflowConfig() config.WorkflowConfig {
	return config.WorkflowConfig{
		TargetUnits:          2,
		MaxInvocationRetries: 3,
		MaxRevisions:         3,
		MilestoneInterval:    5,
		MinDraftRunes:        10,
		PassTotal:            12,
		RewriteTotal:         8,
		Dimensions:           testDims,
		CoreDimensions:       []string{"narrative_logic", "character"},
	}
}

// Scripted payload builders.

func jsonResult(t *testing.T, v interface{}) *agents.Result {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &agents.Result{JSON: data}
}

func textResult(s string) *agents.Result {
	return &agents.Result{Text: s}
}

func reviewJSON(t *testing.T, scores map[string]int, issues []story.FlaggedIssue) func(agents.Task) (*agents.Result, error) {
	t.Helper()
	total := 0
	for _, s := range scores {
		total += s
	}
	payload := map[string]interface{}{
		"dimension_scores": scores,
		"total":            total,
		"flagged_issues":   issues,
		"summary":          "scripted review",
	}
	return func(agents.Task) (*agents.Result, error) { return jsonResult(t, payload), nil }
}

func outlineJSON(t *testing.T, n int) func(agents.Task) (*agents.Result, error) {
	t.Helper()
	units := make([]agents.UnitOutline, n)
	for i := range units {
		units[i] = agents.UnitOutline{ID: i + 1, Title: fmt.Sprintf("Chapter %d", i+1), Synopsis: "things happen"}
	}
	payload := agents.OutlinePayload{Premise: "a test story", Units: units}
	return func(agents.Task) (*agents.Result, error) { return jsonResult(t, payload), nil }
}

func planJSON(t *testing.T, gap bool) func(agents.Task) (*agents.Result, error) {
	t.Helper()
	return func(task agents.Task) (*agents.Result, error) {
		payload := agents.PlanPayload{
			UnitID:        task.UnitID,
			Title:         fmt.Sprintf("Chapter %d", task.UnitID),
			Goal:          "advance the plot",
			Beats:         []string{"opening", "turn", "close"},
			StructuralGap: gap,
			GapNote:       "outline drifted",
		}
		return jsonResult(t, payload), nil
	}
}

func archiveJSON(t *testing.T) func(agents.Task) (*agents.Result, error) {
	t.Helper()
	return func(task agents.Task) (*agents.Result, error) {
		payload := agents.ArchivePayload{
			Summary: fmt.Sprintf("chapter %d summary", task.UnitID),
			Facts: []agents.FactEntry{
				{Entity: "hero", Attribute: fmt.Sprintf("state_%d", task.UnitID), Value: "changed"},
			},
		}
		return jsonResult(t, payload), nil
	}
}

func worldJSON(t *testing.T) func(agents.Task) (*agents.Result, error) {
	t.Helper()
	payload := agents.WorldPayload{
		World: "a small coastal town",
		Cast:  []agents.CharacterBrief{{Name: "Mara", Role: "protagonist", Brief: "a tired lighthouse keeper"}},
	}
	return func(agents.Task) (*agents.Result, error) { return jsonResult(t, payload), nil }
}

func longDraft(task agents.Task) (*agents.Result, error) {
	return textResult(strings.Repeat("the tide rolled in. ", 20)), nil
}

// checkpointScript auto-resolves checkpoints by kind. Decisions per
// kind are consumed in order; the last one repeats. Kinds without an
// entry take the first menu item.
type checkpointScript struct {
	mu        sync.Mutex
	decisions map[CheckpointKind][]Decision
	seen      []CheckpointKind
	reqs      []CheckpointRequest
}

func (s *checkpointScript) sawKind(kind CheckpointKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.seen {
		if k == kind {
			n++
		}
	}
	return n
}

func (s *checkpointScript) summaries(kind CheckpointKind) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.reqs {
		if r.Kind == kind {
			out = append(out, r.Summary)
		}
	}
	return out
}

func (s *checkpointScript) next(req CheckpointRequest) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, req.Kind)
	s.reqs = append(s.reqs, req)
	queue, ok := s.decisions[req.Kind]
	if !ok || len(queue) == 0 {
		return req.Menu[0]
	}
	decision := queue[0]
	if len(queue) > 1 {
		s.decisions[req.Kind] = queue[1:]
	}
	return decision
}

// autoResolve resolves pending checkpoints until ctx is cancelled.
func autoResolve(ctx context.Context, cm *CheckpointManager, script *checkpointScript) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, req := range cm.Pending() {
				_ = cm.Resolve(req.ID, script.next(req), "")
			}
		}
	}
}

// defaultCaps wires a happy-path capability set for an n-unit project.
func defaultCaps(t *testing.T, n int) map[agents.Role]agents.Capability {
	t.Helper()
	pass := map[string]int{"narrative_logic": 5, "character": 4, "pacing": 4} // total 13
	return map[agents.Role]agents.Capability{
		agents.RoleWorldbuilder: &mockCapability{role: agents.RoleWorldbuilder, script: []func(agents.Task) (*agents.Result, error){worldJSON(t)}},
		agents.RolePlanner:      &mockCapability{role: agents.RolePlanner, script: []func(agents.Task) (*agents.Result, error){plannerSwitch(t, n)}},
		agents.RoleDrafter:      &mockCapability{role: agents.RoleDrafter, script: []func(agents.Task) (*agents.Result, error){longDraft}},
		agents.RoleExpander:     &mockCapability{role: agents.RoleExpander, script: []func(agents.Task) (*agents.Result, error){longDraft}},
		agents.RoleReviewer:     &mockCapability{role: agents.RoleReviewer, script: []func(agents.Task) (*agents.Result, error){reviewJSON(t, pass, nil)}},
		agents.RoleReviser:      &mockCapability{role: agents.RoleReviser, script: []func(agents.Task) (*agents.Result, error){longDraft}},
		agents.RoleRewriter:     &mockCapability{role: agents.RoleRewriter, script: []func(agents.Task) (*agents.Result, error){longDraft}},
		agents.RoleFinisher:     &mockCapability{role: agents.RoleFinisher, script: []func(agents.Task) (*agents.Result, error){longDraft}},
		agents.RoleArchivist:    &mockCapability{role: agents.RoleArchivist, script: []func(agents.Task) (*agents.Result, error){archiveJSON(t)}},
	}
}

// plannerSwitch answers outline requests with an n-unit outline and
// everything else with a gap-free unit plan.
func plannerSwitch(t *testing.T, n int) func(agents.Task) (*agents.Result, error) {
	t.Helper()
	outline := outlineJSON(t, n)
	plan := planJSON(t, false)
	return func(task agents.Task) (*agents.Result, error) {
		if task.Input["mode"] == "outline" || task.Input["mode"] == "regroup" {
			return outline(task)
		}
		return plan(task)
	}
}

// testHarness bundles a wired engine for the integration tests.
type testHarness struct {
	engine      *Engine
	state       *story.State
	checkpoints *CheckpointManager
	knowledge   *mockKnowledge
	persister   *memPersister
	script      *checkpointScript
}

func newHarness(t *testing.T, caps map[agents.Role]agents.Capability, wcfg config.WorkflowConfig) *testHarness {
	t.Helper()
	state := story.NewState("test story", wcfg.TargetUnits)
	cm := NewCheckpointManager(nil)
	k := &mockKnowledge{}
	p := newMemPersister()
	engine := NewEngine(EngineOptions{
		State:       state,
		Resolver:    &mockResolver{caps: caps},
		Knowledge:   k,
		Persister:   p,
		Checkpoints: cm,
		Workflow:    wcfg,
		Project:     config.ProjectConfig{Title: "test story", Premise: "a premise"},
		Retry:       &RetryPolicy{MaxAttempts: wcfg.MaxInvocationRetries},
	})
	return &testHarness{
		engine:      engine,
		state:       state,
		checkpoints: cm,
		knowledge:   k,
		persister:   p,
		script: &checkpointScript{decisions: map[CheckpointKind][]Decision{
			CheckpointProjectInit:     {DecisionApprove},
			CheckpointOutlineApproval: {DecisionApprove},
			CheckpointMilestone:       {DecisionContinue},
			CheckpointCompletion:      {DecisionAccept},
		}},
	}
}

// run executes the engine with auto-resolved checkpoints and a test
// deadline.
func (h *testHarness) run(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolverCtx, stopResolver := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		autoResolve(resolverCtx, h.checkpoints, h.script)
		close(done)
	}()

	err := h.engine.Run(ctx)
	stopResolver()
	<-done
	return err
}
