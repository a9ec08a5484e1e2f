package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"inkwright/internal/agents"
	"inkwright/internal/config"
	"inkwright/internal/knowledge"
	"inkwright/internal/logging"
	"inkwright/internal/story"
)

// CapabilityResolver supplies agent capabilities per role. Satisfied by
// *agents.Registry.
type CapabilityResolver interface {
	Resolve(role agents.Role) (agents.Capability, error)
}

// KnowledgeStore is the continuity contract the engine depends on.
// Satisfied by *knowledge.ContinuityStore.
type KnowledgeStore interface {
	Query(ctx context.Context, filter knowledge.Filter) ([]knowledge.EntityFact, error)
	Upsert(ctx context.Context, f knowledge.EntityFact) error
	CheckConsistency(ctx context.Context, unitID int, draft string) ([]knowledge.Inconsistency, error)
}

// Persister stores ledger state and artifacts durably. May be nil for
// in-memory runs; the engine degrades to its internal caches.
type Persister interface {
	SaveUnit(u *story.NarrativeUnit) error
	SaveReview(r *story.ReviewResult) error
	SaveArtifact(ref, kind string, unitID int, content string) error
	LoadArtifact(ref string) (string, error)
	SaveProgress(archived int, phase story.Phase) error
}

// EventType classifies engine progress events.
type EventType string

const (
	EventPhase      EventType = "phase"
	EventUnit       EventType = "unit"
	EventGate       EventType = "gate"
	EventCheckpoint EventType = "checkpoint"
	EventDone       EventType = "done"
)

// Event is one progress notification for the console.
type Event struct {
	Type    EventType
	UnitID  int
	Message string
	At      time.Time
}

// EngineOptions wires an Engine.
type EngineOptions struct {
	State       *story.State
	Resolver    CapabilityResolver
	Knowledge   KnowledgeStore
	Persister   Persister
	Checkpoints *CheckpointManager
	Workflow    config.WorkflowConfig
	Project     config.ProjectConfig
	Retry       *RetryPolicy // nil for the default policy sized by Workflow
}

// Engine drives every narrative unit through plan, draft, review, gate,
// and archive. It is the sole writer of the ledger: single flow, units
// strictly in ascending order.
type Engine struct {
	state       *story.State
	resolver    CapabilityResolver
	knowledge   KnowledgeStore
	persister   Persister
	checkpoints *CheckpointManager
	phases      *PhaseManager
	gate        *Gate
	retry       RetryPolicy
	wcfg        config.WorkflowConfig
	project     config.ProjectConfig

	outline      *agents.OutlinePayload
	world        *agents.WorldPayload
	drafts       map[int]string // latest draft text per unit
	plans        map[int]*agents.PlanPayload
	reviseIssues map[int][]story.FlaggedIssue

	events chan Event
}

// NewEngine builds an engine from options.
func NewEngine(opts EngineOptions) *Engine {
	retry := DefaultRetryPolicy()
	if opts.Retry != nil {
		retry = *opts.Retry
	} else if opts.Workflow.MaxInvocationRetries > 0 {
		retry.MaxAttempts = opts.Workflow.MaxInvocationRetries
	}
	return &Engine{
		state:        opts.State,
		resolver:     opts.Resolver,
		knowledge:    opts.Knowledge,
		persister:    opts.Persister,
		checkpoints:  opts.Checkpoints,
		phases:       NewPhaseManager(opts.State),
		gate: NewGate(GateConfig{
			PassTotal:      opts.Workflow.PassTotal,
			RewriteTotal:   opts.Workflow.RewriteTotal,
			Dimensions:     opts.Workflow.Dimensions,
			CoreDimensions: opts.Workflow.CoreDimensions,
		}),
		retry:        retry,
		wcfg:         opts.Workflow,
		project:      opts.Project,
		drafts:       make(map[int]string),
		plans:        make(map[int]*agents.PlanPayload),
		reviseIssues: make(map[int][]story.FlaggedIssue),
		events:       make(chan Event, 64),
	}
}

// Events returns the progress stream. Closed when Run returns.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(t EventType, unitID int, format string, args ...interface{}) {
	ev := Event{Type: t, UnitID: unitID, Message: fmt.Sprintf(format, args...), At: time.Now()}
	select {
	case e.events <- ev:
	default: // console fell behind; drop rather than stall the engine
	}
}

// Run executes the whole project: project-init checkpoint, macro
// planning with outline approval, then every unit in order, then the
// completion checkpoint.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.events)

	logging.Workflow("run: %q, %d units", e.project.Title, e.wcfg.TargetUnits)

	if e.state.ArchivedCount() == 0 && e.state.OutlineRef == "" {
		e.emit(EventCheckpoint, 0, "awaiting project approval")
		res, err := e.checkpoints.Raise(ctx, CheckpointProjectInit, 0,
			fmt.Sprintf("start %q: %d chapters, premise: %s",
				e.project.Title, e.wcfg.TargetUnits, e.project.Premise))
		if err != nil {
			return err
		}
		if res.Decision == DecisionAbort {
			return ErrAborted
		}
	}

	if err := e.runMacro(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := e.state.NextPending()
		if id == 0 {
			break
		}

		before := e.state.ArchivedCount()
		if err := e.processUnit(ctx, id); err != nil {
			return err
		}
		if e.state.ArchivedCount() > before {
			if err := e.maybeMilestone(ctx); err != nil {
				return err
			}
		}
	}

	e.emit(EventCheckpoint, 0, "awaiting completion sign-off")
	if _, err := e.checkpoints.Raise(ctx, CheckpointCompletion, 0,
		fmt.Sprintf("%q complete: %d chapters archived", e.project.Title, e.state.ArchivedCount())); err != nil {
		return err
	}
	e.emit(EventDone, 0, "manuscript complete")
	logging.Workflow("run finished: %d units archived", e.state.ArchivedCount())
	return nil
}

// runMacro produces world notes and the chapter outline, holding at the
// outline-approval checkpoint until the operator accepts one.
func (e *Engine) runMacro(ctx context.Context) error {
	if e.outline == nil && e.state.OutlineRef != "" {
		if err := e.restoreOutline(); err != nil {
			return err
		}
	}
	if e.outline != nil && e.phases.Current() != story.PhaseMacro {
		return nil // resuming mid-project
	}

	if e.world == nil {
		e.emit(EventPhase, 0, "macro: building world")
		world, err := invokeParsed(e, ctx, agents.RoleWorldbuilder, agents.Task{
			Role: agents.RoleWorldbuilder,
			Input: map[string]string{
				"premise":  e.project.Premise,
				"genre":    e.project.Genre,
				"audience": e.project.Audience,
			},
		}, agents.ParseWorld)
		if err != nil {
			return err
		}
		e.world = world
		ref := e.saveJSONArtifact("world", 0, world)
		e.state.WorldRef = ref
	}

	for {
		e.emit(EventPhase, 0, "macro: outlining %d chapters", e.wcfg.TargetUnits)
		outline, err := invokeParsed(e, ctx, agents.RolePlanner, agents.Task{
			Role: agents.RolePlanner,
			Input: map[string]string{
				"mode":         "outline",
				"premise":      e.project.Premise,
				"world":        e.world.World,
				"cast":         castDigest(e.world.Cast),
				"target_units": strconv.Itoa(e.wcfg.TargetUnits),
				"style":        e.project.Style,
			},
		}, agents.ParseOutline)
		if err != nil {
			return err
		}

		e.emit(EventCheckpoint, 0, "awaiting outline approval")
		res, err := e.checkpoints.Raise(ctx, CheckpointOutlineApproval, 0, outlineDigest(outline))
		if err != nil {
			return err
		}
		switch res.Decision {
		case DecisionAbort:
			return ErrAborted
		case DecisionRegenerate:
			logging.Workflow("outline rejected, regenerating")
			continue
		}

		e.adoptOutline(outline)
		break
	}

	e.phases.EnterMicro()
	return nil
}

// adoptOutline installs an approved outline into the ledger.
func (e *Engine) adoptOutline(outline *agents.OutlinePayload) {
	e.outline = outline
	e.state.OutlineRef = e.saveJSONArtifact("outline", 0, outline)
	for _, uo := range outline.Units {
		u := e.state.EnsureUnit(uo.ID)
		if u.Status == story.StatusPlanned && u.Title == "" {
			_ = e.state.SetPlan(uo.ID, uo.Title, u.PlanRef)
		}
		e.persist(u)
	}
}

// restoreOutline reloads a persisted outline on resume.
func (e *Engine) restoreOutline() error {
	if e.persister == nil {
		return fmt.Errorf("outline ref %q set but no persister", e.state.OutlineRef)
	}
	raw, err := e.persister.LoadArtifact(e.state.OutlineRef)
	if err != nil {
		return fmt.Errorf("restore outline: %w", err)
	}
	var outline agents.OutlinePayload
	if err := json.Unmarshal([]byte(raw), &outline); err != nil {
		return fmt.Errorf("restore outline: %w", err)
	}
	e.outline = &outline
	return nil
}

// maybeMilestone raises a milestone checkpoint every MilestoneInterval
// archived units, except at the very end where completion takes over.
func (e *Engine) maybeMilestone(ctx context.Context) error {
	n := e.state.ArchivedCount()
	if e.wcfg.MilestoneInterval <= 0 || n%e.wcfg.MilestoneInterval != 0 || n >= e.wcfg.TargetUnits {
		return nil
	}

	e.emit(EventCheckpoint, 0, "milestone after %d chapters", n)
	res, err := e.checkpoints.Raise(ctx, CheckpointMilestone, 0,
		e.operatorBriefing("milestone reached"))
	if err != nil {
		return err
	}
	switch res.Decision {
	case DecisionAbort:
		return ErrAborted
	case DecisionRollback:
		e.phases.RollbackToMacro(n + 1)
		e.outline = nil
		e.state.OutlineRef = ""
		e.emit(EventPhase, 0, "rolled back to macro planning after unit %d", n)
		return e.runMacro(ctx)
	}
	return nil
}

// processUnit drives one unit from its current status to archived.
// Re-entering any status redoes that step; nothing downstream of the
// status is assumed to exist.
func (e *Engine) processUnit(ctx context.Context, id int) error {
	if id > 1 {
		prev, ok := e.state.Unit(id - 1)
		if !ok || prev.Status != story.StatusArchived {
			return fmt.Errorf("unit %d cannot start before unit %d is archived", id, id-1)
		}
	}
	u := e.state.EnsureUnit(id)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch u.Status {
		case story.StatusPlanned:
			err = e.stepPlanAndDraft(ctx, u)
		case story.StatusDrafted:
			err = e.stepReview(ctx, u)
		case story.StatusReviewed:
			err = e.stepGate(ctx, u)
		case story.StatusRevising:
			err = e.stepRevise(ctx, u)
		case story.StatusApproved:
			err = e.stepArchive(ctx, u)
		case story.StatusArchived:
			return nil
		default:
			err = fmt.Errorf("unit %d in unknown status %q", u.ID, u.Status)
		}
		if err != nil {
			e.state.SetLastError(u.ID, err.Error())
			e.persist(u)
			var exhausted *RetryBudgetExhaustedError
			if errors.As(err, &exhausted) {
				return e.escalateExhaustion(ctx, u, exhausted)
			}
			return err
		}
		e.persist(u)
	}
}

// escalateExhaustion raises a major-turn checkpoint when a capability
// burns its whole invocation budget. A provider outage never ends the
// project on its own: the operator decides whether the unit restarts
// from planning, the stalled step runs again, or the run stops.
func (e *Engine) escalateExhaustion(ctx context.Context, u *story.NarrativeUnit, cause *RetryBudgetExhaustedError) error {
	e.emit(EventCheckpoint, u.ID, "%s exhausted %d attempts", cause.Scope, cause.Attempts)
	res, err := e.checkpoints.Raise(ctx, CheckpointMajorTurn, u.ID,
		e.operatorBriefing(fmt.Sprintf("unit %d stalled: %s", u.ID, cause.Error())))
	if err != nil {
		return err
	}
	switch res.Decision {
	case DecisionAbort:
		return ErrAborted
	case DecisionAbandon:
		e.state.RollbackFrom(u.ID)
		delete(e.plans, u.ID)
		delete(e.drafts, u.ID)
		logging.Workflow("unit %d abandoned after retry exhaustion, replanning from scratch", u.ID)
		return nil
	case DecisionForceRewrite:
		if err := e.state.ResetRevisions(u.ID); err != nil {
			return err
		}
		return nil
	case DecisionForceApprove:
		// Approval needs a finished draft; without one the stalled step
		// simply runs again.
		if u.ContentRef != "" && u.Status.CanTransitionTo(story.StatusApproved) {
			return e.state.Transition(u.ID, story.StatusApproved)
		}
		return nil
	default:
		return nil
	}
}

// stepPlanAndDraft plans the unit if needed, drafts it, and enforces
// the minimum length with one expansion pass.
func (e *Engine) stepPlanAndDraft(ctx context.Context, u *story.NarrativeUnit) error {
	plan, err := e.ensurePlan(ctx, u)
	if err != nil {
		return err
	}

	e.emit(EventUnit, u.ID, "drafting %q", plan.Title)
	facts, err := e.factsDigest(ctx)
	if err != nil {
		return err
	}
	res, err := e.invoke(ctx, agents.RoleDrafter, agents.Task{
		Role:   agents.RoleDrafter,
		UnitID: u.ID,
		Input: map[string]string{
			"plan":      planDigest(plan),
			"facts":     facts,
			"style":     e.project.Style,
			"min_runes": strconv.Itoa(e.wcfg.MinDraftRunes),
		},
		Context: e.priorSummaries(u.ID),
	})
	if err != nil {
		return err
	}
	text := res.Text

	if utf8.RuneCountInString(text) < e.wcfg.MinDraftRunes {
		logging.Workflow("unit %d draft short (%d runes), expanding", u.ID, utf8.RuneCountInString(text))
		exp, err := e.invoke(ctx, agents.RoleExpander, agents.Task{
			Role:   agents.RoleExpander,
			UnitID: u.ID,
			Input: map[string]string{
				"plan":      planDigest(plan),
				"draft":     text,
				"min_runes": strconv.Itoa(e.wcfg.MinDraftRunes),
			},
		})
		if err != nil {
			return err
		}
		text = exp.Text
		if utf8.RuneCountInString(text) < e.wcfg.MinDraftRunes {
			return &ContentShortfallError{
				UnitID: u.ID,
				Got:    utf8.RuneCountInString(text),
				Want:   e.wcfg.MinDraftRunes,
			}
		}
	}

	e.setDraft(u, text, "draft")
	return e.state.Transition(u.ID, story.StatusDrafted)
}

// ensurePlan returns the unit plan, generating one if the unit has
// none. A structural gap signalled by the planner triggers a mid-phase
// regroup, then planning resumes against the revised outline.
func (e *Engine) ensurePlan(ctx context.Context, u *story.NarrativeUnit) (*agents.PlanPayload, error) {
	if u.PlanRef != "" {
		return e.planFor(u)
	}

	for {
		e.emit(EventUnit, u.ID, "planning chapter %d", u.ID)
		facts, err := e.factsDigest(ctx)
		if err != nil {
			return nil, err
		}
		plan, err := invokeParsed(e, ctx, agents.RolePlanner, agents.Task{
			Role:   agents.RolePlanner,
			UnitID: u.ID,
			Input: map[string]string{
				"outline":  outlineDigest(e.outline),
				"synopsis": e.synopsisFor(u.ID),
				"facts":    facts,
			},
			Context: e.priorSummaries(u.ID),
		}, agents.ParsePlan)
		if err != nil {
			return nil, err
		}

		if plan.StructuralGap {
			logging.Workflow("unit %d: structural gap: %s", u.ID, plan.GapNote)
			if err := e.regroupOutline(ctx, u.ID, plan.GapNote); err != nil {
				return nil, err
			}
			continue // re-plan against the revised outline
		}

		plan.UnitID = u.ID
		e.plans[u.ID] = plan
		ref := e.saveJSONArtifact("plan", u.ID, plan)
		if err := e.state.SetPlan(u.ID, plan.Title, ref); err != nil {
			return nil, err
		}
		return plan, nil
	}
}

// regroupOutline enters the mid phase, re-chunks the remaining outline,
// and returns to micro execution. Archived units are never touched.
func (e *Engine) regroupOutline(ctx context.Context, fromUnit int, gapNote string) error {
	e.phases.EnterMid()
	e.emit(EventPhase, fromUnit, "mid: regrouping outline from chapter %d", fromUnit)

	remaining := make([]agents.UnitOutline, 0)
	for _, uo := range e.outline.Units {
		if uo.ID >= fromUnit {
			remaining = append(remaining, uo)
		}
	}
	remJSON, _ := json.Marshal(remaining)

	revised, err := invokeParsed(e, ctx, agents.RolePlanner, agents.Task{
		Role:   agents.RolePlanner,
		UnitID: fromUnit,
		Input: map[string]string{
			"mode":      "regroup",
			"outline":   outlineDigest(e.outline),
			"gap_note":  gapNote,
			"remaining": string(remJSON),
		},
		Context: e.priorSummaries(fromUnit),
	}, agents.ParseOutline)
	if err != nil {
		return err
	}

	// Splice: completed chapters keep their entries, the tail is replaced.
	merged := make([]agents.UnitOutline, 0, len(e.outline.Units))
	for _, uo := range e.outline.Units {
		if uo.ID < fromUnit {
			merged = append(merged, uo)
		}
	}
	for _, uo := range revised.Units {
		if uo.ID >= fromUnit {
			merged = append(merged, uo)
		}
	}
	e.outline.Units = merged
	e.state.OutlineRef = e.saveJSONArtifact("outline", 0, e.outline)

	e.phases.EnterMicro()
	return nil
}

// stepReview scores the current draft and appends the result to the
// unit's review history.
func (e *Engine) stepReview(ctx context.Context, u *story.NarrativeUnit) error {
	draft, err := e.draftText(u)
	if err != nil {
		return err
	}

	plan, err := e.planFor(u)
	if err != nil {
		return err
	}

	e.emit(EventUnit, u.ID, "reviewing draft")
	dims := strings.Join(e.wcfg.Dimensions, ", ")
	review, err := invokeParsed(e, ctx, agents.RoleReviewer, agents.Task{
		Role:   agents.RoleReviewer,
		UnitID: u.ID,
		Input: map[string]string{
			"plan":       planDigest(plan),
			"draft":      draft,
			"dimensions": dims,
		},
	}, func(res *agents.Result) (*story.ReviewResult, error) {
		r, err := agents.ParseReview(res)
		if err != nil {
			return nil, err
		}
		if err := r.Validate(e.wcfg.Dimensions); err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		return err
	}

	review.ID = uuid.NewString()
	review.UnitID = u.ID
	review.CreatedAt = time.Now()
	if err := e.state.AppendReview(u.ID, review); err != nil {
		return err
	}
	if e.persister != nil {
		if err := e.persister.SaveReview(review); err != nil {
			logging.StoreError("save review %s: %v", review.ID, err)
		}
	}
	return e.state.Transition(u.ID, story.StatusReviewed)
}

// stepGate applies the scoring gate to the latest review and routes
// the unit to finalize, revise, or rewrite.
func (e *Engine) stepGate(ctx context.Context, u *story.NarrativeUnit) error {
	review := u.LatestReview()
	if review == nil {
		return fmt.Errorf("unit %d reviewed without a review on record", u.ID)
	}
	verdict, err := e.gate.Evaluate(review)
	if err != nil {
		return err
	}
	e.emit(EventGate, u.ID, "gate verdict %s (total %d)", verdict, review.Total)

	switch verdict {
	case story.VerdictPass:
		return e.finalize(ctx, u)
	case story.VerdictRevise:
		return e.requestRevision(ctx, u, review.FlaggedIssues, review.Summary)
	case story.VerdictRewrite:
		return e.requestRewrite(ctx, u, review.FlaggedIssues)
	default:
		return fmt.Errorf("unit %d: unknown verdict %q", u.ID, verdict)
	}
}

// finalize runs the consistency check and polish pass, then approves
// the unit. Continuity conflicts send the unit back through revision
// instead of approving a contradictory chapter.
func (e *Engine) finalize(ctx context.Context, u *story.NarrativeUnit) error {
	draft, err := e.draftText(u)
	if err != nil {
		return err
	}

	var conflicts []knowledge.Inconsistency
	err = e.retry.Do(ctx, "consistency-check", func(ctx context.Context) error {
		var cerr error
		conflicts, cerr = e.knowledge.CheckConsistency(ctx, u.ID, draft)
		return cerr
	})
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		ccErr := &ConsistencyConflictError{UnitID: u.ID, Conflicts: conflicts}
		e.state.SetLastError(u.ID, ccErr.Error())
		issues := make([]story.FlaggedIssue, 0, len(conflicts))
		for _, c := range conflicts {
			issues = append(issues, story.FlaggedIssue{
				Dimension:   "continuity",
				Description: c.String(),
				Assignee:    "reviser",
			})
		}
		return e.requestRevision(ctx, u, issues, ccErr.Error())
	}

	e.emit(EventUnit, u.ID, "polishing approved draft")
	res, err := e.invoke(ctx, agents.RoleFinisher, agents.Task{
		Role:   agents.RoleFinisher,
		UnitID: u.ID,
		Input:  map[string]string{"draft": draft, "style": e.project.Style},
	})
	if err != nil {
		return err
	}
	e.setDraft(u, res.Text, "final")
	return e.state.Transition(u.ID, story.StatusApproved)
}

// requestRevision moves the unit into revision, escalating to a
// major-turn checkpoint once the revision budget is spent. The counter
// is a ceiling: it never passes MaxRevisions before the operator sees
// the checkpoint.
func (e *Engine) requestRevision(ctx context.Context, u *story.NarrativeUnit, issues []story.FlaggedIssue, reason string) error {
	if u.RevisionCount >= e.wcfg.MaxRevisions {
		return e.majorTurn(ctx, u, reason)
	}
	if _, err := e.state.IncrementRevision(u.ID); err != nil {
		return err
	}
	e.reviseIssues[u.ID] = issues
	return e.state.Transition(u.ID, story.StatusRevising)
}

// requestRewrite redrafts the unit from its plan, escalating once the
// revision budget is spent. Rewrites share the revision budget: each
// improvement cycle, targeted or full, consumes one.
func (e *Engine) requestRewrite(ctx context.Context, u *story.NarrativeUnit, issues []story.FlaggedIssue) error {
	if u.RevisionCount >= e.wcfg.MaxRevisions {
		return e.majorTurn(ctx, u, "rewrite requested with no revision budget left")
	}
	if _, err := e.state.IncrementRevision(u.ID); err != nil {
		return err
	}
	return e.doRewrite(ctx, u, issues)
}

// doRewrite invokes the rewriter and installs the fresh draft.
func (e *Engine) doRewrite(ctx context.Context, u *story.NarrativeUnit, issues []story.FlaggedIssue) error {
	draft, err := e.draftText(u)
	if err != nil {
		return err
	}
	plan, err := e.planFor(u)
	if err != nil {
		return err
	}
	e.emit(EventUnit, u.ID, "rewriting from plan")
	res, err := e.invoke(ctx, agents.RoleRewriter, agents.Task{
		Role:   agents.RoleRewriter,
		UnitID: u.ID,
		Input: map[string]string{
			"plan":   planDigest(plan),
			"issues": issuesDigest(issues),
			"draft":  draft,
		},
		Context: e.priorSummaries(u.ID),
	})
	if err != nil {
		return err
	}
	e.setDraft(u, res.Text, "draft")
	return e.state.Transition(u.ID, story.StatusDrafted)
}

// stepRevise routes the flagged issues by assignee: structural faults
// go to the rewriter, everything else to the reviser. The reviser never
// sees an issue addressed to the rewriter; it may not alter structure.
// The updated draft goes straight back through review.
func (e *Engine) stepRevise(ctx context.Context, u *story.NarrativeUnit) error {
	draft, err := e.draftText(u)
	if err != nil {
		return err
	}
	plan, err := e.planFor(u)
	if err != nil {
		return err
	}
	issues := e.reviseIssues[u.ID]
	if len(issues) == 0 {
		if review := u.LatestReview(); review != nil {
			issues = review.FlaggedIssues
		}
	}
	targeted, structural := splitIssues(issues)

	if len(structural) > 0 {
		e.emit(EventUnit, u.ID, "rewriting structure (%d issues)", len(structural))
		res, err := e.invoke(ctx, agents.RoleRewriter, agents.Task{
			Role:   agents.RoleRewriter,
			UnitID: u.ID,
			Input: map[string]string{
				"plan":   planDigest(plan),
				"issues": issuesDigest(structural),
				"draft":  draft,
			},
			Context: e.priorSummaries(u.ID),
		})
		if err != nil {
			return err
		}
		draft = res.Text
	}
	if len(targeted) > 0 || len(structural) == 0 {
		e.emit(EventUnit, u.ID, "revising (%d issues)", len(targeted))
		res, err := e.invoke(ctx, agents.RoleReviser, agents.Task{
			Role:   agents.RoleReviser,
			UnitID: u.ID,
			Input: map[string]string{
				"plan":   planDigest(plan),
				"issues": issuesDigest(targeted),
				"draft":  draft,
			},
		})
		if err != nil {
			return err
		}
		draft = res.Text
	}

	e.setDraft(u, draft, "draft")
	delete(e.reviseIssues, u.ID)
	return e.stepReview(ctx, u)
}

// splitIssues partitions flagged issues by assignee. Issues addressed
// to the rewriter are structural; everything else is a targeted fix.
func splitIssues(issues []story.FlaggedIssue) (targeted, structural []story.FlaggedIssue) {
	for _, is := range issues {
		if is.Assignee == "rewriter" {
			structural = append(structural, is)
		} else {
			targeted = append(targeted, is)
		}
	}
	return targeted, structural
}

// majorTurn blocks on the operator when a unit has exhausted its
// revision budget.
func (e *Engine) majorTurn(ctx context.Context, u *story.NarrativeUnit, reason string) error {
	e.emit(EventCheckpoint, u.ID, "revision budget exhausted")
	res, err := e.checkpoints.Raise(ctx, CheckpointMajorTurn, u.ID,
		e.operatorBriefing(fmt.Sprintf("unit %d used all %d revisions: %s", u.ID, e.wcfg.MaxRevisions, reason)))
	if err != nil {
		return err
	}

	switch res.Decision {
	case DecisionForceApprove:
		return e.state.Transition(u.ID, story.StatusApproved)
	case DecisionForceRewrite:
		if err := e.state.ResetRevisions(u.ID); err != nil {
			return err
		}
		var issues []story.FlaggedIssue
		if review := u.LatestReview(); review != nil {
			issues = review.FlaggedIssues
		}
		return e.doRewrite(ctx, u, issues)
	case DecisionAbandon:
		e.state.RollbackFrom(u.ID)
		delete(e.plans, u.ID)
		delete(e.drafts, u.ID)
		logging.Workflow("unit %d abandoned, replanning from scratch", u.ID)
		return nil
	case DecisionAbort:
		return ErrAborted
	default:
		return fmt.Errorf("unit %d: unexpected major-turn decision %s", u.ID, res.Decision)
	}
}

// stepArchive summarizes the unit, commits its continuity facts, and
// closes it out.
func (e *Engine) stepArchive(ctx context.Context, u *story.NarrativeUnit) error {
	draft, err := e.draftText(u)
	if err != nil {
		return err
	}

	e.emit(EventUnit, u.ID, "archiving")
	payload, err := invokeParsed(e, ctx, agents.RoleArchivist, agents.Task{
		Role:   agents.RoleArchivist,
		UnitID: u.ID,
		Input:  map[string]string{"title": u.Title, "draft": draft},
	}, agents.ParseArchive)
	if err != nil {
		return err
	}

	if err := e.state.SetSummary(u.ID, payload.Summary); err != nil {
		return err
	}
	for _, f := range payload.Facts {
		if err := e.knowledge.Upsert(ctx, knowledge.EntityFact{
			Entity:     f.Entity,
			Attribute:  f.Attribute,
			Value:      f.Value,
			SourceUnit: u.ID,
		}); err != nil {
			return err
		}
	}

	if err := e.state.Transition(u.ID, story.StatusArchived); err != nil {
		return err
	}
	if e.persister != nil {
		if err := e.persister.SaveProgress(e.state.ArchivedCount(), e.phases.Current()); err != nil {
			logging.StoreError("save progress: %v", err)
		}
	}
	e.emit(EventUnit, u.ID, "archived (%d/%d)", e.state.ArchivedCount(), e.wcfg.TargetUnits)
	return nil
}

// invoke resolves a capability and runs it under the retry policy.
func (e *Engine) invoke(ctx context.Context, role agents.Role, task agents.Task) (*agents.Result, error) {
	capability, err := e.resolver.Resolve(role)
	if err != nil {
		return nil, err
	}
	var res *agents.Result
	err = e.retry.Do(ctx, string(role), func(ctx context.Context) error {
		r, ierr := capability.Invoke(ctx, task)
		if ierr != nil {
			return ierr
		}
		res = r
		return nil
	})
	return res, err
}

// invokeParsed runs a capability under the retry policy and parses its
// payload inside the retry body, so a malformed result is reissued.
func invokeParsed[T any](e *Engine, ctx context.Context, role agents.Role, task agents.Task, parse func(*agents.Result) (T, error)) (T, error) {
	var out T
	capability, err := e.resolver.Resolve(role)
	if err != nil {
		return out, err
	}
	err = e.retry.Do(ctx, string(role), func(ctx context.Context) error {
		res, ierr := capability.Invoke(ctx, task)
		if ierr != nil {
			return ierr
		}
		v, perr := parse(res)
		if perr != nil {
			return &MalformedResultError{Role: string(role), Err: perr}
		}
		out = v
		return nil
	})
	return out, err
}

// setDraft installs new draft text for a unit, write-through to the
// artifact store.
func (e *Engine) setDraft(u *story.NarrativeUnit, text, kind string) {
	e.drafts[u.ID] = text
	ref := fmt.Sprintf("unit%03d-%s-%s", u.ID, kind, uuid.NewString()[:8])
	if e.persister != nil {
		if err := e.persister.SaveArtifact(ref, kind, u.ID, text); err != nil {
			logging.StoreError("save artifact %s: %v", ref, err)
		}
	}
	_ = e.state.SetContent(u.ID, ref)
}

// planFor returns the unit plan, falling back to the persisted plan
// artifact after a restart. Mirrors draftText.
func (e *Engine) planFor(u *story.NarrativeUnit) (*agents.PlanPayload, error) {
	if p, ok := e.plans[u.ID]; ok {
		return p, nil
	}
	if u.PlanRef == "" {
		return nil, fmt.Errorf("unit %d has no plan on record", u.ID)
	}
	if e.persister == nil {
		return nil, fmt.Errorf("unit %d plan %q not in memory and no persister", u.ID, u.PlanRef)
	}
	raw, err := e.persister.LoadArtifact(u.PlanRef)
	if err != nil {
		return nil, fmt.Errorf("load plan for unit %d: %w", u.ID, err)
	}
	var plan agents.PlanPayload
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("load plan for unit %d: %w", u.ID, err)
	}
	e.plans[u.ID] = &plan
	return &plan, nil
}

// operatorBriefing assembles a checkpoint payload: the cause, a
// progress snapshot, any open flags on the ledger, and the next
// chapters on the outline.
func (e *Engine) operatorBriefing(lead string) string {
	var sb strings.Builder
	sb.WriteString(lead)
	fmt.Fprintf(&sb, "\nprogress: %d of %d chapters archived, phase %s\n",
		e.state.ArchivedCount(), e.wcfg.TargetUnits, e.phases.Current())
	for _, u := range e.state.Units() {
		if u.LastError != "" && u.Status != story.StatusArchived {
			fmt.Fprintf(&sb, "open flag: unit %d: %s\n", u.ID, u.LastError)
		}
	}
	if e.outline != nil {
		shown := 0
		for _, uo := range e.outline.Units {
			if uo.ID <= e.state.ArchivedCount() {
				continue
			}
			fmt.Fprintf(&sb, "upcoming: %d. %s: %s\n", uo.ID, uo.Title, uo.Synopsis)
			if shown++; shown == 3 {
				break
			}
		}
	}
	return sb.String()
}

// draftText returns the current draft, falling back to the artifact
// store on resume.
func (e *Engine) draftText(u *story.NarrativeUnit) (string, error) {
	if text, ok := e.drafts[u.ID]; ok {
		return text, nil
	}
	if u.ContentRef == "" {
		return "", fmt.Errorf("unit %d has no draft on record", u.ID)
	}
	if e.persister == nil {
		return "", fmt.Errorf("unit %d draft %q not in memory and no persister", u.ID, u.ContentRef)
	}
	text, err := e.persister.LoadArtifact(u.ContentRef)
	if err != nil {
		return "", fmt.Errorf("load draft for unit %d: %w", u.ID, err)
	}
	e.drafts[u.ID] = text
	return text, nil
}

// saveJSONArtifact persists a JSON payload and returns its ref.
func (e *Engine) saveJSONArtifact(kind string, unitID int, v interface{}) string {
	ref := fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
	if unitID > 0 {
		ref = fmt.Sprintf("unit%03d-%s", unitID, ref)
	}
	if e.persister != nil {
		data, err := json.Marshal(v)
		if err == nil {
			err = e.persister.SaveArtifact(ref, kind, unitID, string(data))
		}
		if err != nil {
			logging.StoreError("save %s artifact: %v", kind, err)
		}
	}
	return ref
}

// persist writes a unit through to storage.
func (e *Engine) persist(u *story.NarrativeUnit) {
	if e.persister == nil {
		return
	}
	if err := e.persister.SaveUnit(u); err != nil {
		logging.StoreError("save unit %d: %v", u.ID, err)
	}
}

// factsDigest renders the established continuity facts for prompts.
func (e *Engine) factsDigest(ctx context.Context) (string, error) {
	facts, err := e.knowledge.Query(ctx, knowledge.Filter{})
	if err != nil {
		return "", fmt.Errorf("query continuity facts: %w", err)
	}
	var sb strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&sb, "%s.%s = %s\n", f.Entity, f.Attribute, f.Value)
	}
	return sb.String(), nil
}

// priorSummaries collects the archivist digests of every earlier unit.
func (e *Engine) priorSummaries(before int) []string {
	var out []string
	for _, u := range e.state.Units() {
		if u.ID >= before || u.Summary == "" {
			continue
		}
		out = append(out, fmt.Sprintf("Chapter %d (%s): %s", u.ID, u.Title, u.Summary))
	}
	return out
}

// synopsisFor looks up a unit's synopsis in the adopted outline.
func (e *Engine) synopsisFor(id int) string {
	if e.outline == nil {
		return ""
	}
	for _, uo := range e.outline.Units {
		if uo.ID == id {
			return uo.Synopsis
		}
	}
	return ""
}

func outlineDigest(o *agents.OutlinePayload) string {
	if o == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(o.Premise)
	sb.WriteString("\n")
	for _, u := range o.Units {
		fmt.Fprintf(&sb, "%d. %s: %s\n", u.ID, u.Title, u.Synopsis)
	}
	return sb.String()
}

func planDigest(p *agents.PlanPayload) string {
	if p == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Chapter %d: %s\nGoal: %s\n", p.UnitID, p.Title, p.Goal)
	for i, b := range p.Beats {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, b)
	}
	return sb.String()
}

func issuesDigest(issues []story.FlaggedIssue) string {
	var sb strings.Builder
	for _, is := range issues {
		fmt.Fprintf(&sb, "- [%s] %s", is.Dimension, is.Description)
		if is.Location != "" {
			fmt.Fprintf(&sb, " (at: %s)", is.Location)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func castDigest(cast []agents.CharacterBrief) string {
	var sb strings.Builder
	for _, c := range cast {
		fmt.Fprintf(&sb, "%s (%s): %s\n", c.Name, c.Role, c.Brief)
	}
	return sb.String()
}
