package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"inkwright/internal/logging"
)

// CheckpointKind identifies why the engine is pausing for an operator.
type CheckpointKind string

const (
	CheckpointProjectInit     CheckpointKind = "/project-init"
	CheckpointOutlineApproval CheckpointKind = "/outline-approval"
	CheckpointMilestone       CheckpointKind = "/milestone"
	CheckpointMajorTurn       CheckpointKind = "/major-turn"
	CheckpointCompletion      CheckpointKind = "/completion"
)

// Decision is an operator resolution choice.
type Decision string

const (
	DecisionApprove      Decision = "/approve"
	DecisionRegenerate   Decision = "/regenerate"
	DecisionContinue     Decision = "/continue"
	DecisionRollback     Decision = "/rollback"
	DecisionForceApprove Decision = "/force-approve"
	DecisionForceRewrite Decision = "/force-rewrite"
	DecisionAbandon      Decision = "/abandon"
	DecisionAccept       Decision = "/accept"
	DecisionAbort        Decision = "/abort"
)

// decisionMenus fixes the legal resolutions per checkpoint kind.
var decisionMenus = map[CheckpointKind][]Decision{
	CheckpointProjectInit:     {DecisionApprove, DecisionAbort},
	CheckpointOutlineApproval: {DecisionApprove, DecisionRegenerate, DecisionAbort},
	CheckpointMilestone:       {DecisionContinue, DecisionRollback, DecisionAbort},
	CheckpointMajorTurn:       {DecisionForceApprove, DecisionForceRewrite, DecisionAbandon, DecisionAbort},
	CheckpointCompletion:      {DecisionAccept},
}

// Menu returns the legal decisions for a checkpoint kind.
func Menu(kind CheckpointKind) []Decision {
	return decisionMenus[kind]
}

// CheckpointRequest is one pending operator decision.
type CheckpointRequest struct {
	ID        string         `json:"id"`
	Kind      CheckpointKind `json:"kind"`
	UnitID    int            `json:"unit_id,omitempty"`
	Summary   string         `json:"summary"`
	Menu      []Decision     `json:"menu"`
	CreatedAt time.Time      `json:"created_at"`
}

// Resolution is a consumed operator decision.
type Resolution struct {
	CheckpointID string    `json:"checkpoint_id"`
	Decision     Decision  `json:"decision"`
	Note         string    `json:"note,omitempty"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// CheckpointRecorder persists the checkpoint audit trail. Optional.
type CheckpointRecorder interface {
	RecordCheckpoint(req CheckpointRequest) error
	RecordResolution(res Resolution) error
}

type pendingCheckpoint struct {
	req CheckpointRequest
	ch  chan Resolution
}

// CheckpointManager raises blocking checkpoints and matches them with
// operator resolutions. There are no timeouts: a checkpoint waits
// indefinitely until resolved or the context is cancelled.
type CheckpointManager struct {
	mu       sync.Mutex
	pending  map[string]*pendingCheckpoint
	recorder CheckpointRecorder
}

// NewCheckpointManager creates a manager. recorder may be nil.
func NewCheckpointManager(recorder CheckpointRecorder) *CheckpointManager {
	return &CheckpointManager{
		pending:  make(map[string]*pendingCheckpoint),
		recorder: recorder,
	}
}

// Raise registers a checkpoint and blocks until it is resolved or ctx
// is cancelled. A cancelled checkpoint is withdrawn from the pending set.
func (m *CheckpointManager) Raise(ctx context.Context, kind CheckpointKind, unitID int, summary string) (Resolution, error) {
	menu, ok := decisionMenus[kind]
	if !ok {
		return Resolution{}, fmt.Errorf("unknown checkpoint kind %q", kind)
	}

	req := CheckpointRequest{
		ID:        uuid.NewString(),
		Kind:      kind,
		UnitID:    unitID,
		Summary:   summary,
		Menu:      menu,
		CreatedAt: time.Now(),
	}
	p := &pendingCheckpoint{req: req, ch: make(chan Resolution, 1)}

	m.mu.Lock()
	m.pending[req.ID] = p
	m.mu.Unlock()

	if m.recorder != nil {
		if err := m.recorder.RecordCheckpoint(req); err != nil {
			logging.CheckpointDebug("record checkpoint %s: %v", req.ID, err)
		}
	}
	logging.Checkpoint("raised %s (unit %d): %s", kind, unitID, summary)

	select {
	case res := <-p.ch:
		logging.Checkpoint("resolved %s -> %s", req.ID, res.Decision)
		return res, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, req.ID)
		m.mu.Unlock()
		return Resolution{}, ctx.Err()
	}
}

// Pending lists unresolved checkpoints, oldest first.
func (m *CheckpointManager) Pending() []CheckpointRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CheckpointRequest, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Resolve delivers an operator decision. The decision must be on the
// checkpoint's menu; an illegal decision leaves the checkpoint pending.
// Each checkpoint is consumed exactly once.
func (m *CheckpointManager) Resolve(id string, decision Decision, note string) error {
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no pending checkpoint %q", id)
	}

	legal := false
	for _, d := range p.req.Menu {
		if d == decision {
			legal = true
			break
		}
	}
	if !legal {
		m.mu.Unlock()
		return fmt.Errorf("decision %s is not on the %s menu", decision, p.req.Kind)
	}

	delete(m.pending, id)
	m.mu.Unlock()

	res := Resolution{
		CheckpointID: id,
		Decision:     decision,
		Note:         note,
		ResolvedAt:   time.Now(),
	}
	if m.recorder != nil {
		if err := m.recorder.RecordResolution(res); err != nil {
			logging.CheckpointDebug("record resolution %s: %v", id, err)
		}
	}
	p.ch <- res
	return nil
}
