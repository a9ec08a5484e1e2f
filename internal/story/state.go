package story

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the shared project ledger. The workflow engine is the only
// writer; status commands may read it concurrently, so access is
// mutex-guarded.
type State struct {
	mu sync.RWMutex

	Title       string
	TargetUnits int
	Phase       Phase

	// Macro-phase artifact refs, filled during planning.
	PremiseRef string
	CastRef    string
	WorldRef   string
	OutlineRef string

	units map[int]*NarrativeUnit
}

// NewState creates an empty ledger in the macro phase.
func NewState(title string, targetUnits int) *State {
	return &State{
		Title:       title,
		TargetUnits: targetUnits,
		Phase:       PhaseMacro,
		units:       make(map[int]*NarrativeUnit),
	}
}

// EnsureUnit returns the unit with the given id, creating it in
// StatusPlanned if it does not exist.
func (s *State) EnsureUnit(id int) *NarrativeUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[id]; ok {
		return u
	}
	now := time.Now()
	u := &NarrativeUnit{ID: id, Status: StatusPlanned, CreatedAt: now, UpdatedAt: now}
	s.units[id] = u
	return u
}

// Unit returns the unit with the given id.
func (s *State) Unit(id int) (*NarrativeUnit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[id]
	return u, ok
}

// Restore inserts a previously persisted unit into the ledger.
func (s *State) Restore(u *NarrativeUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[u.ID] = u
}

// Units returns all units in ascending id order.
func (s *State) Units() []*NarrativeUnit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*NarrativeUnit, 0, len(s.units))
	for _, u := range s.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Transition moves a unit to the next status, enforcing the lifecycle.
func (s *State) Transition(id int, next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return fmt.Errorf("unit %d not found", id)
	}
	if !next.IsValid() {
		return fmt.Errorf("unit %d: invalid status %q", id, next)
	}
	if !u.Status.CanTransitionTo(next) {
		return fmt.Errorf("unit %d: illegal transition %s -> %s", id, u.Status, next)
	}
	u.Status = next
	u.UpdatedAt = time.Now()
	return nil
}

// SetPlan records the plan artifact for a unit.
func (s *State) SetPlan(id int, title, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return fmt.Errorf("unit %d not found", id)
	}
	u.Title = title
	u.PlanRef = ref
	u.UpdatedAt = time.Now()
	return nil
}

// SetContent records the current draft artifact for a unit.
func (s *State) SetContent(id int, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return fmt.Errorf("unit %d not found", id)
	}
	u.ContentRef = ref
	u.UpdatedAt = time.Now()
	return nil
}

// AppendReview adds a review to the unit's history. History only grows;
// older reviews are never replaced.
func (s *State) AppendReview(id int, review *ReviewResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return fmt.Errorf("unit %d not found", id)
	}
	u.Reviews = append(u.Reviews, review)
	u.ReviewRefs = append(u.ReviewRefs, review.ID)
	u.UpdatedAt = time.Now()
	return nil
}

// IncrementRevision bumps the revision counter and returns the new value.
func (s *State) IncrementRevision(id int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return 0, fmt.Errorf("unit %d not found", id)
	}
	u.RevisionCount++
	u.UpdatedAt = time.Now()
	return u.RevisionCount, nil
}

// ResetRevisions zeroes the revision counter. Used after a rewrite: the
// fresh draft gets a fresh revision budget.
func (s *State) ResetRevisions(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return fmt.Errorf("unit %d not found", id)
	}
	u.RevisionCount = 0
	u.UpdatedAt = time.Now()
	return nil
}

// SetSummary stores the archivist digest for an approved unit.
func (s *State) SetSummary(id int, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return fmt.Errorf("unit %d not found", id)
	}
	u.Summary = summary
	u.UpdatedAt = time.Now()
	return nil
}

// SetLastError records the most recent failure for operator visibility.
func (s *State) SetLastError(id int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[id]; ok {
		u.LastError = msg
		u.UpdatedAt = time.Now()
	}
}

// NextPending returns the lowest unit id not yet archived, or 0 when
// every unit through TargetUnits is archived.
func (s *State) NextPending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := 1; id <= s.TargetUnits; id++ {
		u, ok := s.units[id]
		if !ok || u.Status != StatusArchived {
			return id
		}
	}
	return 0
}

// ArchivedCount returns how many units are archived.
func (s *State) ArchivedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, u := range s.units {
		if u.Status == StatusArchived {
			n++
		}
	}
	return n
}

// SetPhase records the planning altitude.
func (s *State) SetPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Phase = p
}

// CurrentPhase returns the planning altitude.
func (s *State) CurrentPhase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Phase
}

// RollbackFrom resets every non-archived unit with id >= firstUnit back
// to StatusPlanned. Review history and refs are kept; only the working
// state is discarded. This bypasses the normal lifecycle on purpose.
func (s *State) RollbackFrom(firstUnit int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reset []int
	for id, u := range s.units {
		if id < firstUnit || u.Status == StatusArchived {
			continue
		}
		u.Status = StatusPlanned
		u.RevisionCount = 0
		u.ContentRef = ""
		u.LastError = ""
		u.UpdatedAt = time.Now()
		reset = append(reset, id)
	}
	sort.Ints(reset)
	return reset
}
