package workflow

import (
	"inkwright/internal/logging"
	"inkwright/internal/story"
)

// PhaseManager moves the project between planning altitudes. MACRO is
// whole-story architecture, MID regroups the remaining outline after a
// structural gap, MICRO is per-unit execution.
type PhaseManager struct {
	state *story.State
}

// NewPhaseManager wraps the ledger's phase field.
func NewPhaseManager(state *story.State) *PhaseManager {
	return &PhaseManager{state: state}
}

// Current returns the active phase.
func (pm *PhaseManager) Current() story.Phase {
	return pm.state.CurrentPhase()
}

// EnterMacro switches to whole-story planning.
func (pm *PhaseManager) EnterMacro() {
	pm.transition(story.PhaseMacro)
}

// EnterMid switches to outline regrouping.
func (pm *PhaseManager) EnterMid() {
	pm.transition(story.PhaseMid)
}

// EnterMicro switches to per-unit execution.
func (pm *PhaseManager) EnterMicro() {
	pm.transition(story.PhaseMicro)
}

func (pm *PhaseManager) transition(next story.Phase) {
	prev := pm.state.CurrentPhase()
	if prev == next {
		return
	}
	pm.state.SetPhase(next)
	logging.Phase("%s -> %s", prev, next)
}

// RollbackToMacro re-enters macro planning and resets every
// non-archived unit from firstUnit on back to planned. Review history
// is kept; only working state is discarded. Returns the reset unit ids.
func (pm *PhaseManager) RollbackToMacro(firstUnit int) []int {
	reset := pm.state.RollbackFrom(firstUnit)
	pm.state.SetPhase(story.PhaseMacro)
	logging.Phase("rollback to %s from unit %d: reset %v", story.PhaseMacro, firstUnit, reset)
	return reset
}
