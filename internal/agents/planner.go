package agents

import (
	"context"
	"fmt"
)

// Planner is the story architect. It operates at three altitudes,
// selected by task.Input["mode"]: "outline" produces the macro chapter
// outline, "regroup" re-plans the remaining chapters after a structural
// gap, and the default mode plans a single unit.
type Planner struct {
	baseAgent
}

// NewPlanner constructs the planner capability.
func NewPlanner(deps Deps) Capability {
	return &Planner{baseAgent{role: RolePlanner, client: deps.Client}}
}

// Invoke implements Capability.
func (p *Planner) Invoke(ctx context.Context, task Task) (*Result, error) {
	switch task.Input["mode"] {
	case "outline":
		prompt := promptWith(task,
			[2]string{"Premise", task.Input["premise"]},
			[2]string{"World", task.Input["world"]},
			[2]string{"Cast", task.Input["cast"]},
			[2]string{"Target chapters", task.Input["target_units"]},
			[2]string{"Style", task.Input["style"]},
		)
		return p.completeJSON(ctx, plannerOutlineSystem, prompt)

	case "regroup":
		prompt := promptWith(task,
			[2]string{"Original outline", task.Input["outline"]},
			[2]string{"Structural gap", task.Input["gap_note"]},
			[2]string{"Remaining chapters", task.Input["remaining"]},
		)
		return p.completeJSON(ctx, plannerRegroupSystem, prompt)

	default:
		prompt := promptWith(task,
			[2]string{"Outline", task.Input["outline"]},
			[2]string{"Chapter", fmt.Sprintf("%d: %s", task.UnitID, task.Input["synopsis"])},
			[2]string{"Continuity facts", task.Input["facts"]},
		)
		return p.completeJSON(ctx, plannerUnitSystem, prompt)
	}
}

// Worldbuilder designs the setting and principal cast during the macro
// phase.
type Worldbuilder struct {
	baseAgent
}

// NewWorldbuilder constructs the worldbuilder capability.
func NewWorldbuilder(deps Deps) Capability {
	return &Worldbuilder{baseAgent{role: RoleWorldbuilder, client: deps.Client}}
}

// Invoke implements Capability.
func (w *Worldbuilder) Invoke(ctx context.Context, task Task) (*Result, error) {
	prompt := promptWith(task,
		[2]string{"Premise", task.Input["premise"]},
		[2]string{"Genre", task.Input["genre"]},
		[2]string{"Audience", task.Input["audience"]},
	)
	return w.completeJSON(ctx, worldbuilderSystem, prompt)
}
