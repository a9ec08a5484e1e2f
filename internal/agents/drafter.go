package agents

import (
	"context"
	"fmt"
)

// Drafter writes a chapter from its plan.
type Drafter struct {
	baseAgent
}

// NewDrafter constructs the drafter capability.
func NewDrafter(deps Deps) Capability {
	return &Drafter{baseAgent{role: RoleDrafter, client: deps.Client}}
}

// Invoke implements Capability.
func (d *Drafter) Invoke(ctx context.Context, task Task) (*Result, error) {
	prompt := promptWith(task,
		[2]string{"Scene plan", task.Input["plan"]},
		[2]string{"Continuity facts", task.Input["facts"]},
		[2]string{"Style", task.Input["style"]},
		[2]string{"Minimum length", fmt.Sprintf("at least %s characters of prose", task.Input["min_runes"])},
	)
	return d.completeText(ctx, drafterSystem, prompt)
}

// Expander deepens a draft that came in under the minimum length.
type Expander struct {
	baseAgent
}

// NewExpander constructs the expander capability.
func NewExpander(deps Deps) Capability {
	return &Expander{baseAgent{role: RoleExpander, client: deps.Client}}
}

// Invoke implements Capability.
func (e *Expander) Invoke(ctx context.Context, task Task) (*Result, error) {
	prompt := promptWith(task,
		[2]string{"Scene plan", task.Input["plan"]},
		[2]string{"Current draft", task.Input["draft"]},
		[2]string{"Minimum length", fmt.Sprintf("at least %s characters of prose", task.Input["min_runes"])},
	)
	return e.completeText(ctx, expanderSystem, prompt)
}
