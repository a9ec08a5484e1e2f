package agents

import "context"

// Reviser applies targeted fixes for flagged issues.
type Reviser struct {
	baseAgent
}

// NewReviser constructs the reviser capability.
func NewReviser(deps Deps) Capability {
	return &Reviser{baseAgent{role: RoleReviser, client: deps.Client}}
}

// Invoke implements Capability.
func (r *Reviser) Invoke(ctx context.Context, task Task) (*Result, error) {
	prompt := promptWith(task,
		[2]string{"Flagged issues", task.Input["issues"]},
		[2]string{"Scene plan", task.Input["plan"]},
		[2]string{"Draft", task.Input["draft"]},
	)
	return r.completeText(ctx, reviserSystem, prompt)
}

// Rewriter produces a fresh draft when revision cannot save the old one.
type Rewriter struct {
	baseAgent
}

// NewRewriter constructs the rewriter capability.
func NewRewriter(deps Deps) Capability {
	return &Rewriter{baseAgent{role: RoleRewriter, client: deps.Client}}
}

// Invoke implements Capability.
func (r *Rewriter) Invoke(ctx context.Context, task Task) (*Result, error) {
	prompt := promptWith(task,
		[2]string{"Scene plan", task.Input["plan"]},
		[2]string{"Flagged problems", task.Input["issues"]},
		[2]string{"Failed draft (reference only)", task.Input["draft"]},
	)
	return r.completeText(ctx, rewriterSystem, prompt)
}

// Finisher applies the final polish pass before archiving.
type Finisher struct {
	baseAgent
}

// NewFinisher constructs the finisher capability.
func NewFinisher(deps Deps) Capability {
	return &Finisher{baseAgent{role: RoleFinisher, client: deps.Client}}
}

// Invoke implements Capability.
func (f *Finisher) Invoke(ctx context.Context, task Task) (*Result, error) {
	prompt := promptWith(task,
		[2]string{"Approved draft", task.Input["draft"]},
		[2]string{"Style", task.Input["style"]},
	)
	return f.completeText(ctx, finisherSystem, prompt)
}
