package agents

import (
	"context"
	"strings"
)

// Reviewer scores a draft across the configured dimension set.
type Reviewer struct {
	baseAgent
}

// NewReviewer constructs the reviewer capability.
func NewReviewer(deps Deps) Capability {
	return &Reviewer{baseAgent{role: RoleReviewer, client: deps.Client}}
}

// Invoke implements Capability. task.Input["dimensions"] is the
// comma-separated dimension set; the gate validates the response
// against it.
func (r *Reviewer) Invoke(ctx context.Context, task Task) (*Result, error) {
	dims := task.Input["dimensions"]
	system := reviewerSystem
	if dims != "" {
		system = strings.Replace(system, "every listed\ndimension",
			"every listed\ndimension ("+dims+")", 1)
	}
	prompt := promptWith(task,
		[2]string{"Scene plan", task.Input["plan"]},
		[2]string{"Dimensions to score", dims},
		[2]string{"Draft", task.Input["draft"]},
	)
	return r.completeJSON(ctx, system, prompt)
}
