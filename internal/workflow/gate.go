package workflow

import (
	"fmt"

	"inkwright/internal/logging"
	"inkwright/internal/story"
)

// GateConfig carries the scoring gate policy. The dimension set is
// project configuration; the threshold structure is fixed.
type GateConfig struct {
	PassTotal      int
	RewriteTotal   int
	Dimensions     []string
	CoreDimensions []string
}

// Gate turns a review into a verdict. It is pure: the same review and
// config always yield the same verdict.
type Gate struct {
	cfg GateConfig
}

// NewGate creates a gate with the given policy.
func NewGate(cfg GateConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Evaluate returns the verdict for a review.
//
// Rewrite wins over everything: a total below the rewrite floor, or any
// core dimension at 1, means patching is pointless. Pass requires both
// the total threshold and no dimension at 2 or below. Everything else
// is a targeted revise.
func (g *Gate) Evaluate(review *story.ReviewResult) (story.Verdict, error) {
	if err := review.Validate(g.cfg.Dimensions); err != nil {
		return "", fmt.Errorf("gate rejected review: %w", err)
	}

	for _, core := range g.cfg.CoreDimensions {
		if review.DimensionScores[core] <= 1 {
			logging.Gate("unit %d: rewrite (core dimension %s at %d)",
				review.UnitID, core, review.DimensionScores[core])
			return story.VerdictRewrite, nil
		}
	}
	if review.Total < g.cfg.RewriteTotal {
		logging.Gate("unit %d: rewrite (total %d below %d)",
			review.UnitID, review.Total, g.cfg.RewriteTotal)
		return story.VerdictRewrite, nil
	}

	if review.Total >= g.cfg.PassTotal && review.MinDimension() > 2 {
		logging.Gate("unit %d: pass (total %d, min %d)",
			review.UnitID, review.Total, review.MinDimension())
		return story.VerdictPass, nil
	}

	logging.Gate("unit %d: revise (total %d, min %d)",
		review.UnitID, review.Total, review.MinDimension())
	return story.VerdictRevise, nil
}
