package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"inkwright/internal/knowledge"
	"inkwright/internal/llm"
)

// Archivist summarizes an approved chapter and extracts the continuity
// facts it establishes.
type Archivist struct {
	baseAgent
}

// NewArchivist constructs the archivist capability.
func NewArchivist(deps Deps) Capability {
	return &Archivist{baseAgent{role: RoleArchivist, client: deps.Client}}
}

// Invoke implements Capability.
func (a *Archivist) Invoke(ctx context.Context, task Task) (*Result, error) {
	prompt := promptWith(task,
		[2]string{"Chapter", fmt.Sprintf("%d: %s", task.UnitID, task.Input["title"])},
		[2]string{"Final text", task.Input["draft"]},
	)
	return a.completeJSON(ctx, archivistSystem, prompt)
}

// ClaimExtractor is the LLM-backed knowledge.Extractor used for
// consistency checks before a chapter is finalized.
type ClaimExtractor struct {
	client llm.Client
}

// NewClaimExtractor constructs an extractor on the shared client.
func NewClaimExtractor(client llm.Client) *ClaimExtractor {
	return &ClaimExtractor{client: client}
}

// ExtractClaims implements knowledge.Extractor.
func (e *ClaimExtractor) ExtractClaims(ctx context.Context, draft string) ([]knowledge.Claim, error) {
	raw, err := e.client.CompleteWithSystem(ctx, extractorSystem, draft)
	if err != nil {
		return nil, fmt.Errorf("claim extraction: %w", err)
	}
	body, err := ExtractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("claim extraction produced no payload: %w", err)
	}
	var claims []knowledge.Claim
	if err := json.Unmarshal([]byte(body), &claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	return claims, nil
}
