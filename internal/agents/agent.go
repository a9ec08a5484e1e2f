package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"inkwright/internal/llm"
	"inkwright/internal/logging"
)

// baseAgent carries the pieces every role agent shares.
type baseAgent struct {
	role   Role
	client llm.Client
}

func (a baseAgent) Role() Role { return a.role }

// completeJSON runs a completion and returns the extracted JSON payload.
func (a baseAgent) completeJSON(ctx context.Context, system, prompt string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryAgents, string(a.role))
	raw, err := a.client.CompleteWithSystem(ctx, system, prompt)
	timer.Stop()
	if err != nil {
		return nil, fmt.Errorf("%s invocation: %w", a.role, err)
	}
	body, err := ExtractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%s produced no parseable payload: %w", a.role, err)
	}
	if !json.Valid([]byte(body)) {
		return nil, fmt.Errorf("%s produced invalid JSON", a.role)
	}
	return &Result{JSON: json.RawMessage(body)}, nil
}

// completeText runs a completion and returns the trimmed prose.
func (a baseAgent) completeText(ctx context.Context, system, prompt string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryAgents, string(a.role))
	raw, err := a.client.CompleteWithSystem(ctx, system, prompt)
	timer.Stop()
	if err != nil {
		return nil, fmt.Errorf("%s invocation: %w", a.role, err)
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("%s produced empty output", a.role)
	}
	return &Result{Text: text}, nil
}

// promptWith assembles a prompt from labeled sections plus shared context.
func promptWith(task Task, sections ...[2]string) string {
	var sb strings.Builder
	for _, sec := range sections {
		if sec[1] == "" {
			continue
		}
		sb.WriteString("## ")
		sb.WriteString(sec[0])
		sb.WriteString("\n")
		sb.WriteString(sec[1])
		sb.WriteString("\n\n")
	}
	if len(task.Context) > 0 {
		sb.WriteString("## Story so far\n")
		for _, c := range task.Context {
			sb.WriteString(c)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
