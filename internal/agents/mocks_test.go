package agents

import (
	"context"
	"errors"
)

// mockClient returns canned completions and records what it was asked.
type mockClient struct {
	response string
	err      error
	systems  []string
	prompts  []string
}

func (m *mockClient) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

func (m *mockClient) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.systems = append(m.systems, system)
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

var errProvider = errors.New("provider unavailable")
