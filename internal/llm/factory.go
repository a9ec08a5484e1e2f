package llm

import (
	"fmt"
	"os"

	"inkwright/internal/config"
)

// NewClientFromConfig builds a provider client from the project config.
func NewClientFromConfig(cfg config.LLMConfig) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("no API key configured; set llm.api_key or GEMINI_API_KEY / OPENAI_API_KEY")
	}

	switch cfg.Provider {
	case "gemini", "":
		client := NewGeminiClient(cfg.APIKey)
		client.SetModel(cfg.Model)
		return client, nil
	case "openai":
		client := NewOpenAIClientWithBase(cfg.APIKey, cfg.BaseURL)
		client.SetModel(cfg.Model)
		return client, nil
	default:
		// Anything else is treated as an openai-compatible endpoint.
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("unknown provider %q requires llm.base_url", cfg.Provider)
		}
		client := NewOpenAIClientWithBase(cfg.APIKey, cfg.BaseURL)
		client.SetModel(cfg.Model)
		return client, nil
	}
}

// NewClientFromEnv detects a provider from environment variables.
// Priority: GEMINI_API_KEY, then OPENAI_API_KEY.
func NewClientFromEnv() (Client, error) {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		return NewGeminiClient(key), nil
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return NewOpenAIClient(key), nil
	}
	return nil, fmt.Errorf("no API key found; set GEMINI_API_KEY or OPENAI_API_KEY")
}
