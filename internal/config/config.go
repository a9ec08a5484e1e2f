// Package config loads and validates the inkwright project configuration.
// The canonical config lives at .inkwright/config.yaml inside the project
// workspace; machine-level settings (API keys, preferred provider) may live
// in ~/.inkwright/config.json, and environment variables fill in keys both
// files omit.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root project configuration.
type Config struct {
	Project  ProjectConfig  `yaml:"project" json:"project"`
	LLM      LLMConfig      `yaml:"llm" json:"llm"`
	Workflow WorkflowConfig `yaml:"workflow" json:"workflow"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ProjectConfig describes the story project itself.
type ProjectConfig struct {
	Title    string `yaml:"title" json:"title"`
	Premise  string `yaml:"premise" json:"premise"`
	Genre    string `yaml:"genre" json:"genre"`
	Audience string `yaml:"audience" json:"audience"`
	Style    string `yaml:"style" json:"style"`
}

// LLMConfig selects the provider backing the agent capabilities.
type LLMConfig struct {
	Provider string `yaml:"provider" json:"provider"` // "gemini", "openai", or an openai-compatible endpoint
	Model    string `yaml:"model" json:"model"`
	APIKey   string `yaml:"api_key" json:"api_key"`
	BaseURL  string `yaml:"base_url" json:"base_url"` // openai-compatible endpoints only
}

// WorkflowConfig carries the engine policy knobs.
type WorkflowConfig struct {
	TargetUnits          int `yaml:"target_units" json:"target_units"`                     // chapters to produce
	MaxInvocationRetries int `yaml:"max_invocation_retries" json:"max_invocation_retries"` // per capability call
	MaxRevisions         int `yaml:"max_revisions" json:"max_revisions"`                   // per unit before escalation
	MilestoneInterval    int `yaml:"milestone_interval" json:"milestone_interval"`         // units between milestone checkpoints
	MinDraftRunes        int `yaml:"min_draft_runes" json:"min_draft_runes"`

	// Gate thresholds. Dimension set is configurable; thresholds are policy.
	PassTotal      int      `yaml:"pass_total" json:"pass_total"`
	RewriteTotal   int      `yaml:"rewrite_total" json:"rewrite_total"`
	Dimensions     []string `yaml:"dimensions" json:"dimensions"`
	CoreDimensions []string `yaml:"core_dimensions" json:"core_dimensions"`
}

// StorageConfig locates the on-disk ledger.
type StorageConfig struct {
	DBPath string `yaml:"db_path" json:"db_path"`
}

// LoggingConfig controls the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
	Level      string          `yaml:"level" json:"level"`
}

// Default returns a Config with the standard policy values.
func Default() *Config {
	return &Config{
		Workflow: WorkflowConfig{
			TargetUnits:          12,
			MaxInvocationRetries: 3,
			MaxRevisions:         3,
			MilestoneInterval:    5,
			MinDraftRunes:        2000,
			PassTotal:            35,
			RewriteTotal:         25,
			Dimensions: []string{
				"narrative_logic", "character", "pacing", "dialogue",
				"prose", "continuity", "emotional_impact", "setting", "theme",
			},
			CoreDimensions: []string{"narrative_logic", "character"},
		},
		Storage: StorageConfig{DBPath: filepath.Join(".inkwright", "story.db")},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Path returns the canonical config location inside a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".inkwright", "config.yaml")
}

// UserPath returns the machine-level config location in the home directory.
func UserPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".inkwright", "config.json"), nil
}

// Load assembles the effective config. Precedence, lowest to highest:
// built-in defaults, ~/.inkwright/config.json, the workspace YAML, then
// environment variables for API keys the files omit.
func Load(workspace string) (*Config, error) {
	cfg := Default()

	if err := cfg.applyUser(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config back to the workspace, creating .inkwright/ if needed.
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".inkwright")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(Path(workspace), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyUser layers the machine-level JSON config over the defaults. A
// missing file is not an error; a malformed one is.
func (c *Config) applyUser() error {
	path, err := UserPath()
	if err != nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read user config: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse user config %s: %w", path, err)
	}
	return nil
}

// applyDefaults fills zero-valued policy fields so a sparse YAML file
// still yields a complete policy.
func (c *Config) applyDefaults() {
	d := Default()
	w := &c.Workflow
	if w.TargetUnits <= 0 {
		w.TargetUnits = d.Workflow.TargetUnits
	}
	if w.MaxInvocationRetries <= 0 {
		w.MaxInvocationRetries = d.Workflow.MaxInvocationRetries
	}
	if w.MaxRevisions <= 0 {
		w.MaxRevisions = d.Workflow.MaxRevisions
	}
	if w.MilestoneInterval <= 0 {
		w.MilestoneInterval = d.Workflow.MilestoneInterval
	}
	if w.MinDraftRunes <= 0 {
		w.MinDraftRunes = d.Workflow.MinDraftRunes
	}
	if w.PassTotal <= 0 {
		w.PassTotal = d.Workflow.PassTotal
	}
	if w.RewriteTotal <= 0 {
		w.RewriteTotal = d.Workflow.RewriteTotal
	}
	if len(w.Dimensions) == 0 {
		w.Dimensions = d.Workflow.Dimensions
	}
	if len(w.CoreDimensions) == 0 {
		w.CoreDimensions = d.Workflow.CoreDimensions
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = d.Storage.DBPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// applyEnv resolves the API key from the environment when the file omits
// it. Priority: explicit config > provider-specific env var.
func (c *Config) applyEnv() {
	if c.LLM.APIKey != "" {
		return
	}
	switch c.LLM.Provider {
	case "gemini":
		c.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
	case "openai":
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	default:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			c.LLM.Provider = "gemini"
			c.LLM.APIKey = key
		} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			c.LLM.Provider = "openai"
			c.LLM.APIKey = key
		}
	}
}

// Validate checks internal consistency of the policy values.
func (c *Config) Validate() error {
	w := c.Workflow
	if w.RewriteTotal >= w.PassTotal {
		return fmt.Errorf("config: rewrite_total (%d) must be below pass_total (%d)",
			w.RewriteTotal, w.PassTotal)
	}
	dims := make(map[string]bool, len(w.Dimensions))
	for _, d := range w.Dimensions {
		dims[d] = true
	}
	for _, core := range w.CoreDimensions {
		if !dims[core] {
			return fmt.Errorf("config: core dimension %q is not in the dimension set", core)
		}
	}
	if w.MaxRevisions < 1 {
		return fmt.Errorf("config: max_revisions must be at least 1")
	}
	return nil
}
