// Package config holds the agent-side configuration: data directories, loop
// budgets, the tool approval policy, context pruning thresholds, and the
// auth-profile store.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nebolabs/nebo/internal/defaults"
)

// Config is the agent configuration, loaded from config.yaml under the data
// directory with zero-value-safe defaults.
type Config struct {
	// DataDir is the platform data directory; resolved when empty.
	DataDir string `yaml:"data_dir"`

	// WorkspaceRoot bounds file tools; defaults to the working directory.
	WorkspaceRoot string `yaml:"workspace_root"`

	// MaxIterations caps a single agent run (default 100).
	MaxIterations int `yaml:"max_iterations"`

	// Policy configures tool approval gating.
	Policy PolicyConfig `yaml:"policy"`

	// ContextPruning configures the two-stage context pruner.
	ContextPruning ContextPruningConfig `yaml:"context_pruning"`
}

// PolicyConfig mirrors tools.NewPolicyFromConfig's inputs.
type PolicyConfig struct {
	Level     string   `yaml:"level"`    // deny | allowlist | full
	AskMode   string   `yaml:"ask_mode"` // ask | auto
	Allowlist []string `yaml:"allowlist"`
}

// ContextPruningConfig drives runner.pruneContext.
type ContextPruningConfig struct {
	Enabled            bool `yaml:"enabled"`
	KeepHead           int  `yaml:"keep_head"`
	KeepTail           int  `yaml:"keep_tail"`
	MaxToolResultBytes int  `yaml:"max_tool_result_bytes"`
}

// DefaultContextPruning returns the pruning thresholds used when no config
// file overrides them.
func DefaultContextPruning() ContextPruningConfig {
	return ContextPruningConfig{
		Enabled:            true,
		KeepHead:           2,
		KeepTail:           30,
		MaxToolResultBytes: 32 * 1024,
	}
}

// Load reads config.yaml from the data directory, seeding embedded defaults
// on first run and tolerating a missing file.
func Load() (*Config, error) {
	dataDir, err := defaults.EnsureDataDir()
	if err != nil {
		return nil, err
	}

	cfg := &Config{DataDir: dataDir}
	path := filepath.Join(dataDir, "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadFromBytes parses a config document directly (tests, embedded defaults).
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if dir, err := defaults.DataDir(); err == nil {
			c.DataDir = dir
		}
	}
	if c.WorkspaceRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			c.WorkspaceRoot = wd
		}
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 100
	}
	if c.Policy.Level == "" {
		c.Policy.Level = "allowlist"
	}
	if c.ContextPruning == (ContextPruningConfig{}) {
		c.ContextPruning = DefaultContextPruning()
	}
}

// SkillsDir returns the user skills directory under the data dir.
func (c *Config) SkillsDir() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "skills")
}
