package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromBytesDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.MaxIterations)
	assert.Equal(t, "allowlist", cfg.Policy.Level)
	assert.True(t, cfg.ContextPruning.Enabled)
	assert.NotEmpty(t, cfg.WorkspaceRoot)
}

func TestLoadFromBytesOverrides(t *testing.T) {
	doc := []byte(`
max_iterations: 7
policy:
 level: full
context_pruning:
 enabled: true
 keep_head: 1
 keep_tail: 5
 max_tool_result_bytes: 1024
`)
	cfg, err := LoadFromBytes(doc)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxIterations)
	assert.Equal(t, "full", cfg.Policy.Level)
	assert.Equal(t, 5, cfg.ContextPruning.KeepTail)
	assert.Equal(t, 1024, cfg.ContextPruning.MaxToolResultBytes)
}

func TestLoadFromBytesInvalid(t *testing.T) {
	_, err := LoadFromBytes([]byte("max_iterations: [nope"))
	assert.Error(t, err)
}
