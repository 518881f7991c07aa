package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// TestCustomTool is the test_custom_tool registration: a fixed-name echo
// tool kept registered so integrations can verify custom-tool plumbing
// (normalization, dispatch, result shape) end to end without side effects.
type TestCustomTool struct{}

func NewTestCustomTool() *TestCustomTool { return &TestCustomTool{} }

func (t *TestCustomTool) Name() string { return "test_custom_tool" }

func (t *TestCustomTool) Description() string {
	return "Diagnostic tool that echoes its input. Used to verify custom tool registration."
}

func (t *TestCustomTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Other", ConcurrentSafe: true}
}

func (t *TestCustomTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {"type": "string"}
		}
	}`)
}

func (t *TestCustomTool) RequiresApproval() bool { return false }

func (t *TestCustomTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return &ToolResult{Content: "echo: " + in.Message}, nil
}
