package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SubAgentRunner is the seam between the callAgent tool and the sub-agent
// orchestrator. Defined here (not in the orchestrator package) so the tool
// registry never imports its own callers.
type SubAgentRunner interface {
	// RunSubAgent executes a task in an isolated sub-agent session and
	// returns its final text result.
	RunSubAgent(ctx context.Context, task, description, model string) (string, error)
}

// CallAgentTool implements the canonical callAgent tool: delegate a focused
// task to a sub-agent with its own session and iteration budget.
type CallAgentTool struct {
	runner SubAgentRunner
}

func NewCallAgentTool(runner SubAgentRunner) *CallAgentTool {
	return &CallAgentTool{runner: runner}
}

func (t *CallAgentTool) Name() string { return "callAgent" }

func (t *CallAgentTool) Description() string {
	return "Delegate a focused task to a sub-agent that runs its own agent loop and returns a summary. Use for parallelizable or self-contained work."
}

func (t *CallAgentTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Other", ConcurrentSafe: true}
}

func (t *CallAgentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {"type": "string", "description": "Full instructions for the sub-agent"},
			"description": {"type": "string", "description": "Short label for tracking"},
			"model": {"type": "string", "description": "Optional model override"},
			"timeout_seconds": {"type": "integer", "description": "Maximum run time (default 300)"}
		},
		"required": ["task"]
	}`)
}

func (t *CallAgentTool) RequiresApproval() bool { return false }

type callAgentInput struct {
	Task           string `json:"task"`
	Description    string `json:"description"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (t *CallAgentTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in callAgentInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Task == "" {
		return &ToolResult{Content: "Error: task is required", IsError: true}, nil
	}
	if t.runner == nil {
		return &ToolResult{Content: "Sub-agent execution is not available in this context.", IsError: true}, nil
	}

	timeout := 300 * time.Second
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	subCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := t.runner.RunSubAgent(subCtx, in.Task, in.Description, in.Model)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Sub-agent failed: %v", err), IsError: true}, nil
	}
	if result == "" {
		result = "(sub-agent completed with no output)"
	}
	return &ToolResult{Content: result}, nil
}
