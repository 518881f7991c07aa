package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// BashOutputTool implements the canonical bashOutput tool: polls incremental
// stdout/stderr for a task spawned by bash{runInBackground: true}.
type BashOutputTool struct {
	tasks *BackgroundTaskManager
}

func NewBashOutputTool(tasks *BackgroundTaskManager) *BashOutputTool {
	return &BashOutputTool{tasks: tasks}
}

func (t *BashOutputTool) Name() string { return "bashOutput" }

func (t *BashOutputTool) Description() string {
	return "Read new stdout/stderr output from a background task started with bash{runInBackground: true}."
}

func (t *BashOutputTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Read", ConcurrentSafe: true, IsFileOp: false}
}

func (t *BashOutputTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task_id": {"type": "string"},
			"from_stdout": {"type": "integer", "description": "Byte offset to resume stdout from"},
			"from_stderr": {"type": "integer", "description": "Byte offset to resume stderr from"}
		},
		"required": ["task_id"]
	}`)
}

type bashOutputInput struct {
	TaskID     string `json:"task_id"`
	FromStdout int64  `json:"from_stdout"`
	FromStderr int64  `json:"from_stderr"`
}

func (t *BashOutputTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in bashOutputInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if t.tasks == nil {
		return &ToolResult{Content: "Background execution is not available in this session", IsError: true}, nil
	}
	task, err := t.tasks.Get(in.TaskID)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Error: %v", err), IsError: true}, nil
	}

	stdout, stderr, nextStdout, nextStderr, err := t.tasks.GetOutput(in.TaskID, in.FromStdout, in.FromStderr)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Error reading output: %v", err), IsError: true}, nil
	}

	status := task.Status()
	msg := fmt.Sprintf("status: %s\nnext_stdout_offset: %d\nnext_stderr_offset: %d\n", status, nextStdout, nextStderr)
	if stdout != "" {
		msg += fmt.Sprintf("\n--- stdout ---\n%s", stdout)
	}
	if stderr != "" {
		msg += fmt.Sprintf("\n--- stderr ---\n%s", stderr)
	}
	if exitCode, ok := task.ExitCode(); ok {
		msg += fmt.Sprintf("\nexit_code: %d", exitCode)
	}
	return &ToolResult{Content: msg}, nil
}

func (t *BashOutputTool) RequiresApproval() bool { return false }

// KillBackgroundTool implements the canonical killBackground tool.
type KillBackgroundTool struct {
	tasks *BackgroundTaskManager
}

func NewKillBackgroundTool(tasks *BackgroundTaskManager) *KillBackgroundTool {
	return &KillBackgroundTool{tasks: tasks}
}

func (t *KillBackgroundTool) Name() string { return "killBackground" }

func (t *KillBackgroundTool) Description() string {
	return "Terminate a background task started with bash{runInBackground: true}."
}

func (t *KillBackgroundTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Other", ConcurrentSafe: false, IsFileOp: false}
}

func (t *KillBackgroundTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task_id": {"type": "string"}
		},
		"required": ["task_id"]
	}`)
}

type killBackgroundInput struct {
	TaskID string `json:"task_id"`
}

func (t *KillBackgroundTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in killBackgroundInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if t.tasks == nil {
		return &ToolResult{Content: "Background execution is not available in this session", IsError: true}, nil
	}
	if err := t.tasks.Kill(in.TaskID); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Error: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Task %s killed", in.TaskID)}, nil
}

func (t *KillBackgroundTool) RequiresApproval() bool { return true }
