package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// BashTool executes shell commands, optionally backgrounding long-running
// ones through a BackgroundTaskManager.
type BashTool struct {
	policy *Policy
	tasks  *BackgroundTaskManager
}

// NewBashTool creates a new bash tool. tasks may be nil, in which case
// runInBackground requests fail.
func NewBashTool(policy *Policy, tasks *BackgroundTaskManager) *BashTool {
	return &BashTool{policy: policy, tasks: tasks}
}

// Name returns the tool name
func (t *BashTool) Name() string {
	return "bash"
}

// Description returns the tool description
func (t *BashTool) Description() string {
	return `Execute a shell command. Use for running shell commands, scripts, and system operations.
Be careful with destructive commands - they require user approval.
Prefer using dedicated tools (readFile, writeFile, glob, codeSearch) for file operations.
Uses bash on Unix systems, cmd.exe on Windows.
Set runInBackground for long-running commands (servers, watchers); poll with bashOutput and stop with killBackground.`
}

// Schema returns the JSON schema for the tool input
func (t *BashTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "The shell command to execute (bash on Unix, cmd.exe on Windows)"
			},
			"timeout": {
				"type": "integer",
				"description": "Timeout in seconds (default: 120)"
			},
			"cwd": {
				"type": "string",
				"description": "Working directory for the command"
			},
			"runInBackground": {
				"type": "boolean",
				"description": "Run the command detached and return a task_id for polling via bashOutput"
			}
		},
		"required": ["command"]
	}`)
}

// BashInput represents the tool input
type BashInput struct {
	Command         string `json:"command"`
	Timeout         int    `json:"timeout"`
	Cwd             string `json:"cwd"`
	RunInBackground bool   `json:"runInBackground"`
}

func (t *BashTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Other", ConcurrentSafe: false, IsFileOp: false}
}

// Execute runs the bash command
func (t *BashTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in BashInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if in.Command == "" {
		return &ToolResult{
			Content: "Error: command is required",
			IsError: true,
		}, nil
	}

	if in.RunInBackground {
		return t.executeBackground(in)
	}

	timeout := 120 * time.Second
	if in.Timeout > 0 {
		timeout = time.Duration(in.Timeout) * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell, shellArgs := ShellCommand()
	args := append(shellArgs, in.Command)
	cmd := exec.CommandContext(ctx, shell, args...)
	if in.Cwd != "" {
		cmd.Dir = in.Cwd
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var result strings.Builder
	if stdout.Len() > 0 {
		result.WriteString(stdout.String())
	}
	if stderr.Len() > 0 {
		if result.Len() > 0 {
			result.WriteString("\n")
		}
		result.WriteString("STDERR:\n")
		result.WriteString(stderr.String())
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &ToolResult{
				Content: fmt.Sprintf("Command timed out after %v\n%s", timeout, result.String()),
				IsError: true,
			}, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &ToolResult{
				Content: fmt.Sprintf("Command exited with code %d\n%s", exitErr.ExitCode(), result.String()),
				IsError: true,
			}, nil
		}
		return &ToolResult{
			Content: fmt.Sprintf("Command failed: %v\n%s", err, result.String()),
			IsError: true,
		}, nil
	}

	output := result.String()
	if output == "" {
		output = "(no output)"
	}

	const maxOutput = 50000
	if len(output) > maxOutput {
		output = output[:maxOutput] + "\n... (output truncated)"
	}

	return &ToolResult{
		Content: output,
	}, nil
}

// executeBackground spawns the command through the BackgroundTaskManager
// and returns its task_id for later polling.
func (t *BashTool) executeBackground(in BashInput) (*ToolResult, error) {
	if t.tasks == nil {
		return &ToolResult{
			Content: "Background execution is not available in this session",
			IsError: true,
		}, nil
	}

	maxTimeout := 10 * time.Minute
	if in.Timeout > 0 {
		maxTimeout = time.Duration(in.Timeout) * time.Second
	}

	task, err := t.tasks.Spawn(in.Command, in.Cwd, maxTimeout)
	if err != nil {
		return &ToolResult{
			Content: fmt.Sprintf("Failed to start background task: %v", err),
			IsError: true,
		}, nil
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Background task started: **%s** (PID %d)\n\n", task.ID, task.PID))
	result.WriteString(fmt.Sprintf("Command: `%s`\n\n", in.Command))
	result.WriteString("Use `bashOutput` to poll for new output and `killBackground` to stop it.\n")
	result.WriteString(fmt.Sprintf("- `{\"task_id\": \"%s\"}`\n", task.ID))

	return &ToolResult{Content: result.String()}, nil
}

// RequiresApproval checks if this command needs approval
func (t *BashTool) RequiresApproval() bool {
	// Actual check happens in policy during Execute
	return true
}
