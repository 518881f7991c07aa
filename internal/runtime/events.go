package runtime

import (
	"encoding/json"

	"github.com/nebolabs/nebo/internal/agent/ai"
)

// TaskState is the lifecycle state of a runtime task.
type TaskState string

const (
	TaskPending        TaskState = "pending"
	TaskRunning        TaskState = "running"
	TaskWaitingForUser TaskState = "waiting_for_user"
	TaskCompleted      TaskState = "completed"
	TaskFailed         TaskState = "failed"
	TaskCancelled      TaskState = "cancelled"
)

// terminal reports whether a state ends the task.
func (s TaskState) terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// EventKind discriminates RuntimeEvent.
type EventKind string

const (
	EventTaskStateChanged  EventKind = "task_state_changed"
	EventMessageCreated    EventKind = "message_created"
	EventToken             EventKind = "token"
	EventReasoningStart    EventKind = "reasoning_start"
	EventReasoningDelta    EventKind = "reasoning_delta"
	EventReasoningEnd      EventKind = "reasoning_end"
	EventToolCallRequested EventKind = "tool_call_requested"
	EventToolCallCompleted EventKind = "tool_call_completed"
	EventTaskCompleted     EventKind = "task_completed"
	EventError             EventKind = "error"
)

// RuntimeEvent is the tagged variant broadcast on the runtime bus
// . Consumers may subscribe per-session if they filter on
// SessionID.
type RuntimeEvent struct {
	Kind      EventKind `json:"kind"`
	TaskID    string    `json:"task_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`

	// TaskStateChanged
	FromState TaskState `json:"from_state,omitempty"`
	ToState   TaskState `json:"to_state,omitempty"`

	// Token / Reasoning
	Text        string `json:"text,omitempty"`
	ReasoningID string `json:"reasoning_id,omitempty"`

	// ToolCallRequested / ToolCallCompleted
	ToolCall   *ai.ToolCall    `json:"tool_call,omitempty"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`

	// Error
	Error string `json:"error,omitempty"`
}

// ActionKind discriminates TaskAction.
type ActionKind string

const (
	ActionApproveTool ActionKind = "approve_tool"
	ActionRejectTool  ActionKind = "reject_tool"
	ActionCancel      ActionKind = "cancel"
)

// TaskAction is a user decision delivered to a waiting task over its action
// channel.
type TaskAction struct {
	Kind   ActionKind
	CallID string
	Reason string
}
