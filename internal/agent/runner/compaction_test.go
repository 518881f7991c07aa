package runner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebolabs/nebo/internal/agent/ai"
	"github.com/nebolabs/nebo/internal/agent/session"
)

func failedToolResult(callID, toolName, errText string) session.Message {
	payload, _ := json.Marshal(map[string]any{"value": errText, "is_error": true})
	return session.NewToolResultMessage(callID, toolName, payload)
}

func okToolResult(callID, toolName string) session.Message {
	payload, _ := json.Marshal(map[string]any{"value": "fine", "is_error": false})
	return session.NewToolResultMessage(callID, toolName, payload)
}

func TestCollectToolFailures(t *testing.T) {
	messages := []session.Message{
		session.NewTextMessage(session.RoleUser, "do things"),
		{Role: session.RoleAssistant, Content: []session.ContentPart{
			{Type: session.PartToolCall, CallID: "c1", ToolName: "bash", Input: json.RawMessage(`{}`)},
			{Type: session.PartToolCall, CallID: "c2", ToolName: "readFile", Input: json.RawMessage(`{}`)},
		}},
		failedToolResult("c1", "bash", "command not found: frobnicate"),
		okToolResult("c2", "readFile"),
	}

	failures := CollectToolFailures(messages)
	require.Len(t, failures, 1)
	assert.Equal(t, "bash", failures[0].ToolName)
	assert.Contains(t, failures[0].Error, "frobnicate")
}

func TestCollectToolFailuresTruncatesLongErrors(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'e'
	}
	messages := []session.Message{failedToolResult("c1", "bash", string(long))}

	failures := CollectToolFailures(messages)
	require.Len(t, failures, 1)
	assert.LessOrEqual(t, len(failures[0].Error), maxFailureErrorLen+3)
}

func TestEnhancedSummaryIncludesFailures(t *testing.T) {
	messages := []session.Message{
		session.NewTextMessage(session.RoleUser, "fix the build"),
		failedToolResult("c1", "bash", "exit status 2"),
	}

	summary := GenerateSummary(messages)
	assert.Contains(t, summary, "fix the build")
	assert.Contains(t, summary, "Tool failures")
	assert.Contains(t, summary, "exit status 2")
}

func TestEnhancedSummaryNoFailuresSection(t *testing.T) {
	messages := []session.Message{session.NewTextMessage(session.RoleUser, "hello")}
	summary := GenerateSummary(messages)
	assert.NotContains(t, summary, "Tool failures")
}

func TestFilterToolsDropsPlanModeAfterExecution(t *testing.T) {
	r, _, _ := testHarness(t, &scriptedProvider{})
	all := r.tools.List()

	// Before any executed tool: everything is offered.
	fresh := []session.Message{session.NewTextMessage(session.RoleUser, "hi")}
	assert.Len(t, FilterTools(all, fresh), len(all))

	// After a tool result: exitPlanMode is no longer offered.
	withPlan := append(append([]ai.ToolDefinition{}, all...), ai.ToolDefinition{Name: "exitPlanMode"})
	executed := append(fresh, okToolResult("c1", "readFile"))
	filtered := FilterTools(withPlan, executed)
	assert.Len(t, filtered, len(all))
	for _, def := range filtered {
		assert.NotEqual(t, "exitPlanMode", def.Name)
	}
}
