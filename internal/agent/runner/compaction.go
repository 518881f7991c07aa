package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nebolabs/nebo/internal/agent/session"
)

// ToolFailure is one failed tool execution surfaced into a compaction
// summary, so the model still knows what went wrong after the raw history
// is summarized away.
type ToolFailure struct {
	ToolName string
	CallID   string
	Error    string
}

// CollectToolFailures scans a message history for tool results flagged as
// errors and resolves each back to the tool name that produced it.
func CollectToolFailures(messages []session.Message) []ToolFailure {
	callNames := make(map[string]string)
	for _, msg := range messages {
		if msg.Role != session.RoleAssistant {
			continue
		}
		for _, p := range msg.ToolCalls() {
			callNames[p.CallID] = p.ToolName
		}
	}

	var failures []ToolFailure
	for _, msg := range messages {
		if msg.Role != session.RoleTool {
			continue
		}
		for _, p := range msg.ToolResults() {
			var payload struct {
				Value   string `json:"value"`
				IsError bool   `json:"is_error"`
			}
			if json.Unmarshal(p.Output, &payload) != nil || !payload.IsError {
				continue
			}
			name := p.ToolName
			if name == "" {
				name = callNames[p.CallID]
			}
			failures = append(failures, ToolFailure{
				ToolName: name,
				CallID:   p.CallID,
				Error:    truncateError(payload.Value),
			})
		}
	}
	return failures
}

const maxFailureErrorLen = 200

func truncateError(s string) string {
	if len(s) <= maxFailureErrorLen {
		return s
	}
	return s[:maxFailureErrorLen] + "..."
}

// FormatToolFailuresSection renders collected failures as a summary section,
// or "" when there were none.
func FormatToolFailuresSection(failures []ToolFailure) string {
	if len(failures) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n[Tool failures before this summary]\n")
	for _, f := range failures {
		fmt.Fprintf(&b, "- %s: %s\n", f.ToolName, f.Error)
	}
	return b.String()
}

// EnhancedSummary appends the tool-failure section to a base summary.
func EnhancedSummary(messages []session.Message, baseSummary string) string {
	return baseSummary + FormatToolFailuresSection(CollectToolFailures(messages))
}

// GenerateSummary builds a cheap extractive summary of the history: user
// requests plus the failure trail. Used when a session needs compaction and
// no model-generated summary is available.
func GenerateSummary(messages []session.Message) string {
	var b strings.Builder
	b.WriteString("[Previous conversation summary]\n")
	for _, msg := range messages {
		if msg.Role != session.RoleUser {
			continue
		}
		text := msg.Text()
		if text == "" {
			continue
		}
		if len(text) > 200 {
			text = text[:200] + "..."
		}
		b.WriteString("- User request: ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return EnhancedSummary(messages, b.String())
}
