package runner

import (
	"github.com/nebolabs/nebo/internal/agent/ai"
	"github.com/nebolabs/nebo/internal/agent/session"
)

// lateFilteredTools are offered only until the first tool result appears in
// the conversation, mirroring how plan-mode surfaces work: once the model
// has started executing, re-presenting exitPlanMode invites spurious calls.
var lateFilteredTools = map[string]bool{
	"exitPlanMode": true,
}

// FilterTools trims the advertised tool set for one iteration based on the
// conversation so far. Today the only rule is dropping plan-mode surfaces
// after the first executed tool; the seam exists so policy can grow without
// touching the loop.
func FilterTools(all []ai.ToolDefinition, messages []session.Message) []ai.ToolDefinition {
	executed := false
	for _, msg := range messages {
		if msg.Role == session.RoleTool && len(msg.ToolResults()) > 0 {
			executed = true
			break
		}
	}
	if !executed {
		return all
	}

	out := make([]ai.ToolDefinition, 0, len(all))
	for _, def := range all {
		if lateFilteredTools[def.Name] {
			continue
		}
		out = append(out, def)
	}
	return out
}
