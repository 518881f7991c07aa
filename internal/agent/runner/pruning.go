package runner

import (
	"encoding/json"
	"fmt"

	"github.com/nebolabs/nebo/internal/agent/config"
	"github.com/nebolabs/nebo/internal/agent/session"
)

// Two-stage context pruning. Stage one (soft trim) drops whole messages from
// the middle of a long history, keeping the head (task framing) and tail
// (recent work). Stage two (hard clear) replaces oversized tool outputs in
// the surviving middle with a placeholder so a single huge result cannot
// dominate the window.

const prunedPlaceholder = "[output pruned: %d bytes]"

// pruneContext applies both stages per the configured thresholds. The input
// slice is never mutated.
func pruneContext(messages []session.Message, cfg config.ContextPruningConfig) []session.Message {
	if !cfg.Enabled || len(messages) == 0 {
		return messages
	}

	out := softTrim(messages, cfg.KeepHead, cfg.KeepTail)
	if cfg.MaxToolResultBytes > 0 {
		out = hardClear(out, cfg.KeepTail, cfg.MaxToolResultBytes)
	}
	return out
}

// softTrim keeps the first keepHead and last keepTail messages, dropping the
// middle by count alone. It can separate a ToolCall from the Tool message
// answering it; the codec-side sanitizer (session.SanitizeForCodec) then
// drops whichever half was left orphaned.
func softTrim(messages []session.Message, keepHead, keepTail int) []session.Message {
	if keepHead <= 0 {
		keepHead = 2
	}
	if keepTail <= 0 {
		keepTail = 20
	}
	if len(messages) <= keepHead+keepTail {
		return messages
	}

	out := make([]session.Message, 0, keepHead+keepTail)
	out = append(out, messages[:keepHead]...)
	out = append(out, messages[len(messages)-keepTail:]...)
	return out
}

// hardClear replaces tool-result payloads larger than maxBytes with a
// placeholder, sparing the most recent keepTail messages.
func hardClear(messages []session.Message, keepTail, maxBytes int) []session.Message {
	if len(messages) <= keepTail {
		return messages
	}

	out := make([]session.Message, len(messages))
	copy(out, messages)

	for i := 0; i < len(out)-keepTail; i++ {
		msg := out[i]
		if msg.Role != session.RoleTool {
			continue
		}
		changed := false
		parts := make([]session.ContentPart, len(msg.Content))
		copy(parts, msg.Content)
		for j, p := range parts {
			if p.Type != session.PartToolResult || len(p.Output) <= maxBytes {
				continue
			}
			placeholder, _ := json.Marshal(map[string]string{
				"value": fmt.Sprintf(prunedPlaceholder, len(p.Output)),
			})
			parts[j].Output = placeholder
			changed = true
		}
		if changed {
			out[i].Content = parts
		}
	}
	return out
}
