package session

// SanitizeForCodec strips orphaned tool call/result parts from a message
// history before handing it to a protocol codec's BuildRequest. A tool call
// is kept only if some Tool message in the history carries a result for the
// same CallID; a tool result is kept only if some Assistant message issued a
// ToolCall with that CallID (relative order is not checked). Messages left with no content parts
// after filtering are dropped entirely.
//
// Keeping this in one codec-agnostic pass (rather than per-provider message
// builders) means every dialect applies identical orphan rules.
func SanitizeForCodec(messages []Message) []Message {
	issued := make(map[string]bool)
	responded := make(map[string]bool)

	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			for _, p := range msg.Content {
				if p.Type == PartToolCall {
					issued[p.CallID] = true
				}
			}
		case RoleTool:
			for _, p := range msg.Content {
				if p.Type == PartToolResult {
					responded[p.CallID] = true
				}
			}
		}
	}

	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		filtered := msg
		filtered.Content = nil

		for _, p := range msg.Content {
			switch p.Type {
			case PartToolCall:
				if !responded[p.CallID] {
					continue // orphaned call: issued but never answered
				}
			case PartToolResult:
				if !issued[p.CallID] {
					continue // orphaned result: answers a call that was never issued
				}
			}
			filtered.Content = append(filtered.Content, p)
		}

		if filtered.IsEmpty() {
			continue
		}
		out = append(out, filtered)
	}
	return out
}
