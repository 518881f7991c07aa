package ai

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/nebolabs/nebo/internal/agent/session"
	"github.com/nebolabs/nebo/internal/provider"
)

// OpenAIResponsesCodec implements the OpenAI Responses / Codex OAuth wire
// dialect, the most complex of the three protocols owing to
// its event-typed SSE and multi-stage reasoning item lifecycle.
type OpenAIResponsesCodec struct{}

// responsesInputItem is one element of the Responses API's `input` array.
// Modeled as a plain map-backed struct (rather than the openai-go SDK's
// Responses param types, which don't yet cover every item shape this
// dialect needs) so every item variant marshals with exactly the fields
// this dialect needs.
type responsesInputItem map[string]any

// BuildRequest maps canonical messages onto the Responses `input` array per
// the dialect's per-role/per-part rules, flushing assistant text runs
// before any interleaved tool call.
func (OpenAIResponsesCodec) BuildRequest(req *ChatRequest) (json.RawMessage, error) {
	var input []responsesInputItem

	if req.System != "" {
		input = append(input, responsesInputItem{
			"type": "message", "role": "developer",
			"content": []responsesInputItem{{"type": "input_text", "text": req.System}},
		})
	}

	for _, msg := range session.SanitizeForCodec(req.Messages) {
		switch msg.Role {
		case session.RoleSystem:
			if text := msg.Text(); text != "" {
				input = append(input, responsesInputItem{
					"type": "message", "role": "developer",
					"content": []responsesInputItem{{"type": "input_text", "text": text}},
				})
			}

		case session.RoleUser:
			var content []responsesInputItem
			for _, p := range msg.Content {
				switch p.Type {
				case session.PartText:
					content = append(content, responsesInputItem{"type": "input_text", "text": p.Text})
				case session.PartImage:
					content = append(content, responsesInputItem{
						"type": "input_image", "image_url": "data:" + p.ImageMime + ";base64," + p.ImageData,
					})
				}
			}
			if len(content) > 0 {
				input = append(input, responsesInputItem{"type": "message", "role": "user", "content": content})
			}

		case session.RoleAssistant:
			var pending []responsesInputItem
			flush := func() {
				if len(pending) > 0 {
					input = append(input, responsesInputItem{"type": "message", "role": "assistant", "content": pending})
					pending = nil
				}
			}
			for _, p := range msg.Content {
				switch p.Type {
				case session.PartText, session.PartReasoning:
					pending = append(pending, responsesInputItem{"type": "output_text", "text": p.Text})
				case session.PartImage:
					// Assistant cannot carry output_image in this dialect.
					pending = append(pending, responsesInputItem{
						"type": "input_image", "image_url": "data:" + p.ImageMime + ";base64," + p.ImageData,
					})
				case session.PartToolCall:
					flush()
					input = append(input, responsesInputItem{
						"type": "function_call", "call_id": p.CallID, "name": p.ToolName,
						"arguments": toolInputOrEmpty(p.Input),
					})
				}
			}
			flush()

		case session.RoleTool:
			for _, r := range msg.ToolResults() {
				input = append(input, responsesInputItem{
					"type": "function_call_output", "call_id": r.CallID, "output": toolResultText(r.Output),
				})
			}
		}
	}

	body := map[string]any{
		"model":        normalizeResponsesModel(req.Model),
		"input":        input,
		"store":        false,
		"stream":       true,
		"instructions": responsesInstructions,
		"text":         map[string]any{"verbosity": "medium"},
		"reasoning":    map[string]any{"effort": "medium", "summary": "auto"},
		"include":      []string{"reasoning.encrypted_content"},
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				continue
			}
			tools = append(tools, map[string]any{
				"type": "function", "name": t.Name, "description": t.Description, "parameters": schema,
			})
		}
		body["tools"] = tools
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return shallowMergeExtraBody(raw, req.extraBody())
}

// responsesInstructions is the embedded system-prompt blob layered under
// the dialect's `instructions` field — the agent loop's real system prompt
// is still carried via the developer-role message above; this mirrors the
// platform's own baseline instructions block.
const responsesInstructions = "You are a coding assistant operating through the Responses API."

// normalizeResponsesModel strips a provider prefix and maps known
// codex-max variants to their canonical id. Other codex ids pass through
// unchanged; any non-codex model defaults to the platform's codex id.
func normalizeResponsesModel(model string) string {
	normalized := provider.NormalizeModelID(model)
	switch {
	case normalized == "":
		return "gpt-5-codex"
	case strings.Contains(normalized, "codex-max"):
		return "gpt-5-codex-max"
	case strings.Contains(normalized, "codex"):
		return normalized
	default:
		return "gpt-5-codex"
	}
}

// responsesEvent is the event-typed SSE envelope for the Responses dialect.
// Only the fields each branch in needs are modeled.
type responsesEvent struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Kind  string `json:"kind"`
	Delta string `json:"delta"`
	Index int    `json:"summary_index"`

	// function_call_arguments.* and reasoning_* events carry the owning item
	// inline rather than nested under "item".
	ItemID    string `json:"item_id"`
	Name      string `json:"name"`
	CallID    string `json:"call_id"`
	Arguments string `json:"arguments"`

	Item     *responsesItem `json:"item"`
	Response *struct {
		Store        bool            `json:"store"`
		FinishReason string          `json:"finish_reason"`
		Output       []responsesItem `json:"output"`
		Usage        *struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
			TotalTokens  int64 `json:"total_tokens"`
		} `json:"usage"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type responsesItem struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Index *int   `json:"index"`

	// function_call
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`

	// reasoning
	EncryptedContent string `json:"encrypted_content"`
	Summary          []struct {
		Text string `json:"text"`
	} `json:"summary"`
}

// dispatchName resolves which branch of the event belongs to.
// When the SSE `event:` line is absent or generic ("message"), the nested
// type/event/kind field inside the payload is used instead.
func (e responsesEvent) dispatchName(sseEventName string) string {
	if sseEventName != "" && sseEventName != "message" {
		return sseEventName
	}
	for _, candidate := range []string{e.Type, e.Event, e.Kind} {
		if candidate != "" {
			return candidate
		}
	}
	return sseEventName
}

// ParseSSEEvent implements the Responses dialect's event-typed state
// machine.
func (OpenAIResponsesCodec) ParseSSEEvent(eventName, data string, st *ProtocolStreamState) (StreamEvent, bool) {
	var ev responsesEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return StreamEvent{}, false
	}
	name := ev.dispatchName(eventName)

	switch name {
	case "response.created", "response.in_progress":
		if ev.Response != nil {
			st.OpenAIStore = ev.Response.Store
		}

	case "response.output_item.added":
		if ev.Item == nil {
			break
		}
		switch ev.Item.Type {
		case "function_call":
			// No TextStart here: tool messages must precede the next
			// assistant reply.
			acc := st.toolFor(ev.Item.ID)
			acc.callID = ev.Item.CallID
			acc.toolName = ev.Item.Name
			if ev.Item.Index != nil {
				st.placeToolAt(ev.Item.ID, *ev.Item.Index)
			}
		case "reasoning":
			rs := st.reasoningFor(ev.Item.ID)
			rs.encryptedContent = ev.Item.EncryptedContent
			meta, _ := json.Marshal(map[string]any{
				"openai": map[string]string{"itemId": ev.Item.ID, "reasoningEncryptedContent": rs.encryptedContent},
			})
			st.push(StreamEvent{Type: EventTypeReasoningStart, ReasoningID: ev.Item.ID + ":0", ProviderMetadata: meta})
			rs.summaries[0] = ReasoningActive
			for i, s := range ev.Item.Summary {
				if i > 0 {
					st.push(StreamEvent{Type: EventTypeReasoningStart, ReasoningID: idWithIndex(ev.Item.ID, i)})
				}
				st.push(StreamEvent{Type: EventTypeReasoningDelta, ReasoningID: idWithIndex(ev.Item.ID, i), Text: s.Text})
				if st.OpenAIStore {
					rs.summaries[i] = ReasoningConcluded
					st.push(StreamEvent{Type: EventTypeReasoningEnd, ReasoningID: idWithIndex(ev.Item.ID, i)})
				} else {
					rs.summaries[i] = ReasoningCanConclude
				}
			}
		}

	case "response.output_text.delta":
		if !st.TextStarted {
			st.TextStarted = true
			st.push(StreamEvent{Type: EventTypeTextStart})
		}
		st.push(StreamEvent{Type: EventTypeText, Text: ev.Delta})

	case "response.function_call_arguments.delta":
		if id := ev.functionCallItemID(); id != "" {
			acc := st.toolFor(id)
			acc.arguments += ev.Delta
			// Emit early only once the accumulated arguments form a complete
			// JSON value; otherwise keep waiting for more deltas.
			if json.Valid([]byte(acc.arguments)) && acc.arguments != "" {
				emitResponsesToolCall(st, id)
			}
		}

	case "response.function_call_arguments.done":
		if id := ev.functionCallItemID(); id != "" {
			acc := st.toolFor(id)
			if ev.Arguments != "" {
				acc.arguments = ev.Arguments
			}
			if ev.Name != "" && acc.toolName == "" {
				acc.toolName = ev.Name
			}
			if ev.CallID != "" && acc.callID == "" {
				acc.callID = ev.CallID
			}
			emitResponsesToolCall(st, id)
		}

	case "response.reasoning_summary_part.added":
		rs := reasoningStateForIndex(st, ev)
		if rs == nil {
			break
		}
		if ev.Index > 0 {
			for idx, status := range rs.summaries {
				if status == ReasoningCanConclude {
					st.push(StreamEvent{Type: EventTypeReasoningEnd, ReasoningID: idWithIndex(rs.itemID, idx)})
					rs.summaries[idx] = ReasoningConcluded
				}
			}
		}
		rs.summaries[ev.Index] = ReasoningActive
		st.push(StreamEvent{Type: EventTypeReasoningStart, ReasoningID: idWithIndex(rs.itemID, ev.Index)})

	case "response.reasoning_summary_text.delta":
		itemID := reasoningItemIDForEvent(st, ev)
		st.push(StreamEvent{Type: EventTypeReasoningDelta, ReasoningID: idWithIndex(itemID, ev.Index), Text: ev.Delta})

	case "response.reasoning_summary_part.done":
		rs := reasoningStateForIndex(st, ev)
		if rs == nil {
			break
		}
		if st.OpenAIStore {
			st.push(StreamEvent{Type: EventTypeReasoningEnd, ReasoningID: idWithIndex(rs.itemID, ev.Index)})
			rs.summaries[ev.Index] = ReasoningConcluded
		} else {
			rs.summaries[ev.Index] = ReasoningCanConclude
		}

	case "response.reasoning_content.delta":
		itemID := reasoningItemIDForEvent(st, ev)
		rs := st.reasoningFor(itemID)
		if _, ok := rs.summaries[0]; !ok {
			rs.summaries[0] = ReasoningActive
			st.push(StreamEvent{Type: EventTypeReasoningStart, ReasoningID: itemID + ":0"})
		}
		st.push(StreamEvent{Type: EventTypeReasoningDelta, ReasoningID: itemID + ":0", Text: ev.Delta})

	case "response.reasoning_part.done":
		itemID := reasoningItemIDForEvent(st, ev)
		st.push(StreamEvent{Type: EventTypeReasoningEnd, ReasoningID: itemID + ":0"})
		if rs, ok := st.reasoning[itemID]; ok {
			rs.summaries[0] = ReasoningConcluded
		}

	case "response.output_item.done":
		if ev.Item != nil && ev.Item.Type == "reasoning" {
			closeReasoningItem(st, ev.Item.ID)
		}

	case "response.completed":
		if ev.Response != nil {
			if ev.Response.Usage != nil {
				st.push(StreamEvent{Type: EventTypeUsage, Usage: &Usage{
					InputTokens:  ev.Response.Usage.InputTokens,
					OutputTokens: ev.Response.Usage.OutputTokens,
					TotalTokens:  &ev.Response.Usage.TotalTokens,
				}})
			}
			if ev.Response.FinishReason != "" {
				st.FinishReason = ev.Response.FinishReason
			}
		}
		// Flush any function_call items whose arguments never saw a .done
		// event, in upstream index order; emitResponsesToolCall dedups the
		// ones already streamed.
		for _, key := range st.ToolOrder() {
			emitResponsesToolCall(st, key)
		}
		for itemID := range st.reasoning {
			closeReasoningItem(st, itemID)
		}
		st.push(StreamEvent{Type: EventTypeDone, FinishReason: st.FinishReason})

	case "response.failed":
		msg := "responses stream failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		st.push(StreamEvent{Type: EventTypeError, Error: &ProviderError{Message: msg}})
	}

	return st.popFirst()
}

func idWithIndex(itemID string, idx int) string {
	return itemID + ":" + strconv.Itoa(idx)
}

// functionCallItemID resolves the reference a function_call_arguments event
// uses for its owning item: a top-level item_id on most deployments, a
// nested item on others.
func (e responsesEvent) functionCallItemID() string {
	if e.ItemID != "" {
		return e.ItemID
	}
	if e.Item != nil {
		return e.Item.ID
	}
	return ""
}

// reasoningStateForIndex resolves the reasoning item a summary-indexed
// event belongs to. The Responses API scopes reasoning_summary_part events
// to the most recently opened reasoning item.
func reasoningStateForIndex(st *ProtocolStreamState, ev responsesEvent) *reasoningItemState {
	return latestReasoningState(st)
}

func reasoningItemIDForEvent(st *ProtocolStreamState, ev responsesEvent) string {
	if ev.ItemID != "" {
		return ev.ItemID
	}
	if ev.Item != nil && ev.Item.ID != "" {
		return ev.Item.ID
	}
	if rs := latestReasoningState(st); rs != nil {
		return rs.itemID
	}
	return ""
}

func latestReasoningState(st *ProtocolStreamState) *reasoningItemState {
	var latest *reasoningItemState
	for _, rs := range st.reasoning {
		latest = rs // map iteration order is irrelevant: at most one item is open at a time in practice
	}
	return latest
}

func emitResponsesToolCall(st *ProtocolStreamState, itemID string) {
	if st.emittedTool[itemID] {
		return
	}
	acc, ok := st.tools[itemID]
	if !ok {
		return
	}
	if acc.toolName == "" {
		return
	}
	st.emittedTool[itemID] = true
	input := json.RawMessage(toolInputOrEmpty(json.RawMessage(acc.arguments)))
	var probe any
	if err := json.Unmarshal(input, &probe); err != nil {
		input = json.RawMessage("{}")
	}
	callID := acc.callID
	if callID == "" {
		callID = itemID
	}
	st.push(StreamEvent{Type: EventTypeToolCall, ToolCall: &ToolCall{ID: callID, Name: acc.toolName, Input: input}})
}

func closeReasoningItem(st *ProtocolStreamState, itemID string) {
	rs, ok := st.reasoning[itemID]
	if !ok {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"openai": map[string]string{"itemId": itemID, "reasoningEncryptedContent": rs.encryptedContent},
	})
	for idx, status := range rs.summaries {
		if status == ReasoningActive || status == ReasoningCanConclude {
			st.push(StreamEvent{Type: EventTypeReasoningDelta, ReasoningID: idWithIndex(itemID, idx), ProviderMetadata: meta})
			st.push(StreamEvent{Type: EventTypeReasoningEnd, ReasoningID: idWithIndex(itemID, idx)})
		}
	}
	delete(st.reasoning, itemID)
}
