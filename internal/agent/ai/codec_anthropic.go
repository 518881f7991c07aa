package ai

import (
	"encoding/json"
	"strconv"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/nebolabs/nebo/internal/agent/session"
)

// AnthropicCodec implements the Anthropic Messages wire dialect.
type AnthropicCodec struct{}

// BuildRequest hoists System out of the message array per Anthropic's
// top-level `system` field and renders messages/tools via the SDK's typed
// param builders.
func (AnthropicCodec) BuildRequest(req *ChatRequest) (json.RawMessage, error) {
	messages, err := buildAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := int64(1024)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.EnableThinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(10000)
		if req.MaxTokens <= 0 {
			params.MaxTokens = 16384
		}
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				continue
			}
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: schema["properties"]},
			}
			if required, ok := schema["required"].([]any); ok {
				reqStrings := make([]string, 0, len(required))
				for _, r := range required {
					if s, ok := r.(string); ok {
						reqStrings = append(reqStrings, s)
					}
				}
				toolParam.InputSchema.Required = reqStrings
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	body, err = mergeJSONField(body, "stream", true)
	if err != nil {
		return nil, err
	}
	return shallowMergeExtraBody(body, req.extraBody())
}

func buildAnthropicMessages(messages []session.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam

	for _, msg := range session.SanitizeForCodec(messages) {
		switch msg.Role {
		case session.RoleUser:
			blocks := anthropicUserBlocks(msg.Content)
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.MessageParam{Role: anthropic.MessageParamRoleUser, Content: blocks})

		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			for _, p := range msg.Content {
				switch p.Type {
				case session.PartText:
					blocks = append(blocks, anthropic.NewTextBlock(p.Text))
				case session.PartReasoning:
					var sig string
					if len(p.ReasoningOpts) > 0 {
						var opts struct {
							Signature string `json:"signature"`
						}
						_ = json.Unmarshal(p.ReasoningOpts, &opts)
						sig = opts.Signature
					}
					blocks = append(blocks, anthropic.NewThinkingBlock(sig, p.Text))
				case session.PartToolCall:
					var input map[string]any
					if err := json.Unmarshal(p.Input, &input); err != nil {
						input = map[string]any{}
					}
					blocks = append(blocks, anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{ID: p.CallID, Name: p.ToolName, Input: input},
					})
				}
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.MessageParam{Role: anthropic.MessageParamRoleAssistant, Content: blocks})

		case session.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, r := range msg.ToolResults() {
				blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, toolResultText(r.Output), false))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.MessageParam{Role: anthropic.MessageParamRoleUser, Content: blocks})
		}
	}
	return out, nil
}

func anthropicUserBlocks(parts []session.ContentPart) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, p := range parts {
		switch p.Type {
		case session.PartText:
			if p.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		case session.PartImage:
			blocks = append(blocks, anthropic.NewImageBlockBase64(p.ImageMime, p.ImageData))
		}
	}
	return blocks
}

// anthropicSSEEvent is the minimal event-typed envelope the Messages API
// streams.
type anthropicSSEEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		Signature   string `json:"signature"`
	} `json:"delta"`
	Message *struct {
		StopReason string `json:"stop_reason"`
	} `json:"message"`
	Usage *struct {
		InputTokens         int64 `json:"input_tokens"`
		OutputTokens        int64 `json:"output_tokens"`
		CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// ParseSSEEvent implements the Messages dialect's event-typed parsing.
func (AnthropicCodec) ParseSSEEvent(eventName, data string, st *ProtocolStreamState) (StreamEvent, bool) {
	var ev anthropicSSEEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return StreamEvent{}, false
	}
	name := eventName
	if name == "" {
		name = ev.Type
	}

	switch name {
	case "content_block_start":
		if ev.ContentBlock == nil {
			break
		}
		st.blocksByIndex[ev.Index] = blockInfo{blockType: ev.ContentBlock.Type, id: ev.ContentBlock.ID}
		switch ev.ContentBlock.Type {
		case "thinking":
			st.push(StreamEvent{Type: EventTypeReasoningStart, ReasoningID: ev.ContentBlock.ID})
		case "tool_use":
			acc := st.toolFor(ev.ContentBlock.ID)
			acc.callID = ev.ContentBlock.ID
			acc.toolName = ev.ContentBlock.Name
		}

	case "content_block_delta":
		if ev.Delta == nil {
			break
		}
		block := st.blocksByIndex[ev.Index]
		switch ev.Delta.Type {
		case "text_delta":
			if !st.TextStarted {
				st.TextStarted = true
				st.push(StreamEvent{Type: EventTypeTextStart})
			}
			st.push(StreamEvent{Type: EventTypeText, Text: ev.Delta.Text})
		case "thinking_delta":
			st.push(StreamEvent{Type: EventTypeReasoningDelta, ReasoningID: block.id, Text: ev.Delta.Text})
		case "signature_delta":
			meta, _ := json.Marshal(map[string]any{"anthropic": map[string]string{"signature": ev.Delta.Signature}})
			st.push(StreamEvent{Type: EventTypeReasoningDelta, ReasoningID: block.id, ProviderMetadata: meta})
		case "input_json_delta":
			id := block.id
			if id == "" {
				id = idxKey(ev.Index)
			}
			st.toolFor(id).arguments += ev.Delta.PartialJSON
		}

	case "content_block_stop":
		block := st.blocksByIndex[ev.Index]
		if block.blockType == "tool_use" {
			acc := st.tools[block.id]
			if acc != nil && !st.emittedTool[block.id] {
				st.emittedTool[block.id] = true
				var probe any
				input := json.RawMessage(acc.arguments)
				if err := json.Unmarshal(input, &probe); err != nil {
					input = json.RawMessage("{}")
				}
				st.push(StreamEvent{Type: EventTypeToolCall, ToolCall: &ToolCall{
					ID: acc.callID, Name: acc.toolName, Input: input,
				}})
			}
		}
		if block.blockType == "thinking" {
			st.push(StreamEvent{Type: EventTypeReasoningEnd, ReasoningID: block.id})
		}

	case "message_delta":
		if ev.Message != nil {
			st.FinishReason = ev.Message.StopReason
		}
		if ev.Usage != nil {
			st.push(StreamEvent{Type: EventTypeUsage, Usage: &Usage{
				InputTokens:   ev.Usage.InputTokens,
				OutputTokens:  ev.Usage.OutputTokens,
				CachedInput:   nullableInt64(ev.Usage.CacheReadTokens),
				CacheCreation: nullableInt64(ev.Usage.CacheCreationTokens),
			}})
		}

	case "message_stop":
		st.push(StreamEvent{Type: EventTypeDone, FinishReason: st.FinishReason})
	}

	return st.popFirst()
}

func idxKey(i int) string {
	return "idx:" + strconv.Itoa(i)
}

func nullableInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
