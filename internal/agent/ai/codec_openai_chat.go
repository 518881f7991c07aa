package ai

import (
	"encoding/json"
	"strconv"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/nebolabs/nebo/internal/agent/session"
)

// OpenAIChatCodec implements the OpenAI Chat Completions wire dialect.
type OpenAIChatCodec struct{}

// BuildRequest renders a ChatRequest into a Chat Completions request body,
// using the SDK's typed param builders for the message/tool shapes and then
// layering stream/extra_body on top by hand.
func (OpenAIChatCodec) BuildRequest(req *ChatRequest) (json.RawMessage, error) {
	messages, err := buildOpenAIChatMessages(req)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				continue
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  shared.FunctionParameters(schema),
				},
			})
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

// buildOpenAIChatMessages maps the canonical, orphan-sanitized message
// history onto the Chat Completions message array.
func buildOpenAIChatMessages(req *ChatRequest) ([]openai.ChatCompletionMessageParamUnion, error) {
	var out []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}

	for _, msg := range session.SanitizeForCodec(req.Messages) {
		switch msg.Role {
		case session.RoleSystem:
			if text := msg.Text(); text != "" {
				out = append(out, openai.SystemMessage(text))
			}

		case session.RoleUser:
			out = append(out, openai.UserMessage(msg.Text()))

		case session.RoleAssistant:
			var toolCalls []openai.ChatCompletionMessageToolCallParam
			for _, tc := range msg.ToolCalls() {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.CallID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.ToolName,
						Arguments: toolInputOrEmpty(tc.Input),
					},
				})
			}
			text := msg.Text()
			if text == "" && len(toolCalls) == 0 {
				continue
			}
			assistantMsg := openai.ChatCompletionAssistantMessageParam{Role: "assistant"}
			if text != "" {
				assistantMsg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(text),
				}
			}
			if len(toolCalls) > 0 {
				assistantMsg.ToolCalls = toolCalls
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistantMsg})

		case session.RoleTool:
			for _, r := range msg.ToolResults() {
				out = append(out, openai.ToolMessage(toolResultText(r.Output), r.CallID))
			}
		}
	}
	return out, nil
}

type openAIChatChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// ParseSSEEvent implements the Chat Completions dialect's chunk parsing: text deltas,
// index-accumulated tool calls flushed on finish_reason=="tool_calls", and
// usage passthrough.
func (OpenAIChatCodec) ParseSSEEvent(eventName, data string, st *ProtocolStreamState) (StreamEvent, bool) {
	var chunk openAIChatChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return StreamEvent{}, false
	}

	if chunk.Usage != nil {
		st.push(StreamEvent{Type: EventTypeUsage, Usage: &Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
			TotalTokens:  &chunk.Usage.TotalTokens,
		}})
	}

	if len(chunk.Choices) == 0 {
		return st.popFirst()
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		if !st.TextStarted {
			st.TextStarted = true
			st.push(StreamEvent{Type: EventTypeTextStart})
		}
		st.push(StreamEvent{Type: EventTypeText, Text: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		key := strconv.Itoa(tc.Index)
		acc := st.toolFor(key)
		if tc.ID != "" {
			acc.callID = tc.ID
		}
		if tc.Function.Name != "" {
			acc.toolName = tc.Function.Name
		}
		acc.arguments += tc.Function.Arguments
	}

	if choice.FinishReason != nil {
		st.FinishReason = *choice.FinishReason
		if *choice.FinishReason == "tool_calls" {
			for _, key := range st.ToolOrder() {
				acc, ok := st.tools[key]
				if !ok || st.emittedTool[key] {
					continue
				}
				st.emittedTool[key] = true
				var input json.RawMessage
				if err := json.Unmarshal([]byte(acc.arguments), new(any)); err == nil {
					input = json.RawMessage(acc.arguments)
				} else {
					raw, _ := json.Marshal(acc.arguments)
					input = raw
				}
				st.push(StreamEvent{Type: EventTypeToolCall, ToolCall: &ToolCall{
					ID: acc.callID, Name: acc.toolName, Input: input,
				}})
			}
		}
		st.push(StreamEvent{Type: EventTypeDone, FinishReason: *choice.FinishReason})
	}

	return st.popFirst()
}
