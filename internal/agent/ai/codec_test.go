package ai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebolabs/nebo/internal/agent/session"
)

// parseAll feeds a sequence of (event, data) pairs through a codec with one
// fresh state and returns every uniform event in order.
func parseAll(t *testing.T, codec Codec, frames [][2]string) []StreamEvent {
	t.Helper()
	st := NewProtocolStreamState()
	var out []StreamEvent
	for _, f := range frames {
		if ev, ok := codec.ParseSSEEvent(f[0], f[1], st); ok {
			out = append(out, ev)
		}
		out = append(out, st.Drain()...)
	}
	return out
}

func eventTypes(events []StreamEvent) []StreamEventType {
	out := make([]StreamEventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestOpenAIChatStreamingText(t *testing.T) {
	frames := [][2]string{
		{"", `{"object":"chat.completion.chunk","choices":[{"delta":{"content":"po"}}]}`},
		{"", `{"object":"chat.completion.chunk","choices":[{"delta":{"content":"ng"},"finish_reason":"stop"}]}`},
	}
	events := parseAll(t, OpenAIChatCodec{}, frames)

	require.Equal(t, []StreamEventType{
		EventTypeTextStart, EventTypeText, EventTypeText, EventTypeDone,
	}, eventTypes(events))
	assert.Equal(t, "po", events[1].Text)
	assert.Equal(t, "ng", events[2].Text)
	assert.Equal(t, "stop", events[3].FinishReason)
}

func TestOpenAIChatToolCallAccumulation(t *testing.T) {
	frames := [][2]string{
		{"", `{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"glob","arguments":"{\"pat"}}]}}]}`},
		{"", `{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"tern\":\"*.go\"}"}}]}}]}`},
		{"", `{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`},
	}
	events := parseAll(t, OpenAIChatCodec{}, frames)

	require.Equal(t, []StreamEventType{EventTypeToolCall, EventTypeDone}, eventTypes(events))
	tc := events[0].ToolCall
	require.NotNil(t, tc)
	assert.Equal(t, "call_1", tc.ID)
	assert.Equal(t, "glob", tc.Name)
	assert.JSONEq(t, `{"pattern":"*.go"}`, string(tc.Input))
}

func TestResponsesToolCallOrder(t *testing.T) {
	// Two function_call items added out of index order; arguments complete
	// in the order received (it_b first). Each emits exactly once.
	frames := [][2]string{
		{"response.output_item.added", `{"item":{"type":"function_call","id":"it_b","call_id":"call_b","name":"glob","index":1}}`},
		{"response.output_item.added", `{"item":{"type":"function_call","id":"it_a","call_id":"call_a","name":"readFile","index":0}}`},
		{"response.function_call_arguments.done", `{"item_id":"it_b","name":"glob","arguments":"{\"pattern\":\"*.rs\"}","index":1}`},
		{"response.function_call_arguments.done", `{"item_id":"it_a","name":"readFile","arguments":"{\"file_path\":\"/tmp/a\"}","index":0}`},
		// Replay of a done event must not re-emit.
		{"response.function_call_arguments.done", `{"item_id":"it_b","name":"glob","arguments":"{\"pattern\":\"*.rs\"}","index":1}`},
	}
	events := parseAll(t, OpenAIResponsesCodec{}, frames)

	require.Equal(t, []StreamEventType{EventTypeToolCall, EventTypeToolCall}, eventTypes(events))
	assert.Equal(t, "call_b", events[0].ToolCall.ID)
	assert.Equal(t, "call_a", events[1].ToolCall.ID)
	assert.JSONEq(t, `{"pattern":"*.rs"}`, string(events[0].ToolCall.Input))
}

func TestResponsesCompletedNoTextDuplication(t *testing.T) {
	frames := [][2]string{
		{"response.output_text.delta", `{"delta":"Hello"}`},
		{"response.output_text.delta", `{"delta":" World"}`},
		{"response.completed", `{"response":{"usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15},"output":[{"type":"message","content":[{"type":"output_text","text":"Hello World"}]}]}}`},
	}
	events := parseAll(t, OpenAIResponsesCodec{}, frames)

	require.Equal(t, []StreamEventType{
		EventTypeTextStart, EventTypeText, EventTypeText, EventTypeUsage, EventTypeDone,
	}, eventTypes(events))
	assert.Equal(t, "Hello", events[1].Text)
	assert.Equal(t, " World", events[2].Text)
	require.NotNil(t, events[3].Usage)
	assert.Equal(t, int64(10), events[3].Usage.InputTokens)
	assert.Equal(t, int64(5), events[3].Usage.OutputTokens)
	require.NotNil(t, events[3].Usage.TotalTokens)
	assert.Equal(t, int64(15), *events[3].Usage.TotalTokens)
}

func TestResponsesGenericMessageEventDispatch(t *testing.T) {
	// Some deployments emit all events as generic "message": the nested
	// type field picks the branch.
	frames := [][2]string{
		{"message", `{"type":"response.output_text.delta","delta":"hi"}`},
	}
	events := parseAll(t, OpenAIResponsesCodec{}, frames)
	require.Equal(t, []StreamEventType{EventTypeTextStart, EventTypeText}, eventTypes(events))
}

func TestResponsesPartialArgumentsWaitForCompletion(t *testing.T) {
	frames := [][2]string{
		{"response.output_item.added", `{"item":{"type":"function_call","id":"it_1","call_id":"c1","name":"bash"}}`},
		{"response.function_call_arguments.delta", `{"item_id":"it_1","delta":"{\"comm"}`},
	}
	events := parseAll(t, OpenAIResponsesCodec{}, frames)
	assert.Empty(t, events, "incomplete JSON must not emit a ToolCall")

	frames = append(frames, [2]string{"response.function_call_arguments.delta", `{"item_id":"it_1","delta":"and\":\"ls\"}"}`})
	events = parseAll(t, OpenAIResponsesCodec{}, frames)
	require.Equal(t, []StreamEventType{EventTypeToolCall}, eventTypes(events))
	assert.JSONEq(t, `{"command":"ls"}`, string(events[0].ToolCall.Input))
}

func TestResponsesEmptyArgumentsSynthesized(t *testing.T) {
	frames := [][2]string{
		{"response.output_item.added", `{"item":{"type":"function_call","id":"it_1","call_id":"c1","name":"listFiles"}}`},
		{"response.function_call_arguments.done", `{"item_id":"it_1","name":"listFiles","arguments":""}`},
	}
	events := parseAll(t, OpenAIResponsesCodec{}, frames)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{}`, string(events[0].ToolCall.Input))
}

func TestResponsesCompletedFlushesUnfinalizedCalls(t *testing.T) {
	// Two calls added with indexes but no arguments.done events: the
	// completed envelope sweeps them in upstream index order with
	// synthesized empty arguments, then Done.
	frames := [][2]string{
		{"response.output_item.added", `{"item":{"type":"function_call","id":"it_b","call_id":"call_b","name":"glob","index":1}}`},
		{"response.output_item.added", `{"item":{"type":"function_call","id":"it_a","call_id":"call_a","name":"readFile","index":0}}`},
		{"response.completed", `{"response":{}}`},
	}
	events := parseAll(t, OpenAIResponsesCodec{}, frames)

	require.Equal(t, []StreamEventType{EventTypeToolCall, EventTypeToolCall, EventTypeDone}, eventTypes(events))
	assert.Equal(t, "call_a", events[0].ToolCall.ID)
	assert.Equal(t, "call_b", events[1].ToolCall.ID)
	assert.JSONEq(t, `{}`, string(events[0].ToolCall.Input))
}

func TestResponsesReasoningWellNested(t *testing.T) {
	frames := [][2]string{
		{"response.output_item.added", `{"item":{"type":"reasoning","id":"rs_1","encrypted_content":"enc123"}}`},
		{"response.reasoning_summary_text.delta", `{"item_id":"rs_1","summary_index":0,"delta":"thinking..."}`},
		{"response.output_item.done", `{"item":{"type":"reasoning","id":"rs_1"}}`},
		{"response.completed", `{"response":{}}`},
	}
	events := parseAll(t, OpenAIResponsesCodec{}, frames)

	// Restricted to reasoning id rs_1:0 the sequence must match
	// Start (Delta)* End.
	var kinds []StreamEventType
	for _, ev := range events {
		if ev.ReasoningID == "rs_1:0" {
			kinds = append(kinds, ev.Type)
		}
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventTypeReasoningStart, kinds[0])
	assert.Equal(t, EventTypeReasoningEnd, kinds[len(kinds)-1])
	for _, k := range kinds[1 : len(kinds)-1] {
		assert.Equal(t, EventTypeReasoningDelta, k)
	}

	// ReasoningStart carries the provider metadata envelope.
	var meta struct {
		OpenAI struct {
			ItemID string `json:"itemId"`
		} `json:"openai"`
	}
	require.NoError(t, json.Unmarshal(events[0].ProviderMetadata, &meta))
	assert.Equal(t, "rs_1", meta.OpenAI.ItemID)

	// Stream ends with exactly one Done.
	doneCount := 0
	for _, ev := range events {
		if ev.Type == EventTypeDone {
			doneCount++
		}
	}
	assert.Equal(t, 1, doneCount)
}

func TestAnthropicToolUseStreamedJSON(t *testing.T) {
	frames := [][2]string{
		{"content_block_start", `{"index":4,"content_block":{"type":"tool_use","id":"call_1","name":"glob","input":{}}}`},
		{"content_block_delta", `{"index":4,"delta":{"type":"input_json_delta","partial_json":"{\"path\":\"/tmp\",\"pattern\":\"**/*.rs\"}"}}`},
		{"content_block_stop", `{"index":4}`},
		// A duplicate stop must not re-emit.
		{"content_block_stop", `{"index":4}`},
	}
	events := parseAll(t, AnthropicCodec{}, frames)

	require.Equal(t, []StreamEventType{EventTypeToolCall}, eventTypes(events))
	tc := events[0].ToolCall
	assert.Equal(t, "call_1", tc.ID)
	assert.Equal(t, "glob", tc.Name)
	assert.JSONEq(t, `{"path":"/tmp","pattern":"**/*.rs"}`, string(tc.Input))
}

func TestAnthropicTextAndStop(t *testing.T) {
	frames := [][2]string{
		{"content_block_start", `{"index":0,"content_block":{"type":"text"}}`},
		{"content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"hey"}}`},
		{"message_delta", `{"message":{"stop_reason":"end_turn"},"usage":{"input_tokens":3,"output_tokens":1}}`},
		{"message_stop", `{}`},
	}
	events := parseAll(t, AnthropicCodec{}, frames)

	require.Equal(t, []StreamEventType{
		EventTypeTextStart, EventTypeText, EventTypeUsage, EventTypeDone,
	}, eventTypes(events))
	assert.Equal(t, "end_turn", events[3].FinishReason)
}

func TestAnthropicThinkingBlock(t *testing.T) {
	frames := [][2]string{
		{"content_block_start", `{"index":0,"content_block":{"type":"thinking","id":"th_1"}}`},
		{"content_block_delta", `{"index":0,"delta":{"type":"thinking_delta","text":"hmm"}}`},
		{"content_block_delta", `{"index":0,"delta":{"type":"signature_delta","signature":"sig=="}}`},
		{"content_block_stop", `{"index":0}`},
	}
	events := parseAll(t, AnthropicCodec{}, frames)

	require.Equal(t, []StreamEventType{
		EventTypeReasoningStart, EventTypeReasoningDelta, EventTypeReasoningDelta, EventTypeReasoningEnd,
	}, eventTypes(events))
	assert.Contains(t, string(events[2].ProviderMetadata), "sig==")
}

func TestParseReplayDeterminism(t *testing.T) {
	frames := [][2]string{
		{"response.created", `{"response":{"store":false}}`},
		{"response.output_item.added", `{"item":{"type":"function_call","id":"it_1","call_id":"c1","name":"bash"}}`},
		{"response.output_text.delta", `{"delta":"a"}`},
		{"response.function_call_arguments.done", `{"item_id":"it_1","arguments":"{}"}`},
		{"response.completed", `{"response":{}}`},
	}
	first := parseAll(t, OpenAIResponsesCodec{}, frames)
	second := parseAll(t, OpenAIResponsesCodec{}, frames)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Type, second[i].Type)
		assert.Equal(t, first[i].Text, second[i].Text)
	}
}

func TestAnthropicBuildParseRoundTrip(t *testing.T) {
	req := &ChatRequest{
		System: "be brief",
		Model:  "claude-sonnet-4-5",
		Messages: []session.Message{
			session.NewTextMessage(session.RoleUser, "hello"),
		},
	}
	body, err := AnthropicCodec{}.BuildRequest(req)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, true, parsed["stream"])
	assert.NotContains(t, parsed, "messages_system") // system is hoisted
	assert.NotNil(t, parsed["system"])
	assert.EqualValues(t, 1024, parsed["max_tokens"])

	// A faithful echo stream round-trips to (TextStart, TextDelta*, Done).
	frames := [][2]string{
		{"content_block_start", `{"index":0,"content_block":{"type":"text"}}`},
		{"content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"hello"}}`},
		{"content_block_stop", `{"index":0}`},
		{"message_stop", `{}`},
	}
	events := parseAll(t, AnthropicCodec{}, frames)
	require.Equal(t, []StreamEventType{EventTypeTextStart, EventTypeText, EventTypeDone}, eventTypes(events))
}

func TestResponsesBuildRequestShape(t *testing.T) {
	input := json.RawMessage(`{"file_path":"/tmp/x"}`)
	req := &ChatRequest{
		System: "sys",
		Model:  "gpt-5.1-codex-max@openai",
		Messages: []session.Message{
			session.NewTextMessage(session.RoleUser, "do it"),
			{Role: session.RoleAssistant, Content: []session.ContentPart{
				{Type: session.PartText, Text: "on it"},
				{Type: session.PartToolCall, CallID: "c1", ToolName: "readFile", Input: input},
			}},
			{Role: session.RoleTool, Content: []session.ContentPart{
				{Type: session.PartToolResult, CallID: "c1", ToolName: "readFile", Output: json.RawMessage(`{"value":"contents"}`)},
			}},
		},
	}
	body, err := OpenAIResponsesCodec{}.BuildRequest(req)
	require.NoError(t, err)

	var parsed struct {
		Model  string           `json:"model"`
		Store  bool             `json:"store"`
		Stream bool             `json:"stream"`
		Input  []map[string]any `json:"input"`
	}
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, "gpt-5-codex-max", parsed.Model)
	assert.False(t, parsed.Store)
	assert.True(t, parsed.Stream)

	// developer message, user message, assistant text, function_call,
	// function_call_output — in order, text flushed before the call.
	require.Len(t, parsed.Input, 5)
	assert.Equal(t, "developer", parsed.Input[0]["role"])
	assert.Equal(t, "user", parsed.Input[1]["role"])
	assert.Equal(t, "assistant", parsed.Input[2]["role"])
	assert.Equal(t, "function_call", parsed.Input[3]["type"])
	assert.Equal(t, "function_call_output", parsed.Input[4]["type"])
	assert.Equal(t, "contents", parsed.Input[4]["output"])
}

func TestExtraBodyShallowMergeOverrides(t *testing.T) {
	req := &ChatRequest{
		Model:     "gpt-4o",
		Messages:  []session.Message{session.NewTextMessage(session.RoleUser, "hi")},
		ExtraBody: json.RawMessage(`{"temperature":0.1,"custom_field":"x"}`),
	}
	body, err := OpenAIChatCodec{}.BuildRequest(req)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, 0.1, parsed["temperature"])
	assert.Equal(t, "x", parsed["custom_field"])
	assert.Equal(t, true, parsed["stream"])
}

func TestSanitizeForCodecDropsOrphans(t *testing.T) {
	messages := []session.Message{
		{Role: session.RoleAssistant, Content: []session.ContentPart{
			{Type: session.PartToolCall, CallID: "answered", ToolName: "bash", Input: json.RawMessage(`{}`)},
		}},
		{Role: session.RoleTool, Content: []session.ContentPart{
			{Type: session.PartToolResult, CallID: "answered", Output: json.RawMessage(`{"value":"ok"}`)},
			{Type: session.PartToolResult, CallID: "orphan", Output: json.RawMessage(`{"value":"?"}`)},
		}},
	}
	out := session.SanitizeForCodec(messages)
	require.Len(t, out, 2)
	assert.Len(t, out[1].Content, 1)
	assert.Equal(t, "answered", out[1].Content[0].CallID)
}
