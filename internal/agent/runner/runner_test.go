package runner

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebolabs/nebo/internal/agent/ai"
	"github.com/nebolabs/nebo/internal/agent/config"
	"github.com/nebolabs/nebo/internal/agent/session"
	"github.com/nebolabs/nebo/internal/agent/tools"
	"github.com/nebolabs/nebo/internal/db"
)

// scriptedProvider replays a fixed sequence of event batches, one batch per
// Stream call.
type scriptedProvider struct {
	batches [][]ai.StreamEvent
	calls   int
}

func (p *scriptedProvider) ID() string        { return "scripted" }
func (p *scriptedProvider) ProfileID() string { return "" }

func (p *scriptedProvider) Stream(ctx context.Context, req *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	var batch []ai.StreamEvent
	if p.calls < len(p.batches) {
		batch = p.batches[p.calls]
	}
	p.calls++

	ch := make(chan ai.StreamEvent, len(batch)+1)
	for _, ev := range batch {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func testHarness(t *testing.T, provider ai.Provider) (*Runner, *db.SessionManager, string) {
	t.Helper()

	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sessions := db.NewSessionManager(store)
	sess, err := sessions.CreateSession("", "")
	require.NoError(t, err)

	registry := tools.NewRegistry(tools.NewPolicy())
	registry.Register(tools.NewTestCustomTool())
	registry.Register(tools.NewEditFileTool(t.TempDir()))

	cfg := &config.Config{DataDir: t.TempDir(), WorkspaceRoot: t.TempDir(), MaxIterations: 10}
	cfg.ContextPruning = config.DefaultContextPruning()

	return New(cfg, sessions, provider, registry), sessions, sess.ID
}

func userMessage(t *testing.T, sessions *db.SessionManager, sessionID, text string) {
	t.Helper()
	msg := session.NewTextMessage(session.RoleUser, text)
	msg.SessionID = sessionID
	_, err := sessions.AddMessage(msg)
	require.NoError(t, err)
}

func TestRunIterationPlainText(t *testing.T) {
	provider := &scriptedProvider{batches: [][]ai.StreamEvent{{
		{Type: ai.EventTypeTextStart},
		{Type: ai.EventTypeText, Text: "hello "},
		{Type: ai.EventTypeText, Text: "there"},
		{Type: ai.EventTypeDone, FinishReason: "stop"},
	}}}
	r, sessions, sessionID := testHarness(t, provider)
	userMessage(t, sessions, sessionID, "hi")

	var tokens string
	res := r.RunIteration(context.Background(), sessionID, Settings{ToolsEnabled: true}, func(ev ai.StreamEvent) {
		if ev.Type == ai.EventTypeText {
			tokens += ev.Text
		}
	})

	assert.Equal(t, StatusCompleted, res.Status)
	assert.False(t, res.ToolDispatched)
	assert.Equal(t, "hello there", res.Message)
	assert.Equal(t, "hello there", tokens)

	messages, err := sessions.GetMessages(sessionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, session.RoleAssistant, messages[1].Role)
	assert.Equal(t, "hello there", messages[1].Text())
}

func TestRunIterationDispatchesTool(t *testing.T) {
	input := json.RawMessage(`{"message":"ping"}`)
	provider := &scriptedProvider{batches: [][]ai.StreamEvent{{
		{Type: ai.EventTypeToolCall, ToolCall: &ai.ToolCall{ID: "c1", Name: "test_custom_tool", Input: input}},
		{Type: ai.EventTypeDone},
	}}}
	r, sessions, sessionID := testHarness(t, provider)
	userMessage(t, sessions, sessionID, "call the tool")

	res := r.RunIteration(context.Background(), sessionID, Settings{ToolsEnabled: true}, nil)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, res.ToolDispatched)

	messages, err := sessions.GetMessages(sessionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3) // user, assistant (tool call), tool result
	assert.Equal(t, session.RoleTool, messages[2].Role)
	results := messages[2].ToolResults()
	require.Len(t, results, 1)
	assert.Contains(t, string(results[0].Output), "echo: ping")
}

func TestRunIterationTextFlushedBeforeToolCall(t *testing.T) {
	provider := &scriptedProvider{batches: [][]ai.StreamEvent{{
		{Type: ai.EventTypeTextStart},
		{Type: ai.EventTypeText, Text: "let me check"},
		{Type: ai.EventTypeToolCall, ToolCall: &ai.ToolCall{ID: "c1", Name: "test_custom_tool", Input: json.RawMessage(`{}`)}},
		{Type: ai.EventTypeDone},
	}}}
	r, sessions, sessionID := testHarness(t, provider)
	userMessage(t, sessions, sessionID, "go")

	res := r.RunIteration(context.Background(), sessionID, Settings{ToolsEnabled: true}, nil)
	require.Equal(t, StatusCompleted, res.Status)

	messages, err := sessions.GetMessages(sessionID, 0, 0)
	require.NoError(t, err)
	assistant := messages[1]
	require.Len(t, assistant.Content, 2)
	assert.Equal(t, session.PartText, assistant.Content[0].Type)
	assert.Equal(t, "let me check", assistant.Content[0].Text)
	assert.Equal(t, session.PartToolCall, assistant.Content[1].Type)
}

func TestRunIterationParksOnApproval(t *testing.T) {
	provider := &scriptedProvider{batches: [][]ai.StreamEvent{{
		{Type: ai.EventTypeToolCall, ToolCall: &ai.ToolCall{
			ID: "c1", Name: "editFile", Input: json.RawMessage(`{"file_path":"x","edits":[]}`),
		}},
		{Type: ai.EventTypeDone},
	}}}
	r, sessions, sessionID := testHarness(t, provider)
	userMessage(t, sessions, sessionID, "edit something")

	res := r.RunIteration(context.Background(), sessionID, Settings{ToolsEnabled: true, AutoApproveEdits: false}, nil)
	require.Equal(t, StatusWaitingForApproval, res.Status)
	require.NotNil(t, res.Pending)
	assert.Equal(t, "editFile", res.Pending.Name)
}

func TestRunStopsAfterToolThenText(t *testing.T) {
	provider := &scriptedProvider{batches: [][]ai.StreamEvent{
		{
			{Type: ai.EventTypeToolCall, ToolCall: &ai.ToolCall{ID: "c1", Name: "test_custom_tool", Input: json.RawMessage(`{"message":"one"}`)}},
			{Type: ai.EventTypeDone},
		},
		{
			{Type: ai.EventTypeTextStart},
			{Type: ai.EventTypeText, Text: "all done"},
			{Type: ai.EventTypeDone, FinishReason: "stop"},
		},
	}}
	r, sessions, sessionID := testHarness(t, provider)
	userMessage(t, sessions, sessionID, "run then reply")

	res := r.Run(context.Background(), sessionID, Settings{ToolsEnabled: true}, nil)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "all done", res.Message)
	assert.Equal(t, 2, provider.calls)
}

func TestRunErrorPropagates(t *testing.T) {
	provider := &scriptedProvider{batches: [][]ai.StreamEvent{{
		{Type: ai.EventTypeError, Error: &ai.UpstreamError{StatusCode: 500, Body: "boom"}},
	}}}
	r, sessions, sessionID := testHarness(t, provider)
	userMessage(t, sessions, sessionID, "hi")

	res := r.Run(context.Background(), sessionID, Settings{ToolsEnabled: true}, nil)
	assert.Equal(t, StatusErrored, res.Status)
	require.Error(t, res.Err)
}

func TestRecordRejectionContinuesLoop(t *testing.T) {
	provider := &scriptedProvider{}
	r, sessions, sessionID := testHarness(t, provider)

	call := &ai.ToolCall{ID: "c9", Name: "editFile", Input: json.RawMessage(`{}`)}
	r.RecordRejection(sessionID, call, "not today")

	messages, err := sessions.GetMessages(sessionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, session.RoleTool, messages[0].Role)
	assert.Contains(t, string(messages[0].ToolResults()[0].Output), "not today")
}
