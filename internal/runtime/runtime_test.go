package runtime

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebolabs/nebo/internal/agent/ai"
	"github.com/nebolabs/nebo/internal/agent/config"
	"github.com/nebolabs/nebo/internal/agent/runner"
	"github.com/nebolabs/nebo/internal/agent/session"
	"github.com/nebolabs/nebo/internal/agent/tools"
	"github.com/nebolabs/nebo/internal/db"
)

type scriptedProvider struct {
	mu      sync.Mutex
	batches [][]ai.StreamEvent
	calls   int
}

func (p *scriptedProvider) ID() string        { return "scripted" }
func (p *scriptedProvider) ProfileID() string { return "" }

func (p *scriptedProvider) Stream(ctx context.Context, req *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	p.mu.Lock()
	var batch []ai.StreamEvent
	if p.calls < len(p.batches) {
		batch = p.batches[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	ch := make(chan ai.StreamEvent, len(batch)+1)
	for _, ev := range batch {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func testRuntime(t *testing.T, provider ai.Provider) (*Runtime, *db.SessionManager) {
	t.Helper()

	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "runtime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sessions := db.NewSessionManager(store)
	registry := tools.NewRegistry(tools.NewPolicy())
	registry.Register(tools.NewTestCustomTool())
	registry.Register(tools.NewEditFileTool(t.TempDir()))

	cfg := &config.Config{DataDir: t.TempDir(), WorkspaceRoot: t.TempDir(), MaxIterations: 10}
	cfg.ContextPruning = config.DefaultContextPruning()
	loop := runner.New(cfg, sessions, provider, registry)

	rt := New(sessions, loop)
	t.Cleanup(rt.Shutdown)
	return rt, sessions
}

// collectStates subscribes and returns a function that waits for the task to
// reach a terminal state, returning every observed transition.
func collectStates(t *testing.T, rt *Runtime) func(taskID string) []TaskState {
	t.Helper()

	var mu sync.Mutex
	transitions := make(map[string][]TaskState)
	done := make(chan string, 16)

	rt.Subscribe(func(_ context.Context, ev RuntimeEvent) error {
		if ev.Kind != EventTaskStateChanged {
			return nil
		}
		mu.Lock()
		transitions[ev.TaskID] = append(transitions[ev.TaskID], ev.ToState)
		mu.Unlock()
		if ev.ToState.terminal() {
			done <- ev.TaskID
		}
		return nil
	})

	return func(taskID string) []TaskState {
		timeout := time.After(10 * time.Second)
		for {
			select {
			case id := <-done:
				if id == taskID {
					mu.Lock()
					defer mu.Unlock()
					return transitions[taskID]
				}
			case <-timeout:
				t.Fatal("task did not reach a terminal state")
			}
		}
	}
}

func TestTaskLifecycleCompleted(t *testing.T) {
	provider := &scriptedProvider{batches: [][]ai.StreamEvent{{
		{Type: ai.EventTypeTextStart},
		{Type: ai.EventTypeText, Text: "done"},
		{Type: ai.EventTypeDone, FinishReason: "stop"},
	}}}
	rt, sessions := testRuntime(t, provider)
	wait := collectStates(t, rt)

	handle, err := rt.StartTask(context.Background(), TaskInput{
		Prompt:   "say done",
		Settings: runner.Settings{ToolsEnabled: true},
	})
	require.NoError(t, err)

	states := wait(handle.ID)
	assert.Equal(t, []TaskState{TaskRunning, TaskCompleted}, states)

	// Terminal tasks leave the active map.
	_, active := rt.GetTask(handle.ID)
	assert.False(t, active)

	// The session reached Completed and holds user + assistant messages.
	sess, err := sessions.GetSession(handle.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)

	messages, err := sessions.GetMessages(handle.SessionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, session.RoleUser, messages[0].Role)
	assert.Equal(t, "say done", messages[0].Text())
}

func TestTaskApprovalResume(t *testing.T) {
	editInput := json.RawMessage(`{"file_path":"nope.txt","edits":[{"old_string":"a","new_string":"b"}]}`)
	provider := &scriptedProvider{batches: [][]ai.StreamEvent{
		{
			{Type: ai.EventTypeToolCall, ToolCall: &ai.ToolCall{ID: "c1", Name: "editFile", Input: editInput}},
			{Type: ai.EventTypeDone},
		},
		{
			{Type: ai.EventTypeTextStart},
			{Type: ai.EventTypeText, Text: "after approval"},
			{Type: ai.EventTypeDone, FinishReason: "stop"},
		},
	}}
	rt, sessions := testRuntime(t, provider)
	wait := collectStates(t, rt)

	waiting := make(chan string, 1)
	rt.Subscribe(func(_ context.Context, ev RuntimeEvent) error {
		if ev.Kind == EventTaskStateChanged && ev.ToState == TaskWaitingForUser {
			waiting <- ev.TaskID
		}
		return nil
	})

	handle, err := rt.StartTask(context.Background(), TaskInput{
		Prompt:   "edit a file",
		Settings: runner.Settings{ToolsEnabled: true},
	})
	require.NoError(t, err)

	select {
	case <-waiting:
	case <-time.After(10 * time.Second):
		t.Fatal("task never parked on approval")
	}
	require.NoError(t, rt.Approve(handle.ID, "c1"))

	states := wait(handle.ID)
	assert.Equal(t, []TaskState{TaskRunning, TaskWaitingForUser, TaskRunning, TaskCompleted}, states)

	// The approved tool's result landed in the session before the second
	// iteration (the edit itself fails on a missing file, which is still a
	// recorded ToolResult, not a task failure).
	messages, err := sessions.GetMessages(handle.SessionID, 0, 0)
	require.NoError(t, err)
	var sawToolResult bool
	for _, m := range messages {
		if m.Role == session.RoleTool {
			sawToolResult = true
		}
	}
	assert.True(t, sawToolResult)
}

func TestTaskRejectionContinues(t *testing.T) {
	editInput := json.RawMessage(`{"file_path":"x","edits":[{"old_string":"a","new_string":"b"}]}`)
	provider := &scriptedProvider{batches: [][]ai.StreamEvent{
		{
			{Type: ai.EventTypeToolCall, ToolCall: &ai.ToolCall{ID: "c1", Name: "editFile", Input: editInput}},
			{Type: ai.EventTypeDone},
		},
		{
			{Type: ai.EventTypeText, Text: "understood"},
			{Type: ai.EventTypeDone, FinishReason: "stop"},
		},
	}}
	rt, sessions := testRuntime(t, provider)
	wait := collectStates(t, rt)

	waiting := make(chan string, 1)
	rt.Subscribe(func(_ context.Context, ev RuntimeEvent) error {
		if ev.Kind == EventTaskStateChanged && ev.ToState == TaskWaitingForUser {
			waiting <- ev.TaskID
		}
		return nil
	})

	handle, err := rt.StartTask(context.Background(), TaskInput{
		Prompt:   "edit a file",
		Settings: runner.Settings{ToolsEnabled: true},
	})
	require.NoError(t, err)

	<-waiting
	require.NoError(t, rt.Reject(handle.ID, "c1", "keep that file alone"))

	states := wait(handle.ID)
	assert.Equal(t, TaskCompleted, states[len(states)-1])

	messages, err := sessions.GetMessages(handle.SessionID, 0, 0)
	require.NoError(t, err)
	var rejection string
	for _, m := range messages {
		if m.Role == session.RoleTool {
			rejection = string(m.ToolResults()[0].Output)
		}
	}
	assert.Contains(t, rejection, "keep that file alone")
}

func TestCancelTask(t *testing.T) {
	// A provider that never finishes its stream until cancelled.
	blocking := &blockingProvider{release: make(chan struct{})}
	rt, _ := testRuntime(t, blocking)
	wait := collectStates(t, rt)

	handle, err := rt.StartTask(context.Background(), TaskInput{
		Prompt:   "spin forever",
		Settings: runner.Settings{ToolsEnabled: true},
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, rt.CancelTask(handle.ID))
	close(blocking.release)

	states := wait(handle.ID)
	assert.Equal(t, TaskCancelled, states[len(states)-1])
}

type blockingProvider struct {
	release chan struct{}
}

func (p *blockingProvider) ID() string        { return "blocking" }
func (p *blockingProvider) ProfileID() string { return "" }

func (p *blockingProvider) Stream(ctx context.Context, req *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	ch := make(chan ai.StreamEvent)
	go func() {
		defer close(ch)
		select {
		case <-ctx.Done():
		case <-p.release:
		}
	}()
	return ch, nil
}

func TestAutoApproveSkipsParking(t *testing.T) {
	editInput := json.RawMessage(`{"file_path":"y","edits":[{"old_string":"a","new_string":"b"}]}`)
	provider := &scriptedProvider{batches: [][]ai.StreamEvent{
		{
			{Type: ai.EventTypeToolCall, ToolCall: &ai.ToolCall{ID: "c1", Name: "editFile", Input: editInput}},
			{Type: ai.EventTypeDone},
		},
		{
			{Type: ai.EventTypeText, Text: "done"},
			{Type: ai.EventTypeDone, FinishReason: "stop"},
		},
	}}
	rt, _ := testRuntime(t, provider)
	wait := collectStates(t, rt)

	handle, err := rt.StartTask(context.Background(), TaskInput{
		Prompt:   "edit",
		Settings: runner.Settings{ToolsEnabled: true, AutoApproveEdits: true},
	})
	require.NoError(t, err)

	states := wait(handle.ID)
	assert.NotContains(t, states, TaskWaitingForUser)
	assert.Equal(t, TaskCompleted, states[len(states)-1])
}
