package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebolabs/nebo/internal/agent/ai"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestReadFileTool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\nline three\n"), 0o644))

	tool := NewReadFileTool(NewFileTool())
	result, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{"file_path": path}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content, "line two")
}

func TestWriteFileTool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "out.txt")

	tool := NewWriteFileTool(NewFileTool())
	result, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{
		"file_path": path,
		"content":   "written",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "written", string(data))
}

func TestGlobTool(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("text"), 0o644))

	tool := NewGlobTool(NewFileTool())
	result, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{
		"pattern": "*.go",
		"path":    dir,
	}))
	require.NoError(t, err)
	assert.Contains(t, result.Content, "a.go")
	assert.NotContains(t, result.Content, "b.txt")
}

func TestEditFileLiteralReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.go")
	require.NoError(t, os.WriteFile(path, []byte("func main() {\n\tfmt.Println(\"old\")\n}\n"), 0o644))

	tool := NewEditFileTool(dir)
	result, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{
		"file_path": "f.go",
		"edits":     []map[string]string{{"old_string": `fmt.Println("old")`, "new_string": `fmt.Println("new")`}},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, result.Content)

	data, _ := os.ReadFile(path)
	assert.Contains(t, string(data), `fmt.Println("new")`)
}

func TestEditFileNormalizesCRLF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crlf.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha\r\nbeta\r\ngamma\r\n"), 0o644))

	tool := NewEditFileTool(dir)
	result, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{
		"file_path": "crlf.txt",
		"edits":     []map[string]string{{"old_string": "alpha\nbeta", "new_string": "alpha\nBETA"}},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, result.Content)

	data, _ := os.ReadFile(path)
	assert.Contains(t, string(data), "BETA")
}

func TestEditFileWhitespaceTolerantMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "indent.go")
	require.NoError(t, os.WriteFile(path, []byte("func f() {\n x := 1\n y := 2\n}\n"), 0o644))

	tool := NewEditFileTool(dir)
	// old_string has tab indentation; the file uses spaces. The match is
	// line-by-line trimmed, and the exact original slice is replaced.
	result, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{
		"file_path": "indent.go",
		"edits":     []map[string]string{{"old_string": "\tx := 1\n\ty := 2", "new_string": "\tz := 3"}},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, result.Content)

	data, _ := os.ReadFile(path)
	assert.Contains(t, string(data), "z := 3")
	assert.NotContains(t, string(data), "x := 1")
}

func TestEditFileRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("content here\n"), 0o644))
	tool := NewEditFileTool(dir)

	cases := []struct {
		name  string
		edits []map[string]string
	}{
		{"empty edits", []map[string]string{}},
		{"blank old_string", []map[string]string{{"old_string": " ", "new_string": "x"}}},
		{"identical old and new", []map[string]string{{"old_string": "content", "new_string": "content"}}},
		{"duplicate edits", []map[string]string{
			{"old_string": "content", "new_string": "x"},
			{"old_string": "content", "new_string": "x"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{
				"file_path": "f.txt",
				"edits":     tc.edits,
			}))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestEditFileOutsideWorkspace(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "escape.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	tool := NewEditFileTool(dir)
	result, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{
		"file_path": outside,
		"edits":     []map[string]string{{"old_string": "secret", "new_string": "changed"}},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "outside")
}

func TestEditFileMissContextualizesError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctx.go")
	require.NoError(t, os.WriteFile(path, []byte("func handler() {\n\treturn nil\n}\n"), 0o644))

	tool := NewEditFileTool(dir)
	result, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{
		"file_path": "ctx.go",
		"edits":     []map[string]string{{"old_string": "func handler() error {", "new_string": "func h() error {"}},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "Near line")
}

func TestBashTool(t *testing.T) {
	tool := NewBashTool(NewPolicy(), nil)
	result, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{
		"command": "echo tool-output",
	}))
	require.NoError(t, err)
	assert.Contains(t, result.Content, "tool-output")
}

func TestPolicyAllowlist(t *testing.T) {
	p := NewPolicyFromConfig("allowlist", "", []string{"customtool", "git status"})
	assert.False(t, p.RequiresApproval("customtool --flag"))
	assert.False(t, p.RequiresApproval("git status"))
	assert.True(t, p.RequiresApproval("rm -rf /"))

	full := NewPolicyFromConfig("full", "", nil)
	assert.False(t, full.RequiresApproval("rm -rf /"))

	deny := NewPolicyFromConfig("deny", "", nil)
	assert.True(t, deny.RequiresApproval("ls"))
}

func TestRegistryNameNormalization(t *testing.T) {
	r := NewRegistry(NewPolicy())
	r.Register(NewReadFileTool(NewFileTool()))

	tool, ok := r.Get("read_file")
	require.True(t, ok)
	assert.Equal(t, "readFile", tool.Name())

	_, ok = r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry(NewPolicy())
	result := r.ExecuteApproved(context.Background(), &ai.ToolCall{
		ID: "c1", Name: "definitelyNotATool", Input: json.RawMessage(`{}`),
	})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "definitelyNotATool")
}

func TestDispatchPendingApproval(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(NewPolicy())
	r.Register(NewEditFileTool(dir))

	call := &ai.ToolCall{ID: "c1", Name: "editFile", Input: json.RawMessage(`{}`)}

	outcome := r.Dispatch(context.Background(), call, false)
	require.NotNil(t, outcome.Pending)
	assert.Nil(t, outcome.Completed)

	outcome = r.Dispatch(context.Background(), call, true)
	require.NotNil(t, outcome.Completed)
	assert.Nil(t, outcome.Pending)
}

func TestRegistryExecuteRoutesThroughPolicy(t *testing.T) {
	// The interactive Execute path consults the policy callback instead of
	// parking; a "full" policy level approves everything.
	r := NewRegistry(NewPolicyFromConfig("full", "off", nil))
	r.Register(NewTestCustomTool())

	result := r.Execute(context.Background(), &ai.ToolCall{
		ID: "c1", Name: "test_custom_tool", Input: json.RawMessage(`{"message":"hi"}`),
	})
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content, "echo: hi")
}

func TestTodoWriteTool(t *testing.T) {
	tool := NewTodoWriteTool()
	result, err := tool.Execute(context.Background(), mustJSON(t, map[string]any{
		"todos": []map[string]string{
			{"id": "1", "content": "first", "status": "completed"},
			{"id": "2", "content": "second", "status": "in_progress"},
		},
	}))
	require.NoError(t, err)
	assert.Contains(t, result.Content, "1/2 completed")
	assert.Len(t, tool.Todos(), 2)
}

func TestValidateTaskID(t *testing.T) {
	valid := []string{"bg_a1B2c3D4", "task-1", "abc_DEF-123"}
	for _, id := range valid {
		assert.NoError(t, validateTaskID(id), id)
	}
	invalid := []string{"", "..", "a/b", `a\b`, "a..b", "has space", "dot.dot"}
	for _, id := range invalid {
		assert.Error(t, validateTaskID(id), id)
	}
}

func TestBackgroundTaskLifecycle(t *testing.T) {
	mgr := NewBackgroundTaskManager(t.TempDir())

	task, err := mgr.Spawn("echo out-line; echo err-line 1>&2", "", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(task.ID, "bg_"))

	// Wait for exit.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, done := task.ExitCode(); done {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	code, done := task.ExitCode()
	require.True(t, done, "process did not exit")
	assert.Equal(t, 0, code)
	assert.Equal(t, BackgroundCompleted, task.Status())

	stdout, stderr, nextOut, nextErr, err := mgr.GetOutput(task.ID, 0, 0)
	require.NoError(t, err)
	assert.Contains(t, stdout, "out-line")
	assert.Contains(t, stderr, "err-line")
	assert.Equal(t, int64(len(stdout)), nextOut)
	assert.Equal(t, int64(len(stderr)), nextErr)

	// Monotonic offsets: resuming from next_offset returns nothing new and
	// the concatenation reconstructs the file.
	more, _, nextOut2, _, err := mgr.GetOutput(task.ID, nextOut, nextErr)
	require.NoError(t, err)
	assert.Empty(t, more)
	assert.Equal(t, nextOut, nextOut2)
}

func TestBackgroundTaskTimeout(t *testing.T) {
	mgr := NewBackgroundTaskManager(t.TempDir())

	task, err := mgr.Spawn("sleep 60", "", 100*time.Millisecond)
	require.NoError(t, err)

	// The timeout monitor ticks every 5s; within 7s the task must be
	// flagged timed out and the process gone.
	deadline := time.Now().Add(7 * time.Second)
	for time.Now().Before(deadline) {
		if task.Status() == BackgroundTimeout {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	assert.Equal(t, BackgroundTimeout, task.Status())

	// Still queryable after timeout.
	got, err := mgr.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	_, _, _, _, err = mgr.GetOutput(task.ID, 0, 0)
	assert.NoError(t, err)
}

func TestBackgroundKillIdempotent(t *testing.T) {
	mgr := NewBackgroundTaskManager(t.TempDir())
	task, err := mgr.Spawn("sleep 60", "", time.Minute)
	require.NoError(t, err)

	require.NoError(t, mgr.Kill(task.ID))
	require.NoError(t, mgr.Kill(task.ID)) // second kill is a no-op

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, done := task.ExitCode(); done {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, BackgroundKilled, task.Status())
}

func TestBackgroundSpawnValidation(t *testing.T) {
	mgr := NewBackgroundTaskManager(t.TempDir())

	_, err := mgr.Spawn("", "", time.Minute)
	assert.Error(t, err)

	_, err = mgr.Spawn("echo \x00bad", "", time.Minute)
	assert.Error(t, err)
}

func TestGetOutputReconstructsFile(t *testing.T) {
	mgr := NewBackgroundTaskManager(t.TempDir())
	task, err := mgr.Spawn("for i in 1 2 3 4 5; do echo chunk-$i; done", "", time.Minute)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, done := task.ExitCode(); done {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	var rebuilt strings.Builder
	var offset int64
	for {
		chunk, _, next, _, err := mgr.GetOutput(task.ID, offset, 0)
		require.NoError(t, err)
		if chunk == "" {
			break
		}
		rebuilt.WriteString(chunk)
		offset = next
	}

	data, err := os.ReadFile(task.StdoutPath)
	require.NoError(t, err)
	assert.Equal(t, string(data), rebuilt.String())
	for i := 1; i <= 5; i++ {
		assert.Contains(t, rebuilt.String(), fmt.Sprintf("chunk-%d", i))
	}
}
