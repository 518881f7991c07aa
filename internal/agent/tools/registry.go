package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nebolabs/nebo/internal/agent/ai"
)

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolMetadata describes a tool's classification for dispatch and UI
// purposes: its category, whether it may run concurrently with other
// concurrent-safe tools, whether it touches the filesystem, and whether its
// result should be rendered with dedicated UI rather than plain text.
type ToolMetadata struct {
	Category       string // "Read", "Write", "Edit", or "Other"
	ConcurrentSafe bool
	IsFileOp       bool
	RenderUI       bool
}

// Tool interface that all tools must implement
type Tool interface {
	// Name returns the tool's unique canonical name
	Name() string

	// Description returns a description for the AI
	Description() string

	// Schema returns the JSON schema for the tool's input
	Schema() json.RawMessage

	// Metadata returns the tool's dispatch classification
	Metadata() ToolMetadata

	// Execute runs the tool with the given input
	Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error)

	// RequiresApproval returns true if this tool needs user approval
	RequiresApproval() bool
}

// ChangeListener is called when tools are added or removed from the registry.
// added contains names of new/replaced tools, removed contains names of deleted tools.
type ChangeListener func(added []string, removed []string)

// Registry manages available tools
type Registry struct {
	mu              sync.RWMutex
	tools           map[string]Tool
	policy          *Policy
	backgroundTasks *BackgroundTaskManager
	listeners       []ChangeListener
}

// NewRegistry creates a new tool registry.
func NewRegistry(policy *Policy) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		policy: policy,
	}
}

// OnChange registers a listener that is called when tools are added or removed.
func (r *Registry) OnChange(fn ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// notifyListeners calls all change listeners (must NOT hold lock).
func (r *Registry) notifyListeners(added, removed []string) {
	r.mu.RLock()
	listeners := make([]ChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(added, removed)
	}
}

// Register adds a tool to the registry
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	r.tools[tool.Name()] = tool
	r.mu.Unlock()

	r.notifyListeners([]string{tool.Name()}, nil)
}

// Unregister removes a tool from the registry by name
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	_, existed := r.tools[name]
	delete(r.tools, name)
	r.mu.Unlock()

	if existed {
		r.notifyListeners(nil, []string{name})
	}
}

// canonicalNames maps snake_case (and other historical) aliases onto the
// canonical camelCase tool name so lookups/execution tolerate either form.
var canonicalNames = map[string]string{
	"read_file":           "readFile",
	"write_file":          "writeFile",
	"edit_file":           "editFile",
	"code_search":         "codeSearch",
	"list_files":          "listFiles",
	"web_fetch":           "webFetch",
	"web_search":          "webSearch",
	"github_pr":           "githubPR",
	"image_generation":    "imageGeneration",
	"call_agent":          "callAgent",
	"todo_write":          "todoWrite",
	"ask_user_questions":  "askUserQuestions",
	"exit_plan_mode":      "exitPlanMode",
	"install_skill":       "installSkill",
	"bash_output":         "bashOutput",
	"kill_background":     "killBackground",
	"test_custom_tool_v1": "test_custom_tool",
}

// normalizeName maps a possibly-aliased tool name onto its canonical form.
func normalizeName(name string) string {
	if canonical, ok := canonicalNames[name]; ok {
		return canonical
	}
	return name
}

// Get returns a tool by name, tolerating known aliases.
func (r *Registry) Get(name string) (Tool, bool) {
	name = normalizeName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools as AI tool definitions
func (r *Registry) List() []ai.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ai.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, ai.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return defs
}

// RequiresApproval reports whether a registered tool (by canonical or
// aliased name) requires approval before execution.
func (r *Registry) RequiresApproval(name string) bool {
	tool, ok := r.Get(name)
	if !ok {
		return false
	}
	return tool.RequiresApproval()
}

// GetDefinition returns the ToolDefinition for a single tool by name.
func (r *Registry) GetDefinition(name string) (ai.ToolDefinition, bool) {
	tool, ok := r.Get(name)
	if !ok {
		return ai.ToolDefinition{}, false
	}
	return ai.ToolDefinition{
		Name:        tool.Name(),
		Description: tool.Description(),
		InputSchema: tool.Schema(),
	}, true
}

// Execute runs a tool and returns the result. When the tool requires
// approval and a policy is set, it first asks the policy (RequestApproval);
// this path takes no auto-approve input.
func (r *Registry) Execute(ctx context.Context, toolCall *ai.ToolCall) *ToolResult {
	name := normalizeName(toolCall.Name)

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return r.unknownToolResult(toolCall.Name)
	}

	if tool.RequiresApproval() && r.policy != nil {
		approved, err := r.policy.RequestApproval(ctx, tool.Name(), toolCall.Input)
		if err != nil {
			return &ToolResult{Content: fmt.Sprintf("Approval error: %v", err), IsError: true}
		}
		if !approved {
			return &ToolResult{Content: "Tool execution denied by user", IsError: true}
		}
	}

	result, err := tool.Execute(ctx, toolCall.Input)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Tool error: %v", err), IsError: true}
	}
	return result
}

// DispatchOutcome is the result of a Dispatch call: either a completed
// execution or a request parked for user approval.
type DispatchOutcome struct {
	Completed *ToolResult
	Pending   *ai.ToolCall
}

// Dispatch implements the dispatcher contract: a tool call is
// pending iff the tool requires approval and autoApprove is not set;
// otherwise it routes straight to the handler. Approval decisions for parked
// requests re-enter through ExecuteApproved.
func (r *Registry) Dispatch(ctx context.Context, toolCall *ai.ToolCall, autoApprove bool) DispatchOutcome {
	name := normalizeName(toolCall.Name)

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()

	if ok && tool.RequiresApproval() && !autoApprove {
		return DispatchOutcome{Pending: toolCall}
	}
	return DispatchOutcome{Completed: r.ExecuteApproved(ctx, toolCall)}
}

// ExecuteApproved runs a tool call that has already passed approval gating
// (or never needed it). Unknown tools produce an error ToolResult naming the
// tool rather than an error return, so the agent loop can continue.
func (r *Registry) ExecuteApproved(ctx context.Context, toolCall *ai.ToolCall) *ToolResult {
	name := normalizeName(toolCall.Name)

	r.mu.RLock()
	tool, ok := r.tools[name]
	policy := r.policy
	r.mu.RUnlock()

	if !ok {
		return r.unknownToolResult(toolCall.Name)
	}
	if policy != nil && policy.IsDeniedForOrigin(GetOrigin(ctx), name) {
		return &ToolResult{
			Content: fmt.Sprintf("Tool %q is not permitted for this request origin.", name),
			IsError: true,
		}
	}
	result, err := tool.Execute(ctx, toolCall.Input)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Tool error: %v", err), IsError: true}
	}
	return result
}

func (r *Registry) unknownToolResult(name string) *ToolResult {
	r.mu.RLock()
	available := make([]string, 0, len(r.tools))
	for n := range r.tools {
		available = append(available, n)
	}
	r.mu.RUnlock()

	return &ToolResult{
		Content: fmt.Sprintf(
			"TOOL ERROR: %q does not exist. You do NOT have that tool. Do NOT call it again.\n\n%s\nYour available tools are: %s",
			name, toolCorrection(name), strings.Join(available, ", ")),
		IsError: true,
	}
}

// SetPolicy updates the registry's policy
func (r *Registry) SetPolicy(policy *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
}

// RegistryConfig supplies the external dependencies the canonical tool set
// needs at registration time. Optional fields may be nil; the corresponding
// tools then report themselves unconfigured instead of failing registration.
type RegistryConfig struct {
	WorkspaceRoot string
	DataDir       string
	SkillsDir     string
	WebSearch     WebSearchConfig
	SubAgents     SubAgentRunner
	Questions     QuestionAsker
	LSP           LSPClient
	GitHubToken   func() string
	ImageGen      ImageGenConfig
}

// RegisterDefaults registers the flat canonical tool catalog: readFile,
// writeFile, editFile, codeSearch, glob, listFiles, bash, lsp, webFetch,
// webSearch, githubPR, imageGeneration, callAgent, todoWrite,
// askUserQuestions, exitPlanMode, installSkill, test_custom_tool, plus
// bashOutput and killBackground for bash's background tasks.
func (r *Registry) RegisterDefaults(cfg RegistryConfig) {
	r.backgroundTasks = NewBackgroundTaskManager(cfg.DataDir)

	file := NewFileTool()

	r.Register(NewReadFileTool(file))
	r.Register(NewWriteFileTool(file))
	r.Register(NewEditFileTool(cfg.WorkspaceRoot))
	r.Register(NewCodeSearchTool(file))
	r.Register(NewGlobTool(file))
	r.Register(NewListFilesTool(file))

	r.Register(NewBashTool(r.policy, r.backgroundTasks))
	r.Register(NewBashOutputTool(r.backgroundTasks))
	r.Register(NewKillBackgroundTool(r.backgroundTasks))

	r.Register(NewLSPTool(cfg.LSP))

	r.Register(NewWebFetchTool())
	r.Register(NewWebSearchTool(cfg.WebSearch))

	r.Register(NewGitHubPRTool(cfg.GitHubToken))
	r.Register(NewImageGenerationTool(cfg.ImageGen))
	r.Register(NewCallAgentTool(cfg.SubAgents))
	r.Register(NewTodoWriteTool())
	r.Register(NewAskUserQuestionsTool(cfg.Questions))
	r.Register(NewExitPlanModeTool())

	r.Register(NewInstallSkillTool(cfg.SkillsDir))
	r.Register(NewTestCustomTool())
}

// GetBackgroundTasks returns the background task manager backing bash's
// runInBackground mode, bashOutput and killBackground.
func (r *Registry) GetBackgroundTasks() *BackgroundTaskManager {
	return r.backgroundTasks
}

// GetFileTool returns the shared file tool backing the read/write/glob/
// codeSearch/listFiles wrappers, if registered.
func (r *Registry) GetFileTool() *FileTool {
	for _, name := range []string{"readFile", "writeFile", "glob", "codeSearch", "listFiles"} {
		r.mu.RLock()
		tool, ok := r.tools[name]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		switch w := tool.(type) {
		case *ReadFileTool:
			return w.file
		case *WriteFileTool:
			return w.file
		case *GlobTool:
			return w.file
		case *CodeSearchTool:
			return w.file
		case *ListFilesTool:
			return w.file
		}
	}
	return nil
}

// toolCorrection returns a specific "use this instead" message for known
// hallucinated or legacy tool names. If the name isn't recognized, returns
// a generic hint.
func toolCorrection(name string) string {
	switch strings.ToLower(name) {
	case "read", "read_file", "cat":
		return "INSTEAD USE: readFile(file_path: \"/path/to/file\")"
	case "write", "write_file":
		return "INSTEAD USE: writeFile(file_path: \"/path\", content: \"...\")"
	case "edit", "str_replace", "str_replace_editor":
		return "INSTEAD USE: editFile(file_path: \"/path\", edits: [{old_string: \"...\", new_string: \"...\"}])"
	case "grep", "search", "code_search":
		return "INSTEAD USE: codeSearch(regex: \"...\", path: \"/dir\")"
	case "ls", "list_dir", "list_files":
		return "INSTEAD USE: listFiles(path: \"/dir\")"
	case "shell", "exec", "run_command":
		return "INSTEAD USE: bash(command: \"...\")"
	case "fetch", "http_get", "curl":
		return "INSTEAD USE: webFetch(url: \"https://...\")"
	case "search_web", "google":
		return "INSTEAD USE: webSearch(query: \"...\")"
	default:
		return "Check your available tools and use the correct name."
	}
}

// Close cleans up registry resources.
func (r *Registry) Close() {}
