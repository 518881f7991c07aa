package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReadFileTool, WriteFileTool, GlobTool, CodeSearchTool and ListFilesTool are
// thin canonical-name wrappers over the shared FileTool implementation,
// translating spec's flat tool catalog onto its action-routed handlers.

type ReadFileTool struct{ file *FileTool }

func NewReadFileTool(file *FileTool) *ReadFileTool { return &ReadFileTool{file: file} }

func (t *ReadFileTool) Name() string { return "readFile" }
func (t *ReadFileTool) Description() string {
	return "Read a file's contents, optionally starting at a line offset for a limited number of lines."
}
func (t *ReadFileTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Read", ConcurrentSafe: true, IsFileOp: true}
}
func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string"},
			"start_line": {"type": "integer"},
			"line_count": {"type": "integer"}
		},
		"required": ["file_path"]
	}`)
}

type readFileInput struct {
	FilePath  string `json:"file_path"`
	StartLine int    `json:"start_line"`
	LineCount int    `json:"line_count"`
}

func (t *ReadFileTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in readFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return t.file.handleRead(ctx, FileInput{
		Path:   in.FilePath,
		Offset: in.StartLine,
		Limit:  in.LineCount,
	})
}
func (t *ReadFileTool) RequiresApproval() bool { return false }

type WriteFileTool struct{ file *FileTool }

func NewWriteFileTool(file *FileTool) *WriteFileTool { return &WriteFileTool{file: file} }

func (t *WriteFileTool) Name() string { return "writeFile" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating parent directories as needed."
}
func (t *WriteFileTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Write", ConcurrentSafe: false, IsFileOp: true}
}
func (t *WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string"},
			"content": {"type": "string"},
			"append": {"type": "boolean"}
		},
		"required": ["file_path", "content"]
	}`)
}

type writeFileInput struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
	Append   bool   `json:"append"`
}

func (t *WriteFileTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in writeFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return t.file.handleWrite(ctx, FileInput{
		Path:    in.FilePath,
		Content: in.Content,
		Append:  in.Append,
	})
}
func (t *WriteFileTool) RequiresApproval() bool { return true }

type GlobTool struct{ file *FileTool }

func NewGlobTool(file *FileTool) *GlobTool { return &GlobTool{file: file} }

func (t *GlobTool) Name() string        { return "glob" }
func (t *GlobTool) Description() string { return "Find files matching a glob pattern (supports **)." }
func (t *GlobTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Read", ConcurrentSafe: true, IsFileOp: true}
}
func (t *GlobTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string"},
			"path": {"type": "string"}
		},
		"required": ["pattern"]
	}`)
}

type globInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
}

func (t *GlobTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in globInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return t.file.handleGlob(ctx, FileInput{Pattern: in.Pattern, Path: in.Path})
}
func (t *GlobTool) RequiresApproval() bool { return false }

// ListFilesTool lists directory entries; implemented as a glob over "*".
type ListFilesTool struct{ file *FileTool }

func NewListFilesTool(file *FileTool) *ListFilesTool { return &ListFilesTool{file: file} }

func (t *ListFilesTool) Name() string        { return "listFiles" }
func (t *ListFilesTool) Description() string { return "List files and directories under a path." }
func (t *ListFilesTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Read", ConcurrentSafe: true, IsFileOp: true}
}
func (t *ListFilesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"}
		},
		"required": ["path"]
	}`)
}

type listFilesInput struct {
	Path string `json:"path"`
}

func (t *ListFilesTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in listFilesInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return t.file.handleGlob(ctx, FileInput{Pattern: "*", Path: in.Path})
}
func (t *ListFilesTool) RequiresApproval() bool { return false }

// CodeSearchTool is the canonical codeSearch tool: regex search over files,
// delegating to FileTool's ripgrep-or-pure-Go grep implementation.
type CodeSearchTool struct{ file *FileTool }

func NewCodeSearchTool(file *FileTool) *CodeSearchTool { return &CodeSearchTool{file: file} }

func (t *CodeSearchTool) Name() string { return "codeSearch" }
func (t *CodeSearchTool) Description() string {
	return "Search file contents with a regular expression, optionally filtered by glob and path."
}
func (t *CodeSearchTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Read", ConcurrentSafe: true, IsFileOp: true}
}
func (t *CodeSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"regex": {"type": "string"},
			"path": {"type": "string"},
			"glob": {"type": "string"},
			"case_insensitive": {"type": "boolean"},
			"context": {"type": "integer"}
		},
		"required": ["regex"]
	}`)
}

type codeSearchInput struct {
	Regex           string `json:"regex"`
	Path            string `json:"path"`
	Glob            string `json:"glob"`
	CaseInsensitive bool   `json:"case_insensitive"`
	Context         int    `json:"context"`
}

func (t *CodeSearchTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in codeSearchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return t.file.handleGrep(ctx, FileInput{
		Regex:           in.Regex,
		Path:            in.Path,
		Glob:            in.Glob,
		CaseInsensitive: in.CaseInsensitive,
		Context:         in.Context,
	})
}
func (t *CodeSearchTool) RequiresApproval() bool { return false }
