package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// LSPClient is the interface the lsp tool dispatches through. The language
// server registry itself lives outside this runtime; only the contract is
// visible here.
type LSPClient interface {
	// Query runs one LSP operation against the server responsible for path.
	Query(ctx context.Context, operation, path string, line, character int) (string, error)
}

// LSPTool implements the canonical lsp tool: definitions, references, hover
// and diagnostics via a pluggable LSP client.
type LSPTool struct {
	client LSPClient
}

func NewLSPTool(client LSPClient) *LSPTool { return &LSPTool{client: client} }

func (t *LSPTool) Name() string { return "lsp" }

func (t *LSPTool) Description() string {
	return "Query language-server intelligence: definition, references, hover, diagnostics for a position in a file."
}

func (t *LSPTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Read", ConcurrentSafe: true, IsFileOp: true}
}

func (t *LSPTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"operation": {"type": "string", "enum": ["definition", "references", "hover", "diagnostics"]},
			"file_path": {"type": "string"},
			"line": {"type": "integer", "description": "1-based line"},
			"character": {"type": "integer", "description": "1-based column"}
		},
		"required": ["operation", "file_path"]
	}`)
}

func (t *LSPTool) RequiresApproval() bool { return false }

type lspInput struct {
	Operation string `json:"operation"`
	FilePath  string `json:"file_path"`
	Line      int    `json:"line"`
	Character int    `json:"character"`
}

func (t *LSPTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in lspInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if t.client == nil {
		return &ToolResult{Content: "No language server is configured for this workspace.", IsError: true}, nil
	}
	out, err := t.client.Query(ctx, in.Operation, in.FilePath, in.Line, in.Character)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("LSP %s failed: %v", in.Operation, err), IsError: true}, nil
	}
	return &ToolResult{Content: out}, nil
}
