package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EditFileTool implements the canonical editFile tool: literal-first
// replace, falling back to normalized-content matching and then
// whitespace-tolerant line matching before failing with a contextualized
// error.
type EditFileTool struct {
	workspaceRoot string
}

func NewEditFileTool(workspaceRoot string) *EditFileTool {
	return &EditFileTool{workspaceRoot: workspaceRoot}
}

func (t *EditFileTool) Name() string { return "editFile" }

func (t *EditFileTool) Description() string {
	return "Apply one or more string replacements to an existing file. Each edit replaces the first occurrence of its old_string, falling back to whitespace-tolerant line matching when there is no exact match."
}

func (t *EditFileTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Edit", ConcurrentSafe: false, IsFileOp: true}
}

func (t *EditFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string"},
			"edits": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"old_string": {"type": "string"},
						"new_string": {"type": "string"}
					},
					"required": ["old_string", "new_string"]
				}
			}
		},
		"required": ["file_path", "edits"]
	}`)
}

type editBlock struct {
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

type editFileInput struct {
	FilePath string      `json:"file_path"`
	Edits    []editBlock `json:"edits"`
}

func (t *EditFileTool) RequiresApproval() bool { return true }

func (t *EditFileTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in editFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	path, err := t.resolvePath(in.FilePath)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}

	if len(in.Edits) == 0 {
		return &ToolResult{Content: "At least one edit block is required.", IsError: true}, nil
	}
	seen := make(map[string]bool, len(in.Edits))
	for i, e := range in.Edits {
		if strings.TrimSpace(e.OldString) == "" {
			return &ToolResult{
				Content: fmt.Sprintf("Edit %d: old_string cannot be empty. Use writeFile for new content.", i+1),
				IsError: true,
			}, nil
		}
		key := e.OldString + ":::" + e.NewString
		if seen[key] {
			return &ToolResult{Content: "Duplicate edit blocks detected. Each edit should be unique.", IsError: true}, nil
		}
		seen[key] = true
		if e.OldString == e.NewString {
			return &ToolResult{
				Content: fmt.Sprintf("Edit %d: no changes needed. old_string and new_string are identical.", i+1),
				IsError: true,
			}, nil
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return &ToolResult{
			Content: fmt.Sprintf("File not found: %s. This tool only edits existing files. Use writeFile for new files. (%v)", in.FilePath, err),
			IsError: true,
		}, nil
	}
	currentContent := normalizeLineEndings(string(raw))

	working := currentContent
	totalReplacements := 0

	for i, e := range in.Edits {
		normOld := normalizeLineEndings(e.OldString)
		normNew := normalizeLineEndings(e.NewString)

		if strings.Contains(working, normOld) {
			result, n := literalReplaceFirst(working, normOld, normNew)
			if n > 0 {
				working = result
				totalReplacements += n
				continue
			}
		}

		corrected, matched := smartMatch(working, normOld)
		if !matched {
			return &ToolResult{
				Content: editErrorMessage(currentContent, i, e, in.FilePath),
				IsError: true,
			}, nil
		}
		result, n := literalReplaceFirst(working, corrected, normNew)
		working = result
		totalReplacements += n
	}

	if working == currentContent {
		return &ToolResult{
			Content: "No changes applied. The content is identical after all replacements.",
			IsError: true,
		}, nil
	}

	if err := os.WriteFile(path, []byte(working), 0o644); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Failed to write file: %v", err), IsError: true}, nil
	}

	plural := ""
	if len(in.Edits) > 1 {
		plural = "s"
	}
	repPlural := ""
	if totalReplacements > 1 {
		repPlural = "s"
	}
	return &ToolResult{
		Content: fmt.Sprintf("Successfully applied %d edit%s to %s (%d total replacement%s)",
			len(in.Edits), plural, in.FilePath, totalReplacements, repPlural),
	}, nil
}

// resolvePath resolves file_path against the workspace root and rejects
// paths that escape it once canonicalised.
func (t *EditFileTool) resolvePath(filePath string) (string, error) {
	if filePath == "" {
		return "", fmt.Errorf("file_path is required")
	}
	path := filePath
	if !filepath.IsAbs(path) && t.workspaceRoot != "" {
		path = filepath.Join(t.workspaceRoot, path)
	}

	if t.workspaceRoot == "" {
		return path, nil
	}

	root, err := filepath.EvalSymlinks(t.workspaceRoot)
	if err != nil {
		root = t.workspaceRoot
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		// File may not exist yet; fall back to lexical check.
		target = filepath.Clean(path)
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("security error: file path %q is outside the allowed project directory %q", filePath, t.workspaceRoot)
	}
	return path, nil
}

func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// literalReplaceFirst replaces only the first occurrence of old in content.
func literalReplaceFirst(content, old, new string) (string, int) {
	idx := strings.Index(content, old)
	if idx == -1 {
		return content, 0
	}
	return content[:idx] + new + content[idx+len(old):], 1
}

// smartMatch tries normalized-content matching, then whitespace-tolerant
// line matching, returning the exact substring of content to replace.
func smartMatch(content, search string) (string, bool) {
	if strings.Contains(content, search) {
		return search, true
	}

	contentLines := strings.Split(content, "\n")
	searchLines := strings.Split(search, "\n")
	if len(searchLines) == 0 {
		return "", false
	}

	trimmedSearch := make([]string, len(searchLines))
	for i, l := range searchLines {
		trimmedSearch[i] = strings.TrimSpace(l)
	}

	for i := 0; i+len(searchLines) <= len(contentLines); i++ {
		candidate := contentLines[i : i+len(searchLines)]
		match := true
		for j, l := range candidate {
			if strings.TrimSpace(l) != trimmedSearch[j] {
				match = false
				break
			}
		}
		if match {
			return strings.Join(candidate, "\n"), true
		}
	}
	return "", false
}

// editErrorMessage contextualises a failed match with nearby similar lines.
func editErrorMessage(content string, editIndex int, edit editBlock, filePath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Edit %d failed: could not find an exact match in %s.\n\n", editIndex+1, filePath)
	b.WriteString("The old_string was not found exactly as provided.\n\n")

	if strings.Contains(edit.OldString, `\n`) {
		b.WriteString("Your old_string contains literal \\n characters; use actual line breaks instead.\n\n")
	}

	similar := findSimilarLines(content, normalizeLineEndings(edit.OldString), 3)
	if len(similar) > 0 {
		b.WriteString("Found similar text at these locations:\n")
		for i, s := range similar {
			fmt.Fprintf(&b, "\n%d. %s\n", i+1, s)
		}
		b.WriteString("\nCopy the exact text from the file (including indentation) and use it as old_string.\n")
	} else {
		b.WriteString("No similar text found. Use readFile to verify the current content.\n")
	}
	return b.String()
}

func findSimilarLines(content, search string, maxResults int) []string {
	lines := strings.Split(content, "\n")
	searchLines := strings.Split(search, "\n")
	if len(searchLines) == 0 {
		return nil
	}
	first := strings.TrimSpace(searchLines[0])
	if first == "" {
		return nil
	}

	var results []string
	for i, line := range lines {
		if len(results) >= maxResults {
			break
		}
		// A line is similar when it contains the first search line or, after
		// trimming, shares at least half of it as a common prefix.
		trimmed := strings.TrimSpace(line)
		shared := 0
		for shared < len(trimmed) && shared < len(first) && trimmed[shared] == first[shared] {
			shared++
		}
		if strings.Contains(line, first) || (shared > 0 && 2*shared >= len(first)) {
			start := i - 2
			if start < 0 {
				start = 0
			}
			end := i + 5
			if end > len(lines) {
				end = len(lines)
			}
			results = append(results, fmt.Sprintf("Near line %d:\n%s", i+1, strings.Join(lines[start:end], "\n")))
		}
	}
	return results
}
