package runner

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/nebolabs/nebo/internal/agent/ai"
)

// PromptContext carries everything the static system prompt needs.
type PromptContext struct {
	Workspace string
	Tools     []ai.ToolDefinition
}

const basePrompt = `You are Nebo, a coding agent running on this computer.

You work by calling tools. Your ONLY tools are the ones provided in your tool
definitions; calling anything else will fail. Tool names are case-sensitive.

Guidelines:
1. Break complex tasks into smaller steps and gather information with the
 read-only tools (readFile, codeSearch, glob, listFiles, lsp) before acting.
2. Prefer editFile over rewriting whole files; prefer dedicated file tools
 over shell commands for file operations.
3. Long-running commands (servers, watchers) go through bash with
 runInBackground, then bashOutput to poll and killBackground to stop.
4. If a tool fails, read the error, adjust, and try a different approach.
5. For parallelizable self-contained work, delegate with callAgent.
6. Track multi-step work with todoWrite; ask the user only when a decision
 genuinely needs their input (askUserQuestions).
7. Verify your changes work before considering a task complete.`

// BuildSystemPrompt renders the static system prompt: identity, guidelines,
// the registered tool list and runtime context.
func BuildSystemPrompt(pctx PromptContext) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if len(pctx.Tools) > 0 {
		names := make([]string, 0, len(pctx.Tools))
		for _, t := range pctx.Tools {
			names = append(names, t.Name)
		}
		sort.Strings(names)
		b.WriteString("\n\n## Registered Tools\n")
		b.WriteString(strings.Join(names, ", "))
	}

	b.WriteString(systemContext(pctx.Workspace))
	return b.String()
}

// systemContext appends runtime facts (time, host, OS, workspace) so the
// model does not guess them.
func systemContext(workspace string) string {
	now := time.Now()
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	osName := runtime.GOOS
	switch osName {
	case "darwin":
		osName = "macOS"
	case "linux":
		osName = "Linux"
	case "windows":
		osName = "Windows"
	}

	var b strings.Builder
	b.WriteString("\n\n---\n[System Context]\n")
	fmt.Fprintf(&b, "Date: %s\n", now.Format("Monday, January 2, 2006"))
	fmt.Fprintf(&b, "Time: %s (%s)\n", now.Format("3:04 PM"), now.Format("MST"))
	fmt.Fprintf(&b, "Computer: %s\n", hostname)
	fmt.Fprintf(&b, "OS: %s (%s)\n", osName, runtime.GOARCH)
	if workspace != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", workspace)
	}
	b.WriteString("---")
	return b.String()
}
