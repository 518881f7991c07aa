package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nebolabs/nebo/internal/httpproxy"
)

// GitHubPRTool implements the canonical githubPR tool: read pull-request
// state through the GitHub REST API, routed through the SSRF-guarded proxy
// (internal/httpproxy).
type GitHubPRTool struct {
	token func() string // optional bearer token source
}

func NewGitHubPRTool(token func() string) *GitHubPRTool {
	return &GitHubPRTool{token: token}
}

func (t *GitHubPRTool) Name() string { return "githubPR" }

func (t *GitHubPRTool) Description() string {
	return "Inspect a GitHub pull request: metadata, state, mergeability, and changed files. Repo format: owner/name."
}

func (t *GitHubPRTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Read", ConcurrentSafe: true}
}

func (t *GitHubPRTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"repo": {"type": "string", "description": "owner/name"},
			"number": {"type": "integer", "description": "Pull request number"},
			"include_files": {"type": "boolean", "description": "Also list changed files"}
		},
		"required": ["repo", "number"]
	}`)
}

func (t *GitHubPRTool) RequiresApproval() bool { return false }

type githubPRInput struct {
	Repo         string `json:"repo"`
	Number       int    `json:"number"`
	IncludeFiles bool   `json:"include_files"`
}

func (t *GitHubPRTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in githubPRInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if !strings.Contains(in.Repo, "/") || in.Number <= 0 {
		return &ToolResult{Content: "Error: repo must be owner/name and number must be positive", IsError: true}, nil
	}

	headers := map[string]string{"Accept": "application/vnd.github+json"}
	if t.token != nil {
		if tok := t.token(); tok != "" {
			headers["Authorization"] = "Bearer " + tok
		}
	}

	prURL := fmt.Sprintf("https://api.github.com/repos/%s/pulls/%d", in.Repo, in.Number)
	resp, err := httpproxy.Fetch(ctx, httpproxy.Request{Method: "GET", URL: prURL, Headers: headers})
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("GitHub request failed: %v", err), IsError: true}, nil
	}
	if resp.StatusCode >= 400 {
		return &ToolResult{Content: fmt.Sprintf("GitHub returned %d: %s", resp.StatusCode, truncate(string(resp.Body), 500)), IsError: true}, nil
	}

	var pr struct {
		Title     string `json:"title"`
		State     string `json:"state"`
		Draft     bool   `json:"draft"`
		Merged    bool   `json:"merged"`
		Mergeable *bool  `json:"mergeable"`
		User      struct {
			Login string `json:"login"`
		} `json:"user"`
		Head struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		Additions    int    `json:"additions"`
		Deletions    int    `json:"deletions"`
		ChangedFiles int    `json:"changed_files"`
		Body         string `json:"body"`
	}
	if err := json.Unmarshal(resp.Body, &pr); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Could not parse GitHub response: %v", err), IsError: true}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s\n", in.Number, pr.Title)
	fmt.Fprintf(&b, "author: %s state: %s draft: %t merged: %t\n", pr.User.Login, pr.State, pr.Draft, pr.Merged)
	fmt.Fprintf(&b, "%s <- %s (+%d -%d, %d files)\n", pr.Base.Ref, pr.Head.Ref, pr.Additions, pr.Deletions, pr.ChangedFiles)
	if pr.Mergeable != nil {
		fmt.Fprintf(&b, "mergeable: %t\n", *pr.Mergeable)
	}
	if pr.Body != "" {
		fmt.Fprintf(&b, "\n%s\n", truncate(pr.Body, 2000))
	}

	if in.IncludeFiles {
		filesURL := prURL + "/files?per_page=100"
		fresp, err := httpproxy.Fetch(ctx, httpproxy.Request{Method: "GET", URL: filesURL, Headers: headers})
		if err == nil && fresp.StatusCode < 400 {
			var files []struct {
				Filename  string `json:"filename"`
				Status    string `json:"status"`
				Additions int    `json:"additions"`
				Deletions int    `json:"deletions"`
			}
			if json.Unmarshal(fresp.Body, &files) == nil {
				b.WriteString("\nFiles:\n")
				for _, f := range files {
					fmt.Fprintf(&b, " %s %s (+%d -%d)\n", f.Status, f.Filename, f.Additions, f.Deletions)
				}
			}
		}
	}

	return &ToolResult{Content: b.String()}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
