package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nebolabs/nebo/internal/httpproxy"
)

// WebFetchTool implements the canonical webFetch tool: a proxied HTTP
// request through the SSRF-guarded HTTP Proxy (K).
type WebFetchTool struct{}

func NewWebFetchTool() *WebFetchTool { return &WebFetchTool{} }

func (t *WebFetchTool) Name() string { return "webFetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL over HTTP/HTTPS. Requests to private, link-local, or documentation IP ranges are blocked unless allow_private_ip is set."
}

func (t *WebFetchTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Read", ConcurrentSafe: true, IsFileOp: false}
}

func (t *WebFetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The URL to fetch"},
			"method": {"type": "string", "description": "HTTP method (default GET)"},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}},
			"body": {"type": "string"},
			"allow_private_ip": {"type": "boolean", "description": "Allow fetching private/internal addresses"}
		},
		"required": ["url"]
	}`)
}

type webFetchInput struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	AllowPrivateIP bool              `json:"allow_private_ip"`
}

func (t *WebFetchTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in webFetchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.URL == "" {
		return &ToolResult{Content: "Error: url is required", IsError: true}, nil
	}

	var body *strings.Reader
	var bodyReader interface {
		Read([]byte) (int, error)
	}
	if in.Body != "" {
		body = strings.NewReader(in.Body)
		bodyReader = body
	}

	resp, err := httpproxy.Fetch(ctx, httpproxy.Request{
		Method:         in.Method,
		URL:            in.URL,
		Headers:        in.Headers,
		Body:           bodyReader,
		AllowPrivateIP: in.AllowPrivateIP,
	})
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Error: %v", err), IsError: true}, nil
	}

	const maxContent = 100000
	content := string(resp.Body)
	if len(content) > maxContent {
		content = content[:maxContent] + "\n... (content truncated)"
	}

	header := fmt.Sprintf("HTTP %d\nContent-Type: %s\nContent-Length: %d\n\n",
		resp.StatusCode, resp.Header.Get("Content-Type"), len(resp.Body))

	return &ToolResult{
		Content: header + content,
		IsError: resp.StatusCode >= 400,
	}, nil
}

func (t *WebFetchTool) RequiresApproval() bool { return false }

// WebSearchTool implements the canonical webSearch tool, backed by
// DuckDuckGo HTML scraping (no API key required) by default, or Google
// Custom Search when engine=google and credentials are configured. There is
// no automatic fallback from one engine to the other.
type WebSearchTool struct {
	client       *http.Client
	searchAPIKey string
	searchCX     string
}

// WebSearchConfig configures optional Google Custom Search credentials.
type WebSearchConfig struct {
	SearchAPIKey string
	SearchCX     string
}

func NewWebSearchTool(cfg WebSearchConfig) *WebSearchTool {
	return &WebSearchTool{
		client:       &http.Client{Timeout: 30 * time.Second},
		searchAPIKey: cfg.SearchAPIKey,
		searchCX:     cfg.SearchCX,
	}
}

func (t *WebSearchTool) Name() string { return "webSearch" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return titles, URLs, and snippets for the top results."
}

func (t *WebSearchTool) Metadata() ToolMetadata {
	return ToolMetadata{Category: "Read", ConcurrentSafe: true, IsFileOp: false}
}

func (t *WebSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"engine": {"type": "string", "enum": ["duckduckgo", "google"]},
			"limit": {"type": "integer"}
		},
		"required": ["query"]
	}`)
}

type webSearchInput struct {
	Query  string `json:"query"`
	Engine string `json:"engine"`
	Limit  int    `json:"limit"`
}

type webSearchResult struct {
	Title   string
	URL     string
	Snippet string
}

func (t *WebSearchTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in webSearchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Query == "" {
		return &ToolResult{Content: "Error: query is required", IsError: true}, nil
	}
	if in.Limit <= 0 {
		in.Limit = 10
	}
	if in.Engine == "" {
		in.Engine = "duckduckgo"
	}

	var results []webSearchResult
	var err error
	switch in.Engine {
	case "google":
		if t.searchAPIKey != "" && t.searchCX != "" {
			results, err = t.searchGoogle(ctx, in.Query, in.Limit)
		} else {
			return &ToolResult{Content: "Google search requires configuration; falling back is not automatic. Use engine=duckduckgo."}, nil
		}
	default:
		results, err = t.searchDuckDuckGo(ctx, in.Query, in.Limit)
	}
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Search error: %v", err), IsError: true}, nil
	}
	if len(results) == 0 {
		return &ToolResult{Content: "No results found for: " + in.Query}, nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Search results for: %s\n\n", in.Query))
	for i, r := range results {
		sb.WriteString(fmt.Sprintf("%d. %s\n URL: %s\n", i+1, r.Title, r.URL))
		if r.Snippet != "" {
			sb.WriteString(fmt.Sprintf(" %s\n", r.Snippet))
		}
		sb.WriteString("\n")
	}
	return &ToolResult{Content: sb.String()}, nil
}

func (t *WebSearchTool) RequiresApproval() bool { return false }

func (t *WebSearchTool) searchDuckDuckGo(ctx context.Context, query string, limit int) ([]webSearchResult, error) {
	searchURL := fmt.Sprintf("https://html.duckduckgo.com/html/?q=%s", url.QueryEscape(query))
	if err := httpproxy.ValidateURL(searchURL, false); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", searchURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; nebo/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var sb strings.Builder
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if readErr != nil {
			break
		}
	}
	return parseDuckDuckGoHTML(sb.String(), limit), nil
}

func parseDuckDuckGoHTML(html string, limit int) []webSearchResult {
	var results []webSearchResult
	parts := strings.Split(html, `class="result__body"`)

	for i, part := range parts[1:] {
		if i >= limit {
			break
		}
		var result webSearchResult

		if idx := strings.Index(part, `class="result__a"`); idx != -1 {
			if hrefStart := strings.Index(part[idx:], `href="`); hrefStart != -1 {
				hrefStart += idx + 6
				if hrefEnd := strings.Index(part[hrefStart:], `"`); hrefEnd != -1 {
					rawURL := part[hrefStart : hrefStart+hrefEnd]
					if u, err := url.Parse(rawURL); err == nil {
						if uddg := u.Query().Get("uddg"); uddg != "" {
							result.URL = uddg
						} else {
							result.URL = rawURL
						}
					}
				}
			}
			if titleStart := strings.Index(part[idx:], ">"); titleStart != -1 {
				titleStart += idx + 1
				if titleEnd := strings.Index(part[titleStart:], "</a>"); titleEnd != -1 {
					result.Title = strings.TrimSpace(stripHTMLTags(part[titleStart : titleStart+titleEnd]))
				}
			}
		}

		if idx := strings.Index(part, `class="result__snippet"`); idx != -1 {
			if snippetStart := strings.Index(part[idx:], ">"); snippetStart != -1 {
				snippetStart += idx + 1
				snippetEnd := strings.Index(part[snippetStart:], "</a>")
				if snippetEnd == -1 {
					snippetEnd = strings.Index(part[snippetStart:], "</span>")
				}
				if snippetEnd != -1 {
					result.Snippet = strings.TrimSpace(stripHTMLTags(part[snippetStart : snippetStart+snippetEnd]))
				}
			}
		}

		if result.Title != "" && result.URL != "" {
			results = append(results, result)
		}
	}
	return results
}

func (t *WebSearchTool) searchGoogle(ctx context.Context, query string, limit int) ([]webSearchResult, error) {
	if limit > 10 {
		limit = 10
	}
	searchURL := fmt.Sprintf(
		"https://www.googleapis.com/customsearch/v1?key=%s&cx=%s&q=%s&num=%d",
		t.searchAPIKey, t.searchCX, url.QueryEscape(query), limit,
	)
	req, err := http.NewRequestWithContext(ctx, "GET", searchURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Google API error: %s", resp.Status)
	}

	var data struct {
		Items []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	results := make([]webSearchResult, 0, len(data.Items))
	for _, item := range data.Items {
		results = append(results, webSearchResult{Title: item.Title, URL: item.Link, Snippet: item.Snippet})
	}
	return results, nil
}

func stripHTMLTags(s string) string {
	var result strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			result.WriteRune(r)
		}
	}
	text := result.String()
	replacer := strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", "\"", "&#x27;", "'", "&nbsp;", " ")
	return replacer.Replace(text)
}
