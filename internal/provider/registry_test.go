package provider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOAuth map[string]bool

func (f fakeOAuth) HasOAuthToken(id string) bool { return f[id] }

type fakeSettings map[string]bool

func (f fakeSettings) Bool(key string) bool { return f[key] }

func TestResolveBaseURLPrecedence(t *testing.T) {
	cfg := Config{
		ID:                    "openai",
		BaseURL:               "https://api.openai.com/v1",
		SupportsOAuth:         true,
		OAuthBaseURL:          "https://chatgpt.com/backend-api/codex",
		SupportsCodingPlan:    true,
		CodingPlanBaseURL:     "https://coding.example.com/v1",
		SupportsInternational: true,
		InternationalBaseURL:  "https://intl.example.com/v1",
	}

	// Test override beats everything.
	assert.Equal(t, "http://127.0.0.1:1", ResolveBaseURL(cfg, fakeOAuth{"openai": true}, fakeSettings{}, "http://127.0.0.1:1"))

	// OAuth beats coding plan and international.
	assert.Equal(t, cfg.OAuthBaseURL, ResolveBaseURL(cfg, fakeOAuth{"openai": true},
		fakeSettings{"use_coding_plan_openai": true}, ""))

	// Coding plan beats international.
	assert.Equal(t, cfg.CodingPlanBaseURL, ResolveBaseURL(cfg, fakeOAuth{},
		fakeSettings{"use_coding_plan_openai": true, "use_international_openai": true}, ""))

	// International beats standard.
	assert.Equal(t, cfg.InternationalBaseURL, ResolveBaseURL(cfg, fakeOAuth{},
		fakeSettings{"use_international_openai": true}, ""))

	// Standard fallback.
	assert.Equal(t, cfg.BaseURL, ResolveBaseURL(cfg, fakeOAuth{}, fakeSettings{}, ""))
}

func TestResolveEndpointPath(t *testing.T) {
	anthropic := Config{ID: "anthropic", Protocol: ProtocolAnthropic}
	assert.Equal(t, "messages", ResolveEndpointPath(anthropic, "claude-sonnet-4-5", false))
	assert.Equal(t, "messages", ResolveEndpointPath(anthropic, "anything", true))

	openai := Config{ID: "openai", Protocol: ProtocolOpenAIChat}
	assert.Equal(t, "chat/completions", ResolveEndpointPath(openai, "gpt-4o", false))
	assert.Equal(t, "responses", ResolveEndpointPath(openai, "gpt-4o", true))
	// The codex marker forces responses without OAuth.
	assert.Equal(t, "responses", ResolveEndpointPath(openai, "gpt-5.1-codex-max", false))
	assert.Equal(t, "responses", ResolveEndpointPath(openai, "openai/GPT-5-Codex", false))
}

func TestNormalizeModelID(t *testing.T) {
	assert.Equal(t, "gpt-4o", NormalizeModelID("openai/GPT-4o"))
	assert.Equal(t, "claude-opus", NormalizeModelID("anthropic:claude-opus"))
	assert.Equal(t, "plain", NormalizeModelID("plain"))
}

func TestLoadCustomProviders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom-providers.json")
	doc := `{
		"version": 1,
		"providers": {
			"my-claude": {"name": "My Claude", "base_url": "https://claude.local/v1", "type": "Anthropic", "enabled": true},
			"disabled-one": {"name": "Off", "base_url": "https://off.local", "type": "OpenAiCompatible", "enabled": false}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadCustomProviders(path))

	cfg, ok := r.Get("my-claude")
	require.True(t, ok)
	assert.Equal(t, ProtocolAnthropic, cfg.Protocol)
	assert.Equal(t, AuthAPIKey, cfg.AuthType)
	assert.True(t, cfg.Custom)

	_, ok = r.Get("disabled-one")
	assert.False(t, ok)

	// Built-ins survive a reload.
	_, ok = r.Get("openai")
	assert.True(t, ok)

	// A second load replaces custom entries instead of accumulating.
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"providers":{}}`), 0o644))
	require.NoError(t, r.LoadCustomProviders(path))
	_, ok = r.Get("my-claude")
	assert.False(t, ok)
}
