package provider

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nebolabs/nebo/internal/logging"
)

// Protocol tags which of the three wire dialects a ProviderConfig speaks.
type Protocol string

const (
	ProtocolOpenAIChat      Protocol = "openai_chat"
	ProtocolOpenAIResponses Protocol = "openai_responses"
	ProtocolAnthropic       Protocol = "anthropic"
)

// AuthType selects how credentials are attached to outbound requests.
type AuthType string

const (
	AuthNone        AuthType = "none"
	AuthBearer      AuthType = "bearer"
	AuthAPIKey      AuthType = "api_key"
	AuthOAuthBearer AuthType = "oauth_bearer"
	AuthPlatformJWT AuthType = "platform_jwt"
)

// Config is the catalog entry for one provider.
type Config struct {
	ID                    string
	DisplayName           string
	Protocol              Protocol
	BaseURL               string
	APIKeyName            string
	SupportsOAuth         bool
	SupportsCodingPlan    bool
	SupportsInternational bool
	CodingPlanBaseURL     string
	InternationalBaseURL  string
	// OAuthBaseURL is the backend targeted once an OAuth token is present
	// (e.g. the ChatGPT backend for the Responses/Codex flow, ).
	OAuthBaseURL  string
	StaticHeaders map[string]string
	ExtraBody     json.RawMessage
	AuthType      AuthType
	// Custom marks an entry loaded from custom-providers.json rather than
	// the built-in catalog.
	Custom bool
}

// builtins is the static catalog of first-party providers.
func builtins() []Config {
	return []Config{
		{
			ID:          "openai",
			DisplayName: "OpenAI",
			Protocol:    ProtocolOpenAIChat,
			BaseURL:     "https://api.openai.com/v1",
			APIKeyName:  "api_key_openai",
			AuthType:    AuthBearer,
			// OAuth presence (ChatGPT/Codex login) forces the Responses
			// dialect against the ChatGPT backend.
			SupportsOAuth: true,
			OAuthBaseURL:  "https://chatgpt.com/backend-api/codex",
		},
		{
			ID:          "anthropic",
			DisplayName: "Anthropic",
			Protocol:    ProtocolAnthropic,
			BaseURL:     "https://api.anthropic.com/v1",
			APIKeyName:  "api_key_anthropic",
			AuthType:    AuthAPIKey,
		},
		{
			ID:            "github-copilot",
			DisplayName:   "GitHub Copilot",
			Protocol:      ProtocolOpenAIChat,
			BaseURL:       "https://api.githubcopilot.com",
			APIKeyName:    "api_key_github-copilot",
			AuthType:      AuthOAuthBearer,
			SupportsOAuth: true,
			StaticHeaders: map[string]string{
				"Editor-Version":         "nebo/1.0",
				"Editor-Plugin-Version":  "nebo-cli/1.0",
				"Copilot-Integration-Id": "vscode-chat",
			},
		},
	}
}

// CustomProviderEntry is one row of custom-providers.json.
type CustomProviderEntry struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	Type    string `json:"type"` // "Anthropic" | "OpenAiCompatible"
	APIKey  string `json:"api_key"`
	Enabled bool   `json:"enabled"`
}

// CustomProvidersFile is the on-disk shape of custom-providers.json.
type CustomProvidersFile struct {
	Version   int                            `json:"version"`
	Providers map[string]CustomProviderEntry `json:"providers"`
}

// Registry is the Provider Registry & Config (A): a catalog of built-in plus
// enabled custom providers, queryable by id.
type Registry struct {
	mu             sync.RWMutex
	configs        map[string]Config
	customPath     string
	customModified time.Time
}

// NewRegistry builds a registry seeded with the built-in catalog.
func NewRegistry() *Registry {
	r := &Registry{configs: make(map[string]Config)}
	for _, c := range builtins() {
		r.configs[c.ID] = c
	}
	return r
}

// List returns every catalog entry (built-in plus enabled custom).
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, 0, len(r.configs))
	for _, c := range r.configs {
		out = append(out, c)
	}
	return out
}

// Get returns the config for id, if known.
func (r *Registry) Get(id string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[id]
	return c, ok
}

// LoadCustomProviders reads custom-providers.json and registers every
// enabled entry as a Config, replacing any custom entries from a previous
// load. Re-entrant: safe to call again after the file changes.
func (r *Registry) LoadCustomProviders(path string) error {
	r.customPath = path
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file CustomProvidersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, c := range r.configs {
		if c.Custom {
			delete(r.configs, id)
		}
	}
	for id, entry := range file.Providers {
		if !entry.Enabled {
			continue
		}
		protocol := ProtocolOpenAIChat
		authType := AuthBearer
		if strings.EqualFold(entry.Type, "Anthropic") {
			protocol = ProtocolAnthropic
			authType = AuthAPIKey
		}
		r.configs[id] = Config{
			ID:          id,
			DisplayName: entry.Name,
			Protocol:    protocol,
			BaseURL:     entry.BaseURL,
			AuthType:    authType,
			Custom:      true,
		}
	}
	if st, err := os.Stat(path); err == nil {
		r.customModified = st.ModTime()
	}
	logging.Infof("provider: loaded %d custom provider(s) from %s", len(file.Providers), path)
	return nil
}

// CustomProvidersChanged reports whether the custom-providers file's mtime
// has moved since the last LoadCustomProviders call, i.e. whether a reload
// would pick up changes.
func (r *Registry) CustomProvidersChanged() bool {
	if r.customPath == "" {
		return false
	}
	st, err := os.Stat(r.customPath)
	if err != nil {
		return false
	}
	return st.ModTime().After(r.customModified)
}

// SettingsSource exposes just enough of the Credential Store (B) for base
// URL resolution: whether a boolean setting key is true.
type SettingsSource interface {
	Bool(key string) bool
}

// OAuthPresence reports whether provider id currently has a usable OAuth
// token, decoupling the registry from the Credential Store (B) to avoid an
// import cycle.
type OAuthPresence interface {
	HasOAuthToken(providerID string) bool
}

// ResolveBaseURL implements the base-URL resolution policy of
// testOverride, when non-empty, takes precedence over every other rule.
func ResolveBaseURL(cfg Config, oauth OAuthPresence, settings SettingsSource, testOverride string) string {
	if testOverride != "" {
		return testOverride
	}
	if cfg.SupportsOAuth && oauth != nil && oauth.HasOAuthToken(cfg.ID) && cfg.OAuthBaseURL != "" {
		return cfg.OAuthBaseURL
	}
	if settings != nil && cfg.SupportsCodingPlan && cfg.CodingPlanBaseURL != "" && settings.Bool("use_coding_plan_"+cfg.ID) {
		return cfg.CodingPlanBaseURL
	}
	if settings != nil && cfg.SupportsInternational && cfg.InternationalBaseURL != "" && settings.Bool("use_international_"+cfg.ID) {
		return cfg.InternationalBaseURL
	}
	return cfg.BaseURL
}

// codexMarker is the normalized-id substring that forces the Responses
// dialect for OpenAI even without an OAuth token present.
const codexMarker = "codex"

// ResolveEndpointPath implements endpoint-path resolution:
// Anthropic always uses "messages"; OpenAI chooses "responses" over
// "chat/completions" when OAuth is present or the model family is
// Responses-only (its normalized id contains the codex marker).
func ResolveEndpointPath(cfg Config, modelID string, hasOAuth bool) string {
	if cfg.Protocol == ProtocolAnthropic {
		return "messages"
	}
	normalized := NormalizeModelID(modelID)
	if hasOAuth || strings.Contains(normalized, codexMarker) {
		return "responses"
	}
	return "chat/completions"
}

// NormalizeModelID strips a leading "provider/" or "provider:" prefix and
// lower-cases the remainder, the shared normalization used by both endpoint
// resolution and the Responses codec's model-id mapping.
func NormalizeModelID(modelID string) string {
	id := modelID
	for _, sep := range []string{"/", ":"} {
		if i := strings.Index(id, sep); i >= 0 {
			id = id[i+1:]
		}
	}
	return strings.ToLower(id)
}
