// Package credential implements the Credential Store (B): persisted API
// keys and OAuth tokens, Copilot token auto-refresh, and typed credential
// resolution per provider.
package credential

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nebolabs/nebo/internal/provider"
)

// SettingsStore is the single key/value table backing the Credential Store.
type SettingsStore struct {
	db *sql.DB
}

// NewSettingsStore wraps the shared SQLite connection. Schema comes from
// internal/db/migrations/0003_settings.sql.
func NewSettingsStore(sqlDB *sql.DB) *SettingsStore {
	return &SettingsStore{db: sqlDB}
}

// Get returns the raw (still-possibly-encrypted) value for key.
func (s *SettingsStore) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set upserts a raw value for key.
func (s *SettingsStore) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	return err
}

// List returns every key/value pair whose key starts with prefix.
func (s *SettingsStore) List(prefix string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings WHERE key LIKE ? ESCAPE '\'`, escapeLikePrefix(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Bool implements provider.SettingsSource: a setting is true iff it is
// present and equals "true" or "1".
func (s *SettingsStore) Bool(key string) bool {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return false
	}
	return v == "true" || v == "1"
}

func escapeLikePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}

// Kind discriminates the Credentials sum type.
type Kind int

const (
	KindNone Kind = iota
	KindAPIKey
	KindOAuth
)

// Credentials is the typed variant get_credentials resolves to.
type Credentials struct {
	Kind       Kind
	APIKey     string
	OAuthToken string
	AccountID  string
}

// Store is the Credential Store (B): settings-table access plus derived
// operations (load_api_keys, get_credentials, has_oauth_token, …).
type Store struct {
	settings *SettingsStore
}

// NewStore builds the Credential Store over a SettingsStore.
func NewStore(settings *SettingsStore) *Store {
	return &Store{settings: settings}
}

// Settings exposes the underlying KV store (e.g. for provider.SettingsSource).
func (s *Store) Settings() *SettingsStore { return s.settings }

func (s *Store) decryptedGet(key string) (string, bool) {
	raw, ok, err := s.settings.Get(key)
	if err != nil || !ok || raw == "" {
		return "", false
	}
	plain, err := Decrypt(raw)
	if err != nil {
		return "", false
	}
	return plain, plain != ""
}

func (s *Store) encryptedSet(key, value string) error {
	enc, err := Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", key, err)
	}
	return s.settings.Set(key, enc)
}

// LoadAPIKeys returns provider_id → key for every api_key_<id> row with a
// non-empty decrypted value.
func (s *Store) LoadAPIKeys() map[string]string {
	rows, err := s.settings.List("api_key_")
	out := make(map[string]string)
	if err != nil {
		return out
	}
	for key := range rows {
		id := strings.TrimPrefix(key, "api_key_")
		if v, ok := s.decryptedGet(key); ok {
			out[id] = v
		}
	}
	return out
}

// SetAPIKey stores (encrypted) the api key for providerID.
func (s *Store) SetAPIKey(providerID, apiKey string) error {
	return s.encryptedSet("api_key_"+providerID, apiKey)
}

// oauthTokenKey returns the settings key holding the OAuth access token for
// a built-in OAuth-capable provider, or "" if the provider has no dedicated
// OAuth settings key.
func oauthTokenKey(providerID string) string {
	switch providerID {
	case "openai":
		return "openai_oauth_access_token"
	case "anthropic":
		return "claude_oauth_access_token"
	case "github-copilot":
		return "github_copilot_oauth_access_token"
	default:
		return ""
	}
}

// HasOAuthToken implements provider.OAuthPresence: true iff a non-empty
// OAuth token is stored for providerID.
func (s *Store) HasOAuthToken(providerID string) bool {
	key := oauthTokenKey(providerID)
	if key == "" {
		return false
	}
	_, ok := s.decryptedGet(key)
	return ok
}

// LoadOAuthTokens returns provider_id → token for every known OAuth-capable
// provider that currently has a token stored.
func (s *Store) LoadOAuthTokens() map[string]string {
	out := make(map[string]string)
	for _, id := range []string{"openai", "anthropic", "github-copilot"} {
		if v, ok := s.decryptedGet(oauthTokenKey(id)); ok {
			out[id] = v
		}
	}
	return out
}

// ErrAPIKeyNotConfigured is returned by GetCredentials when no usable
// credential exists for a Bearer/ApiKey/OAuthBearer provider.
var ErrAPIKeyNotConfigured = fmt.Errorf("API key not configured")

// GetCredentials resolves the typed credential variant for cfg by
// inspecting auth_type and OAuth presence. Resolution order
// for Bearer/ApiKey/OAuthBearer: OAuth token (if supported) → stored
// api_key_<id> setting → ErrAPIKeyNotConfigured. Custom providers resolve
// through the same api_key_<id> setting; the api_key field of
// custom-providers.json is not read. client is
// used only for the github-copilot refresh round-trip, typically the
// Streaming Driver's shared *http.Client.
func (s *Store) GetCredentials(ctx context.Context, cfg provider.Config, client *http.Client) (Credentials, error) {
	if cfg.AuthType == provider.AuthNone {
		return Credentials{Kind: KindNone}, nil
	}

	if cfg.SupportsOAuth {
		if cfg.ID == "github-copilot" {
			if s.HasOAuthToken(cfg.ID) {
				token, err := s.GetValidCopilotToken(ctx, client)
				if err != nil {
					return Credentials{}, err
				}
				return Credentials{Kind: KindOAuth, OAuthToken: token}, nil
			}
		} else if token, ok := s.decryptedGet(oauthTokenKey(cfg.ID)); ok {
			account, _ := s.decryptedGet(cfg.ID + "_oauth_account_id")
			return Credentials{Kind: KindOAuth, OAuthToken: token, AccountID: account}, nil
		}
	}

	if key, ok := s.decryptedGet("api_key_" + cfg.ID); ok {
		return Credentials{Kind: KindAPIKey, APIKey: key}, nil
	}

	if cfg.Custom {
		if key, ok := s.decryptedGet("api_key_" + cfg.ID); ok {
			return Credentials{Kind: KindAPIKey, APIKey: key}, nil
		}
	}

	return Credentials{}, ErrAPIKeyNotConfigured
}
