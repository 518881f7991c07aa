package credential

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebolabs/nebo/internal/db"
	"github.com/nebolabs/nebo/internal/provider"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	Init(key)

	sqlStore, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	return NewStore(NewSettingsStore(sqlStore.DB()))
}

func TestCopilotRefresh(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.encryptedSet("github_copilot_oauth_access_token", "access-token"))
	require.NoError(t, store.encryptedSet("github_copilot_oauth_copilot_token", "old"))
	require.NoError(t, store.settings.Set("github_copilot_oauth_expires_at", "0"))

	now := time.Now().Unix()
	var gotAuth, gotEditor, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		gotEditor = r.Header.Get("Editor-Version")
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "new-copilot-token",
			"expires_at": now + 3600,
		})
	}))
	defer srv.Close()
	t.Setenv("NEBO_COPILOT_TOKEN_URL", srv.URL)

	token, err := store.GetValidCopilotToken(context.Background(), srv.Client())
	require.NoError(t, err)
	assert.Equal(t, "new-copilot-token", token)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "Bearer access-token", gotAuth)
	assert.NotEmpty(t, gotEditor)

	stored, ok := store.decryptedGet("github_copilot_oauth_copilot_token")
	require.True(t, ok)
	assert.Equal(t, "new-copilot-token", stored)

	rawExpiry, ok, err := store.settings.Get("github_copilot_oauth_expires_at")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strconv.FormatInt((now+3600)*1000, 10), rawExpiry)
}

func TestCopilotReusesUnexpiredToken(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.encryptedSet("github_copilot_oauth_access_token", "access-token"))
	require.NoError(t, store.encryptedSet("github_copilot_oauth_copilot_token", "still-good"))
	future := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, store.settings.Set("github_copilot_oauth_expires_at", strconv.FormatInt(future, 10)))

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	t.Setenv("NEBO_COPILOT_TOKEN_URL", srv.URL)

	token, err := store.GetValidCopilotToken(context.Background(), srv.Client())
	require.NoError(t, err)
	assert.Equal(t, "still-good", token)
	assert.Zero(t, calls, "no refresh round-trip for an unexpired token")
}

func TestCopilotRefreshFailureSurfacesStatusAndBody(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.encryptedSet("github_copilot_oauth_access_token", "access-token"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "copilot subscription required")
	}))
	defer srv.Close()
	t.Setenv("NEBO_COPILOT_TOKEN_URL", srv.URL)

	_, err := store.GetValidCopilotToken(context.Background(), srv.Client())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "copilot subscription required")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	Init(key)

	enc, err := Encrypt("secret-value")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(enc))
	assert.NotContains(t, enc, "secret-value")

	plain, err := Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "secret-value", plain)
}

func TestGetCredentialsResolutionOrder(t *testing.T) {
	store := testStore(t)

	cfg := provider.Config{ID: "anthropic", AuthType: provider.AuthAPIKey, SupportsOAuth: true}

	// No credentials at all.
	_, err := store.GetCredentials(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrAPIKeyNotConfigured)

	// API key only.
	require.NoError(t, store.SetAPIKey("anthropic", "sk-ant-xxx"))
	creds, err := store.GetCredentials(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, KindAPIKey, creds.Kind)
	assert.Equal(t, "sk-ant-xxx", creds.APIKey)

	// OAuth token wins over the API key.
	require.NoError(t, store.encryptedSet("claude_oauth_access_token", "oauth-tok"))
	creds, err = store.GetCredentials(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, KindOAuth, creds.Kind)
	assert.Equal(t, "oauth-tok", creds.OAuthToken)
}
