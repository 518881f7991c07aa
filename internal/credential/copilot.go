package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/nebolabs/nebo/internal/logging"
)

// copilotTokenRefreshURL is the default endpoint GitHub Copilot exchanges a
// long-lived OAuth access token for a short-lived Copilot API token at.
const copilotTokenRefreshURL = "https://api.github.com/copilot_internal/v2/token"

// copilotTokenURLEnv redirects the token endpoint in test mode. It changes
// only the URL, never the header set or the persistence behavior.
const copilotTokenURLEnv = "NEBO_COPILOT_TOKEN_URL"

// copilotExpiryBuffer is how far ahead of the stated expiry we refresh, to
// avoid racing a request against token expiration mid-flight.
const copilotExpiryBuffer = 60 * time.Second

type copilotTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// GetValidCopilotToken implements the Copilot token refresh state machine:
// reuse the cached short-lived token while it has more than copilotExpiryBuffer
// left, otherwise exchange the long-lived OAuth access token for a fresh one
// and persist both the token and its expiry.
func (s *Store) GetValidCopilotToken(ctx context.Context, client *http.Client) (string, error) {
	if cached, expiresAt, ok := s.cachedCopilotToken(); ok {
		if time.Until(expiresAt) > copilotExpiryBuffer {
			return cached, nil
		}
	}

	accessToken, ok := s.decryptedGet("github_copilot_oauth_access_token")
	if !ok || accessToken == "" {
		return "", fmt.Errorf("github-copilot: no OAuth access token stored")
	}

	url := copilotTokenRefreshURL
	if enterprise, ok := s.decryptedGet("github_copilot_oauth_enterprise_url"); ok && enterprise != "" {
		url = enterprise
	}
	if override := os.Getenv(copilotTokenURLEnv); override != "" {
		url = override
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Editor-Version", "nebo/1.0")
	req.Header.Set("Editor-Plugin-Version", "nebo-cli/1.0")
	req.Header.Set("Copilot-Integration-Id", "vscode-chat")

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("github-copilot: token refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github-copilot: token refresh failed: %d %s", resp.StatusCode, string(body))
	}

	var parsed copilotTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("github-copilot: parsing token refresh response: %w", err)
	}
	if parsed.Token == "" {
		return "", fmt.Errorf("github-copilot: token refresh response missing token")
	}

	if err := s.encryptedSet("github_copilot_oauth_copilot_token", parsed.Token); err != nil {
		return "", err
	}
	expiresAtMs := parsed.ExpiresAt * 1000
	if err := s.settings.Set("github_copilot_oauth_expires_at", strconv.FormatInt(expiresAtMs, 10)); err != nil {
		return "", err
	}
	logging.Infof("credential: refreshed github-copilot token, expires at %s", time.Unix(parsed.ExpiresAt, 0))

	return parsed.Token, nil
}

// cachedCopilotToken returns the currently-stored short-lived token and its
// expiry, if any is cached.
func (s *Store) cachedCopilotToken() (token string, expiresAt time.Time, ok bool) {
	token, ok = s.decryptedGet("github_copilot_oauth_copilot_token")
	if !ok {
		return "", time.Time{}, false
	}
	raw, present, err := s.settings.Get("github_copilot_oauth_expires_at")
	if err != nil || !present || raw == "" {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return token, time.UnixMilli(ms), true
}
