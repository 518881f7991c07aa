package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nebolabs/nebo/internal/credential"
)

// AuthProfile represents one credential row for a provider, persisted in the
// auth_profiles table (Credential Store, ).
type AuthProfile struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Provider      string            `json:"provider"`
	APIKey        string            `json:"api_key"`
	Model         string            `json:"model,omitempty"`
	BaseURL       string            `json:"base_url,omitempty"`
	Priority      int               `json:"priority"`
	IsActive      bool              `json:"is_active"`
	CooldownUntil *time.Time        `json:"cooldown_until,omitempty"`
	LastUsedAt    *time.Time        `json:"last_used_at,omitempty"`
	UsageCount    int               `json:"usage_count"`
	ErrorCount    int               `json:"error_count"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// AuthProfileManager manages API key profiles against the auth_profiles
// table via hand-written database/sql (no sqlc codegen — see DESIGN.md).
type AuthProfileManager struct {
	db *sql.DB
}

// NewAuthProfileManager wraps the shared connection. Schema comes from
// internal/db/migrations/0005_auth_profiles.sql.
func NewAuthProfileManager(sqlDB *sql.DB) (*AuthProfileManager, error) {
	if sqlDB == nil {
		return nil, sql.ErrConnDone
	}
	return &AuthProfileManager{db: sqlDB}, nil
}

// Close is a no-op since we use a shared connection.
func (m *AuthProfileManager) Close() error { return nil }

func scanAuthProfile(row interface {
	Scan(dest ...any) error
}) (*AuthProfile, error) {
	var (
		p                         AuthProfile
		model, baseURL, metadata  sql.NullString
		cooldownUntil, lastUsedAt sql.NullInt64
		isActive                  int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Provider, &p.APIKey, &model, &baseURL,
		&p.Priority, &isActive, &cooldownUntil, &lastUsedAt, &p.UsageCount, &p.ErrorCount, &metadata); err != nil {
		return nil, err
	}
	p.Model = model.String
	p.BaseURL = baseURL.String
	p.IsActive = isActive == 1
	if cooldownUntil.Valid {
		t := time.Unix(cooldownUntil.Int64, 0)
		p.CooldownUntil = &t
	}
	if lastUsedAt.Valid {
		t := time.Unix(lastUsedAt.Int64, 0)
		p.LastUsedAt = &t
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &p.Metadata)
	}
	// Decrypt api_key — handles both "enc:"-prefixed and legacy plaintext rows.
	if decrypted, err := credential.Decrypt(p.APIKey); err == nil {
		p.APIKey = decrypted
	}
	return &p, nil
}

const selectProfileCols = `id, name, provider, api_key, model, base_url, priority, is_active, cooldown_until, last_used_at, usage_count, error_count, metadata`

// GetBestProfile returns the highest-priority active profile for a provider
// that is not on cooldown, breaking ties by least-recently-used.
func (m *AuthProfileManager) GetBestProfile(ctx context.Context, provider string) (*AuthProfile, error) {
	now := time.Now().Unix()
	row := m.db.QueryRowContext(ctx, `
		SELECT `+selectProfileCols+` FROM auth_profiles
		WHERE provider = ? AND is_active = 1 AND (cooldown_until IS NULL OR cooldown_until < ?)
		ORDER BY priority DESC, COALESCE(last_used_at, 0) ASC, error_count ASC
		LIMIT 1`, provider, now)
	p, err := scanAuthProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (m *AuthProfileManager) listProfiles(ctx context.Context, query string, args ...any) ([]AuthProfile, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuthProfile
	for rows.Next() {
		p, err := scanAuthProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListActiveProfiles returns active profiles for a provider that are NOT on
// cooldown — used for request-level profile selection (round-robin, failover).
func (m *AuthProfileManager) ListActiveProfiles(ctx context.Context, provider string) ([]AuthProfile, error) {
	return m.listProfiles(ctx, `
		SELECT `+selectProfileCols+` FROM auth_profiles
		WHERE provider = ? AND is_active = 1 AND (cooldown_until IS NULL OR cooldown_until < ?)
		ORDER BY priority DESC`, provider, time.Now().Unix())
}

// ListAllActiveProfiles returns ALL active profiles for a provider,
// regardless of cooldown — used for provider existence checks.
func (m *AuthProfileManager) ListAllActiveProfiles(ctx context.Context, provider string) ([]AuthProfile, error) {
	return m.listProfiles(ctx, `
		SELECT `+selectProfileCols+` FROM auth_profiles
		WHERE provider = ? AND is_active = 1
		ORDER BY priority DESC`, provider)
}

// RecordUsage marks a profile as successfully used.
func (m *AuthProfileManager) RecordUsage(ctx context.Context, profileID string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE auth_profiles SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), time.Now().Unix(), profileID)
	return err
}

// RecordError marks a profile as having had an error.
func (m *AuthProfileManager) RecordError(ctx context.Context, profileID string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE auth_profiles SET error_count = error_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), profileID)
	return err
}

// SetCooldown puts a profile on cooldown until the specified time.
func (m *AuthProfileManager) SetCooldown(ctx context.Context, profileID string, until time.Time) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE auth_profiles SET cooldown_until = ?, updated_at = ? WHERE id = ?`,
		until.Unix(), time.Now().Unix(), profileID)
	return err
}

// ErrorReason categorizes the type of error for cooldown duration.
type ErrorReason string

const (
	ErrorReasonBilling   ErrorReason = "billing"
	ErrorReasonRateLimit ErrorReason = "rate_limit"
	ErrorReasonAuth      ErrorReason = "auth"
	ErrorReasonTimeout   ErrorReason = "timeout"
	ErrorReasonOther     ErrorReason = "other"
)

func toErrorReason(reason string) ErrorReason {
	switch reason {
	case "billing":
		return ErrorReasonBilling
	case "rate_limit":
		return ErrorReasonRateLimit
	case "auth":
		return ErrorReasonAuth
	case "timeout":
		return ErrorReasonTimeout
	default:
		return ErrorReasonOther
	}
}

// RecordErrorWithCooldownString records an error with a string reason
// (implements ai.ProfileTracker).
func (m *AuthProfileManager) RecordErrorWithCooldownString(ctx context.Context, profileID string, reason string) error {
	return m.RecordErrorWithCooldown(ctx, profileID, toErrorReason(reason))
}

// RecordErrorWithCooldown records an error and applies exponential backoff.
func (m *AuthProfileManager) RecordErrorWithCooldown(ctx context.Context, profileID string, reason ErrorReason) error {
	if err := m.RecordError(ctx, profileID); err != nil {
		return err
	}

	var errCount int
	if err := m.db.QueryRowContext(ctx, `SELECT error_count FROM auth_profiles WHERE id = ?`, profileID).Scan(&errCount); err != nil {
		return err
	}

	cooldownUntil := time.Now().Add(calculateCooldownDuration(errCount, reason))
	return m.SetCooldown(ctx, profileID, cooldownUntil)
}

// calculateCooldownDuration computes exponential backoff: 60s * 5^(errorCount-1),
// capped per error-reason category.
func calculateCooldownDuration(errorCount int, reason ErrorReason) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}

	baseSeconds := 60
	multiplier := 1
	for i := 1; i < errorCount; i++ {
		multiplier *= 5
		if multiplier > 3600 {
			multiplier = 3600
			break
		}
	}
	cooldownSeconds := baseSeconds * multiplier

	var maxSeconds int
	switch reason {
	case ErrorReasonBilling, ErrorReasonAuth:
		maxSeconds = 86400
	case ErrorReasonRateLimit:
		maxSeconds = 3600
	case ErrorReasonTimeout:
		maxSeconds = 300
	default:
		maxSeconds = 3600
	}
	if cooldownSeconds > maxSeconds {
		cooldownSeconds = maxSeconds
	}
	return time.Duration(cooldownSeconds) * time.Second
}

// ResetErrorCountIfStale resets error_count to 0 if the profile hasn't been
// touched within the 24h failure window.
func (m *AuthProfileManager) ResetErrorCountIfStale(ctx context.Context, profileID string) error {
	failureWindowStart := time.Now().Unix() - 86400
	_, err := m.db.ExecContext(ctx,
		`UPDATE auth_profiles SET error_count = 0 WHERE id = ? AND updated_at < ?`,
		profileID, failureWindowStart)
	return err
}

// CreateProfile inserts a new auth profile, encrypting the API key at rest.
func (m *AuthProfileManager) CreateProfile(ctx context.Context, p *AuthProfile) error {
	var metadata sql.NullString
	if len(p.Metadata) > 0 {
		data, _ := json.Marshal(p.Metadata)
		metadata = sql.NullString{String: string(data), Valid: true}
	}
	isActive := int64(0)
	if p.IsActive {
		isActive = 1
	}
	encKey, err := credential.Encrypt(p.APIKey)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO auth_profiles (id, name, provider, api_key, model, base_url, priority, is_active, usage_count, error_count, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`,
		p.ID, p.Name, p.Provider, encKey,
		sql.NullString{String: p.Model, Valid: p.Model != ""},
		sql.NullString{String: p.BaseURL, Valid: p.BaseURL != ""},
		p.Priority, isActive, metadata, now, now)
	return err
}

// DeleteProfile removes a profile.
func (m *AuthProfileManager) DeleteProfile(ctx context.Context, profileID string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM auth_profiles WHERE id = ?`, profileID)
	return err
}
