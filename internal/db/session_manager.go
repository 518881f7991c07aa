package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nebolabs/nebo/internal/agent/session"
)

// SessionManager implements the Session Manager (G): persistent
// conversations, ordered messages, status transitions. Backed by
// hand-written database/sql against the sessions/messages tables — no sqlc
// codegen (see DESIGN.md).
type SessionManager struct {
	db *sql.DB
}

// NewSessionManager builds a manager over a shared Store.
func NewSessionManager(store *Store) *SessionManager {
	return &SessionManager{db: store.DB()}
}

// NewSessionManagerFromDB builds a manager directly from a raw connection —
// used by tests and by callers that don't go through Store.
func NewSessionManagerFromDB(sqlDB *sql.DB) *SessionManager {
	return &SessionManager{db: sqlDB}
}

func (m *SessionManager) GetDB() *sql.DB { return m.db }

// CreateSession inserts a new Session.
func (m *SessionManager) CreateSession(projectID, settings string) (*session.Session, error) {
	now := time.Now()
	s := &session.Session{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Status:    session.StatusActive,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := m.db.Exec(
		`INSERT INTO sessions (id, project_id, status, settings, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.ProjectID, string(s.Status), s.Settings, s.CreatedAt.Unix(), s.UpdatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// ActivateSession marks a session Active, creating it if it does not exist.
// Callers address sessions by an opaque id they control.
func (m *SessionManager) ActivateSession(id, projectID string) (*session.Session, error) {
	s, err := m.GetSession(id)
	if err == nil {
		if s.Status != session.StatusActive {
			if err := m.UpdateSessionStatus(id, session.StatusActive, ""); err != nil {
				return nil, err
			}
			s.Status = session.StatusActive
		}
		return s, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now()
	s = &session.Session{
		ID:        id,
		ProjectID: projectID,
		Status:    session.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = m.db.Exec(
		`INSERT INTO sessions (id, project_id, status, settings, created_at, updated_at) VALUES (?, ?, ?, '', ?, ?)`,
		s.ID, s.ProjectID, string(s.Status), s.CreatedAt.Unix(), s.UpdatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("activate session: %w", err)
	}
	return s, nil
}

// GetSession looks up a session by id. Returns sql.ErrNoRows if absent.
func (m *SessionManager) GetSession(id string) (*session.Session, error) {
	row := m.db.QueryRow(
		`SELECT id, project_id, status, settings, created_at, updated_at FROM sessions WHERE id = ?`, id,
	)
	var s session.Session
	var status string
	var createdAt, updatedAt int64
	if err := row.Scan(&s.ID, &s.ProjectID, &status, &s.Settings, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.Status = session.Status(status)
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	return &s, nil
}

// UpdateSessionStatus transitions a session's status. errMsg is folded into
// settings as a best-effort diagnostic trail; it is not a structured column
// since leaves Session.error untyped.
func (m *SessionManager) UpdateSessionStatus(id string, status session.Status, errMsg string) error {
	_, err := m.db.Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if errMsg != "" {
		_, _ = m.db.Exec(`UPDATE sessions SET settings = json_set(coalesce(nullif(settings,''),'{}'), '$.last_error', ?) WHERE id = ?`, errMsg, id)
	}
	return nil
}

// AddMessage appends a message, skipping truly empty ones (no content parts
// at all) to avoid ghost records from failed runs.
func (m *SessionManager) AddMessage(msg session.Message) (int64, error) {
	if msg.IsEmpty() {
		return 0, nil
	}

	content, err := json.Marshal(msg.Content)
	if err != nil {
		return 0, fmt.Errorf("marshal message content: %w", err)
	}

	now := msg.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	var parentID sql.NullInt64
	if msg.ParentID != nil {
		parentID = sql.NullInt64{Int64: *msg.ParentID, Valid: true}
	}

	res, err := m.db.Exec(
		`INSERT INTO messages (session_id, role, content, tool_call_id, parent_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SessionID, string(msg.Role), string(content), msg.ToolCallID, parentID, now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return res.LastInsertId()
}

// GetMessages returns messages for a session ordered by (created_at, id),
// honoring an optional offset/limit window.
// limit <= 0 means unbounded.
func (m *SessionManager) GetMessages(sessionID string, offset, limit int) ([]session.Message, error) {
	query := `SELECT id, session_id, role, content, tool_call_id, parent_id, created_at
	 FROM messages WHERE session_id = ? ORDER BY created_at, id`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	} else if offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, offset)
	}

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []session.Message
	for rows.Next() {
		var msg session.Message
		var role, content string
		var parentID sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &content, &msg.ToolCallID, &parentID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = session.Role(role)
		msg.CreatedAt = time.Unix(createdAt, 0)
		msg.InsertKey = msg.ID
		if parentID.Valid {
			id := parentID.Int64
			msg.ParentID = &id
		}
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("unmarshal message content: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ListSessions returns sessions for a project (or all sessions if
// projectID is empty), newest first.
func (m *SessionManager) ListSessions(projectID string) ([]session.Session, error) {
	var rows *sql.Rows
	var err error
	if projectID == "" {
		rows, err = m.db.Query(`SELECT id, project_id, status, settings, created_at, updated_at FROM sessions ORDER BY created_at DESC`)
	} else {
		rows, err = m.db.Query(`SELECT id, project_id, status, settings, created_at, updated_at FROM sessions WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		var s session.Session
		var status string
		var createdAt, updatedAt int64
		if err := rows.Scan(&s.ID, &s.ProjectID, &status, &s.Settings, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		s.Status = session.Status(status)
		s.CreatedAt = time.Unix(createdAt, 0)
		s.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its messages (ON DELETE CASCADE).
func (m *SessionManager) DeleteSession(id string) error {
	_, err := m.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// Compact replaces a session's message history with a single summary
// message, preserving the session row itself.
func (m *SessionManager) Compact(sessionID, summary string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		tx.Rollback()
		return fmt.Errorf("compact: clear messages: %w", err)
	}
	content, err := json.Marshal([]session.ContentPart{{Type: session.PartText, Text: summary}})
	if err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO messages (session_id, role, content, tool_call_id, created_at) VALUES (?, ?, ?, '', ?)`,
		sessionID, string(session.RoleUser), string(content), time.Now().Unix(),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("compact: insert summary: %w", err)
	}
	return tx.Commit()
}

// Reset clears all messages from a session without deleting the session row.
func (m *SessionManager) Reset(id string) error {
	_, err := m.db.Exec(`DELETE FROM messages WHERE session_id = ?`, id)
	return err
}

// Close is a no-op; the underlying connection is owned by Store.
func (m *SessionManager) Close() error { return nil }
