package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nebolabs/nebo/internal/agent/session"
	"github.com/nebolabs/nebo/internal/db/migrations"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := migrations.Run(sqlDB); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return sqlDB
}

func TestSessionManagerCreateAndFetch(t *testing.T) {
	sqlDB := openTestDB(t)
	defer sqlDB.Close()

	m := NewSessionManagerFromDB(sqlDB)

	s, err := m.CreateSession("proj-1", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if s.Status != session.StatusActive {
		t.Errorf("expected active status, got %s", s.Status)
	}

	got, err := m.GetSession(s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.ID != s.ID || got.ProjectID != "proj-1" {
		t.Errorf("unexpected session: %+v", got)
	}
}

func TestSessionManagerMessagesOrdered(t *testing.T) {
	sqlDB := openTestDB(t)
	defer sqlDB.Close()
	m := NewSessionManagerFromDB(sqlDB)

	s, _ := m.CreateSession("", "")

	for i := 0; i < 5; i++ {
		msg := session.NewTextMessage(session.RoleUser, "ping")
		msg.SessionID = s.ID
		if _, err := m.AddMessage(msg); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}

	msgs, err := m.GetMessages(s.ID, 0, 0)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].InsertKey <= msgs[i-1].InsertKey {
			t.Errorf("messages not monotonically ordered: %d <= %d", msgs[i].InsertKey, msgs[i-1].InsertKey)
		}
	}

	limited, err := m.GetMessages(s.ID, 1, 2)
	if err != nil {
		t.Fatalf("get messages with window: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 messages in window, got %d", len(limited))
	}
}

func TestSessionManagerEmptyMessageSkipped(t *testing.T) {
	sqlDB := openTestDB(t)
	defer sqlDB.Close()
	m := NewSessionManagerFromDB(sqlDB)

	s, _ := m.CreateSession("", "")
	id, err := m.AddMessage(session.Message{SessionID: s.ID, Role: session.RoleUser})
	if err != nil {
		t.Fatalf("add empty message: %v", err)
	}
	if id != 0 {
		t.Errorf("expected empty message to be skipped, got id %d", id)
	}

	msgs, _ := m.GetMessages(s.ID, 0, 0)
	if len(msgs) != 0 {
		t.Errorf("expected 0 messages, got %d", len(msgs))
	}
}

func TestSessionManagerReset(t *testing.T) {
	sqlDB := openTestDB(t)
	defer sqlDB.Close()
	m := NewSessionManagerFromDB(sqlDB)

	s, _ := m.CreateSession("", "")
	msg := session.NewTextMessage(session.RoleUser, "hi")
	msg.SessionID = s.ID
	m.AddMessage(msg)

	if err := m.Reset(s.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	msgs, _ := m.GetMessages(s.ID, 0, 0)
	if len(msgs) != 0 {
		t.Errorf("expected 0 messages after reset, got %d", len(msgs))
	}
}
