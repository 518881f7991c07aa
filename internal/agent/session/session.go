// Package session holds the protocol-agnostic domain types shared by the
// provider codecs (C), the agent loop (F) and the session manager (G):
// canonical messages, sessions and the codec-side history sanitizer.
// Persistence lives in internal/db; this package never imports it.
package session

import "time"

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusActive    Status = "active"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Session is a persistent conversation.
type Session struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	Status    Status    `json:"status"`
	Settings  string    `json:"settings,omitempty"` // opaque JSON blob
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
