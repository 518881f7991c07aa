package db

import "database/sql"

// Store wraps the shared SQLite connection used by the Session Manager (G)
// and the Tracing Writer (J). SQLite is pinned to a single connection
// (see NewSQLite) so every caller serializes through the same *sql.DB.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-opened, already-migrated connection.
func NewStore(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

// DB returns the underlying connection for components that need to share it
// (e.g. the Tracing Writer writing to the same file).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}
