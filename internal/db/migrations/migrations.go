// Package migrations embeds the goose SQL migrations applied to the SQLite
// store shared by the Session Manager (G) and the Tracing Writer (J).
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var embedFS embed.FS

// Run applies every pending migration in order. Safe to call on every
// process start; goose tracks applied versions in its own table.
func Run(db *sql.DB) error {
	goose.SetBaseFS(embedFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
