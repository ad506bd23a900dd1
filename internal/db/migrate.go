package db

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

// RunMigrations executes all pending goose migrations against the ingestion store.
// The migration SQL is portable between SQLite and PostgreSQL.
func RunMigrations(db *sql.DB, dialect Dialect) error {
	goose.SetBaseFS(EmbedMigrations)

	gooseDialect := "sqlite3"
	if dialect == DialectPostgres {
		gooseDialect = "postgres"
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}
