package engine

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// indexDSN builds the SQLite DSN for the stream index. Write-ahead journaling
// and foreign keys are part of the engine's contract, not tunables.
func indexDSN(path string) string {
	return path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=NORMAL"
}

// openIndexDB opens the relational index and brings its schema up to date.
func openIndexDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", indexDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}

	// SQLite allows one writer; extra connections just queue behind the
	// busy timeout and make "database is locked" failures more likely.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping index database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index database: %w", err)
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	sub, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(context.Background()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
