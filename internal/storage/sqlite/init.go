package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const (
	dirPerm  = 0o755
	inMemory = ":memory:"
)

// schema is applied in order on every start; each statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model_id TEXT NOT NULL,
		label TEXT NOT NULL,
		files TEXT NOT NULL,
		dir TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		error_kind TEXT,
		bytes INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS downloads_model_id ON downloads (model_id, finished_at)`,
}

// InitDB opens the download history at path and brings its schema up to
// date. The parent directory is created when missing.
func InitDB(path string) (*sql.DB, error) {
	if path != inMemory {
		if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// One connection: writers are serialised and ":memory:" stays the same
	// database for the lifetime of db.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()

			return nil, fmt.Errorf("failed to apply history schema: %w", err)
		}
	}

	return db, nil
}
