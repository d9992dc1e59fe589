package timeline

import (
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

func sqliteDialect() sqlDialect {
	return sqlDialect{
		name:       "sqlite",
		driverName: "sqlite",
		schema:     sqliteSchema,
		// A single connection serializes transactions.
		maxOpenConns:      1,
		isUniqueViolation: isSQLiteUniqueViolation,
	}
}

// NewSQLiteBackend opens (lazily) a SQLite database file at path.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required: %w", ErrInvalidInput)
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	return newSQLBackend(dsn, sqliteDialect())
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
