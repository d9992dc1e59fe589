package timeline

import (
	_ "embed"
	"errors"

	"github.com/lib/pq"
)

//go:embed schema/postgres.sql
var postgresSchema string

const postgresUniqueViolation = "23505"

func postgresDialect() sqlDialect {
	return sqlDialect{
		name:              "postgres",
		driverName:        "postgres",
		schema:            postgresSchema,
		forUpdate:         " FOR UPDATE",
		numberedParams:    true,
		isUniqueViolation: isPostgresUniqueViolation,
	}
}

// NewPostgresBackend returns a backend for a postgres:// DSN. The connection
// is established lazily by the first transaction.
func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	return newSQLBackend(dsn, postgresDialect())
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == postgresUniqueViolation
	}
	return false
}
