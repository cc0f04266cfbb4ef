package relaysync

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// NewPostgresProgressStore returns a store that keeps progress rows in
// Postgres. Concurrent commits for the same client are serialized with a
// transaction-scoped advisory lock. The connection is opened lazily.
func NewPostgresProgressStore(dsn string) (ProgressStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &sqlProgressStore{
		dialect:   sqlDialectPostgres,
		driver:    sqlDriverNamePostgres,
		dsn:       dsn,
		tableName: progressTableName,
		openDB:    sql.Open,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}
