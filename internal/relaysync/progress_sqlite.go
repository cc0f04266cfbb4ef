package relaysync

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

// NewSQLiteProgressStore returns a store backed by a single SQLite file.
// SQLite allows one writer, so the pool is pinned to one connection and
// commits for every client run one after another.
func NewSQLiteProgressStore(path string) (ProgressStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &sqlProgressStore{
		dialect:   sqlDialectSQLite,
		driver:    sqlDriverNameSQLite,
		dsn:       path,
		tableName: progressTableName,
		openDB:    sql.Open,
		prepare:   prepareSQLite(path),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func prepareSQLite(path string) func(db *sql.DB) error {
	return func(db *sql.DB) error {
		if path != ":memory:" && !strings.HasPrefix(path, "file:") {
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range sqlitePragmas {
			if _, err := db.Exec(pragma); err != nil {
				return fmt.Errorf("sqlite %q: %w", pragma, err)
			}
		}
		return nil
	}
}
