package relaysync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const (
	progressTableName     = "relaysync_client_progress"
	sqlOperationTimeout   = 5 * time.Second
	sqlDialectPostgres    = "postgres"
	sqlDialectSQLite      = "sqlite"
	sqlDriverNamePostgres = "postgres"
	sqlDriverNameSQLite   = "sqlite3"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlProgressStore implements ProgressStore over database/sql. Dialect
// differences are limited to placeholders, DDL and per-client locking.
type sqlProgressStore struct {
	dialect   string
	driver    string
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	prepare   func(db *sql.DB) error
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func (s *sqlProgressStore) Name() string {
	return s.dialect
}

func (s *sqlProgressStore) bind(n int) string {
	if s.dialect == sqlDialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *sqlProgressStore) table() string {
	return sqlQuoteIdentifier(s.tableName)
}

func (s *sqlProgressStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.prepare != nil {
			if err := s.prepare(db); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		timestampType := "TIMESTAMPTZ"
		if s.dialect == sqlDialectSQLite {
			timestampType = "DATETIME"
		}
		createTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				user_id TEXT NOT NULL,
				client_id TEXT NOT NULL,
				client_group_id TEXT NOT NULL DEFAULT '',
				namespace TEXT NOT NULL DEFAULT '',
				last_mutation_id BIGINT NOT NULL DEFAULT 0,
				updated_at %s NOT NULL,
				PRIMARY KEY (user_id, client_id)
			)`, s.table(), timestampType)
		if _, err := db.ExecContext(ctx, createTable); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		indexName := s.tableName + "_group_idx"
		createIndex := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (user_id, client_group_id)",
			sqlQuoteIdentifier(indexName),
			s.table(),
		)
		if _, err := db.ExecContext(ctx, createIndex); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *sqlProgressStore) GetProgress(ctx context.Context, userID, clientID string) (ClientProgress, error) {
	if err := s.ensureReady(); err != nil {
		return ClientProgress{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	row, found, err := s.selectProgress(ctx, s.db, userID, clientID)
	if err != nil {
		return ClientProgress{}, err
	}
	if !found {
		return ClientProgress{UserID: userID, ClientID: clientID}, nil
	}
	return row, nil
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlProgressStore) selectProgress(ctx context.Context, q sqlQueryer, userID, clientID string) (ClientProgress, bool, error) {
	query := fmt.Sprintf(
		"SELECT client_group_id, namespace, last_mutation_id, updated_at FROM %s WHERE user_id = %s AND client_id = %s",
		s.table(), s.bind(1), s.bind(2),
	)
	row := ClientProgress{UserID: userID, ClientID: clientID}
	var lastID int64
	var updatedAt time.Time
	err := q.QueryRowContext(ctx, query, userID, clientID).Scan(&row.ClientGroupID, &row.Namespace, &lastID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return row, false, nil
	}
	if err != nil {
		return ClientProgress{}, false, err
	}
	row.LastAppliedSequenceID = uint64(lastID)
	row.UpdatedAt = updatedAt.UTC()
	return row, true, nil
}

func (s *sqlProgressStore) CommitMutation(ctx context.Context, req CommitRequest, apply ApplyFunc) (CommitOutcome, error) {
	if err := validateCommitRequest(req); err != nil {
		return CommitDuplicate, err
	}
	if err := s.ensureReady(); err != nil {
		return CommitDuplicate, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitDuplicate, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if s.dialect == sqlDialectPostgres {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", progressLockKey(req.UserID, req.ClientID)); err != nil {
			return CommitDuplicate, err
		}
	}
	current, _, err := s.selectProgress(ctx, tx, req.UserID, req.ClientID)
	if err != nil {
		return CommitDuplicate, err
	}
	ok, err := admitSequence(req.ClientID, current.LastAppliedSequenceID, req.SequenceID)
	if err != nil {
		return CommitDuplicate, err
	}
	if !ok {
		return CommitDuplicate, nil
	}

	applyCtx, hooks := withCommitHooks(withTx(ctx, tx))
	if err := runApply(applyCtx, req, apply); err != nil {
		return CommitDuplicate, err
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %[1]s (user_id, client_id, client_group_id, namespace, last_mutation_id, updated_at)
		VALUES (%[2]s, %[3]s, %[4]s, %[5]s, %[6]s, %[7]s)
		ON CONFLICT (user_id, client_id)
		DO UPDATE SET
			client_group_id = CASE WHEN EXCLUDED.client_group_id = '' THEN %[1]s.client_group_id ELSE EXCLUDED.client_group_id END,
			namespace = CASE WHEN EXCLUDED.namespace = '' THEN %[1]s.namespace ELSE EXCLUDED.namespace END,
			last_mutation_id = EXCLUDED.last_mutation_id,
			updated_at = EXCLUDED.updated_at`,
		s.table(), s.bind(1), s.bind(2), s.bind(3), s.bind(4), s.bind(5), s.bind(6),
	)
	if _, err := tx.ExecContext(ctx, upsert,
		req.UserID,
		req.ClientID,
		strings.TrimSpace(req.ClientGroupID),
		strings.TrimSpace(req.Namespace),
		int64(req.SequenceID),
		s.now(),
	); err != nil {
		return CommitDuplicate, err
	}
	if err := tx.Commit(); err != nil {
		return CommitDuplicate, err
	}
	committed = true
	hooks.run()
	return CommitApplied, nil
}

func (s *sqlProgressStore) ListClientGroup(ctx context.Context, userID, clientGroupID string) ([]ClientProgress, error) {
	if strings.TrimSpace(clientGroupID) == "" {
		return nil, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT client_id, namespace, last_mutation_id, updated_at FROM %s WHERE user_id = %s AND client_group_id = %s ORDER BY client_id ASC",
		s.table(), s.bind(1), s.bind(2),
	)
	rows, err := s.db.QueryContext(ctx, query, userID, clientGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ClientProgress, 0)
	for rows.Next() {
		row := ClientProgress{UserID: userID, ClientGroupID: clientGroupID}
		var lastID int64
		var updatedAt time.Time
		if err := rows.Scan(&row.ClientID, &row.Namespace, &lastID, &updatedAt); err != nil {
			return nil, err
		}
		row.LastAppliedSequenceID = uint64(lastID)
		row.UpdatedAt = updatedAt.UTC()
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *sqlProgressStore) PruneInactive(ctx context.Context, before time.Time) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE updated_at < %s", s.table(), s.bind(1))
	result, err := s.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *sqlProgressStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func progressLockKey(userID, clientID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(progressTableName))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(userID))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(clientID))
	return int64(hasher.Sum64())
}
