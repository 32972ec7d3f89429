package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore persists state in a single key-value table. It works against
// SQLite (driver "sqlite") for single-node hosts and Postgres (driver
// "postgres") for shared deployments. Batches commit inside one SQL
// transaction.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenSQL opens a SQL-backed store and creates the schema if needed.
// driver must be "sqlite" or "postgres".
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", driver, err)
	}
	s := &SQLStore{db: db, dialect: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing database handle (used by tests with
// sqlmock). No migration is run.
func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS chain_state (
		key   TEXT PRIMARY KEY,
		value BYTEA NOT NULL
	);`
	if s.dialect == "sqlite" {
		query = `
	CREATE TABLE IF NOT EXISTS chain_state (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`
	}
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("state: migrate: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM chain_state WHERE key = ?`), key)
	var value []byte
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("state: get %q: %w", key, err)
	}
	return value, nil
}

// IteratePrefix implements Store. ORDER BY key gives every replica the
// same visiting order.
func (s *SQLStore) IteratePrefix(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT key, value FROM chain_state WHERE key >= ? AND key < ? ORDER BY key ASC`),
		prefix, prefixUpperBound(prefix))
	if err != nil {
		return fmt.Errorf("state: iterate %q: %w", prefix, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("state: scan: %w", err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Apply implements Store.
func (s *SQLStore) Apply(ctx context.Context, b *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin: %w", err)
	}
	upsert := `INSERT INTO chain_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	if s.dialect == "sqlite" {
		upsert = `INSERT INTO chain_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	}
	for _, op := range b.Ops() {
		switch op.Kind {
		case OpSet:
			_, err = tx.ExecContext(ctx, upsert, op.Key, op.Value)
		case OpRemove:
			_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM chain_state WHERE key = ?`), op.Key)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("state: apply %q: %w", op.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $N for the postgres dialect.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// prefixUpperBound returns the smallest string greater than every key
// with the given prefix.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	// All 0xff: no finite upper bound, use a sentinel beyond any key.
	return prefix + string([]byte{0xff, 0xff, 0xff, 0xff})
}
