package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// Node is one entry returned by a prefix scan, ordered by key.
type Node struct {
	Key   string
	Value []byte
}

// KV is the ordered key-value boundary the subscription store runs on. The
// backing engine offers no multi-key transactions; callers that need to keep
// several keys consistent must compensate on partial failure.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Node, error)
	// Drop destructively removes every key.
	Drop(ctx context.Context) error
	Close() error
}

// SQLiteKV implements KV on a single-table sqlite database.
type SQLiteKV struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the key-value database at path. WAL mode keeps
// readers from blocking the single writer.
func OpenSQLite(path string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteKV{db: db}, nil
}

// Get returns the value stored at key and whether it exists.
func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put stores value at key, replacing any prior value.
func (s *SQLiteKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Delete removes key. Deleting an absent key is not an error.
func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

// List returns all entries whose key starts with prefix, in key order.
func (s *SQLiteKV) List(ctx context.Context, prefix string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`,
		prefix, prefix+"￿")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var nodes []Node
	for rows.Next() {
		var node Node
		if err := rows.Scan(&node.Key, &node.Value); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// Drop removes every key.
func (s *SQLiteKV) Drop(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv`)
	return err
}

// Close closes the underlying database.
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}

// Opener creates a KV handle on demand, so the store can initialize lazily and
// reopen after a reset.
type Opener func() (KV, error)

// SQLiteOpener returns an Opener for the database at path.
func SQLiteOpener(path string) Opener {
	return func() (KV, error) {
		kv, err := OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open kv store: %w", err)
		}
		return kv, nil
	}
}
