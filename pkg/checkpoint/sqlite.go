package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores checkpoints in a single SQLite table.
type SQLiteBackend struct {
	db   *sql.DB
	name string
}

// NewSQLiteBackend uses db, creating the table if needed. name labels
// locations (usually the database path).
func NewSQLiteBackend(db *sql.DB, name string) (*SQLiteBackend, error) {
	s := &SQLiteBackend{db: db, name: name}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure sqlite checkpoint dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite checkpoint db: %w", err)
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)
	return NewSQLiteBackend(db, path)
}

func (s *SQLiteBackend) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		session_id TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM checkpoints WHERE session_id = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpointFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return []byte(body), nil
}

func (s *SQLiteBackend) Put(ctx context.Context, key string, data []byte) error {
	query := `INSERT INTO checkpoints (session_id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, key, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, key)
	return err
}

func (s *SQLiteBackend) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM checkpoints ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteBackend) Location(key string) string {
	return fmt.Sprintf("sqlite://%s#%s", s.name, key)
}

func (s *SQLiteBackend) Close() error { return s.db.Close() }
