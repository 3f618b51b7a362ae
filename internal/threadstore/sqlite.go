package threadstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/livechat/pkg/models"
)

// SQLiteStore is a local SQLite-backed store for threads and items.
// WAL is enabled so a reader can follow history while a turn is writing.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultSQLitePath is used when no DSN is configured
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".livechat", "history.db")
	}
	return filepath.Join(home, ".livechat", "history.db")
}

// OpenSQLite opens (and migrates) the database at path
func OpenSQLite(path string) (*SQLiteStore, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		p = DefaultSQLitePath()
	}
	if p != ":memory:" {
		p = filepath.Clean(p)
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) UpsertThread(ctx context.Context, thread models.Thread) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO threads (id, title, created_at_unix_ms, updated_at_unix_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title = excluded.title,
	updated_at_unix_ms = excluded.updated_at_unix_ms
`, thread.ID, thread.Title, thread.CreatedAt.UnixMilli(), thread.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert thread %s: %w", thread.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (models.Thread, error) {
	var (
		t                models.Thread
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, title, created_at_unix_ms, updated_at_unix_ms FROM threads WHERE id = ?
`, threadID).Scan(&t.ID, &t.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Thread{}, ErrNotFound
	}
	if err != nil {
		return models.Thread{}, fmt.Errorf("failed to get thread %s: %w", threadID, err)
	}
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	return t, nil
}

func (s *SQLiteStore) UpsertItem(ctx context.Context, item models.ThreadItem) error {
	if err := validateItem(item); err != nil {
		return err
	}
	raw, err := encodeItem(item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO thread_items (id, thread_id, parent_id, status, item_json, created_at_unix_ms, updated_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	thread_id = excluded.thread_id,
	parent_id = excluded.parent_id,
	status = excluded.status,
	item_json = excluded.item_json,
	updated_at_unix_ms = excluded.updated_at_unix_ms
`, item.ID, item.ThreadID, item.ParentID, string(item.Status), raw, item.CreatedAt.UnixMilli(), item.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert thread item %s: %w", item.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, itemID string) (models.ThreadItem, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT item_json FROM thread_items WHERE id = ?`, itemID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ThreadItem{}, ErrNotFound
	}
	if err != nil {
		return models.ThreadItem{}, fmt.Errorf("failed to get thread item %s: %w", itemID, err)
	}
	return decodeItem(raw)
}

func (s *SQLiteStore) ListItems(ctx context.Context, threadID string) ([]models.ThreadItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT item_json FROM thread_items
WHERE thread_id = ?
ORDER BY created_at_unix_ms ASC, id ASC
`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread items: %w", err)
	}
	defer rows.Close()

	var out []models.ThreadItem
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan thread item: %w", err)
		}
		item, err := decodeItem(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func initSQLiteSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}

	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS thread_items (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	item_json TEXT NOT NULL,
	created_at_unix_ms INTEGER NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_thread_items_thread ON thread_items(thread_id, created_at_unix_ms);`,
		fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}
	return tx.Commit()
}
