package threadstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livechat/internal/database"
	"github.com/livechat/pkg/models"
)

// PostgresStore keeps threads in a shared Postgres database so several
// clients can read the same history.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chat_threads (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_thread_items (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	item JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_thread_items_thread ON chat_thread_items(thread_id, created_at);
`

// OpenPostgres connects to dsn (or DATABASE_URL) and ensures the schema exists
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := database.NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate postgres store: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) UpsertThread(ctx context.Context, thread models.Thread) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO chat_threads (id, title, created_at, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	updated_at = EXCLUDED.updated_at
`, thread.ID, thread.Title, thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert thread %s: %w", thread.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (models.Thread, error) {
	var t models.Thread
	var created, updated time.Time
	err := s.pool.QueryRow(ctx, `
SELECT id, title, created_at, updated_at FROM chat_threads WHERE id = $1
`, threadID).Scan(&t.ID, &t.Title, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Thread{}, ErrNotFound
	}
	if err != nil {
		return models.Thread{}, fmt.Errorf("failed to get thread %s: %w", threadID, err)
	}
	t.CreatedAt = created
	t.UpdatedAt = updated
	return t, nil
}

func (s *PostgresStore) UpsertItem(ctx context.Context, item models.ThreadItem) error {
	if err := validateItem(item); err != nil {
		return err
	}
	raw, err := encodeItem(item)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO chat_thread_items (id, thread_id, parent_id, status, item, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	thread_id = EXCLUDED.thread_id,
	parent_id = EXCLUDED.parent_id,
	status = EXCLUDED.status,
	item = EXCLUDED.item,
	updated_at = EXCLUDED.updated_at
`, item.ID, item.ThreadID, item.ParentID, string(item.Status), raw, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert thread item %s: %w", item.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID string) (models.ThreadItem, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT item::text FROM chat_thread_items WHERE id = $1`, itemID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ThreadItem{}, ErrNotFound
	}
	if err != nil {
		return models.ThreadItem{}, fmt.Errorf("failed to get thread item %s: %w", itemID, err)
	}
	return decodeItem(raw)
}

func (s *PostgresStore) ListItems(ctx context.Context, threadID string) ([]models.ThreadItem, error) {
	rows, err := s.pool.Query(ctx, `
SELECT item::text FROM chat_thread_items
WHERE thread_id = $1
ORDER BY created_at ASC, id ASC
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
