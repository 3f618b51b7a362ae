// Package threadstore persists conversation threads and thread items.
package threadstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/livechat/pkg/models"
)

// ErrNotFound is returned when a thread or item does not exist
var ErrNotFound = errors.New("not found")

// Store is the durable side of conversation state. Items are upserted by
// their identifier.
type Store interface {
	UpsertThread(ctx context.Context, thread models.Thread) error
	GetThread(ctx context.Context, threadID string) (models.Thread, error)
	UpsertItem(ctx context.Context, item models.ThreadItem) error
	GetItem(ctx context.Context, itemID string) (models.ThreadItem, error)
	ListItems(ctx context.Context, threadID string) ([]models.ThreadItem, error)
	Close() error
}

// Drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and locates a store backend
type Config struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// Open returns the store selected by cfg
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, "":
		s, err := OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
}

func encodeItem(item models.ThreadItem) (string, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to encode thread item %s: %w", item.ID, err)
	}
	return string(b), nil
}

func decodeItem(raw string) (models.ThreadItem, error) {
	var item models.ThreadItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return models.ThreadItem{}, fmt.Errorf("failed to decode thread item: %w", err)
	}
	return item, nil
}

func validateItem(item models.ThreadItem) error {
	if strings.TrimSpace(item.ID) == "" {
		return errors.New("thread item id is required")
	}
	if strings.TrimSpace(item.ThreadID) == "" {
		return errors.New("thread id is required")
	}
	return nil
}
