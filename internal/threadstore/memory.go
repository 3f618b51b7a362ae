package threadstore

import (
	"context"
	"sort"
	"sync"

	"github.com/livechat/pkg/models"
)

// MemoryStore keeps everything in process memory. Items are stored as
// encoded copies so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]models.Thread
	items   map[string]string
	writes  int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]models.Thread),
		items:   make(map[string]string),
	}
}

func (s *MemoryStore) UpsertThread(ctx context.Context, thread models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.threads[thread.ID]; ok {
		thread.CreatedAt = existing.CreatedAt
	}
	s.threads[thread.ID] = thread
	return nil
}

func (s *MemoryStore) GetThread(ctx context.Context, threadID string) (models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return models.Thread{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) UpsertItem(ctx context.Context, item models.ThreadItem) error {
	if err := validateItem(item); err != nil {
		return err
	}
	raw, err := encodeItem(item)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = raw
	s.writes++
	return nil
}

func (s *MemoryStore) GetItem(ctx context.Context, itemID string) (models.ThreadItem, error) {
	s.mu.RLock()
	raw, ok := s.items[itemID]
	s.mu.RUnlock()
	if !ok {
		return models.ThreadItem{}, ErrNotFound
	}
	return decodeItem(raw)
}

func (s *MemoryStore) ListItems(ctx context.Context, threadID string) ([]models.ThreadItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ThreadItem
	for _, raw := range s.items {
		item, err := decodeItem(raw)
		if err != nil {
			return nil, err
		}
		if item.ThreadID == threadID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Writes returns how many item upserts the store has accepted
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *MemoryStore) Close() error {
	return nil
}
