// Package reconcile merges stream envelopes into thread items and writes
// them through to the thread store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/livechat/internal/envelope"
	"github.com/livechat/internal/threadstore"
	"github.com/livechat/pkg/models"
)

// DefaultPersistInterval is the minimum spacing of throttled store writes
// for one item
const DefaultPersistInterval = time.Second

// ErrUnaddressed is returned for an envelope without thread and item ids
var ErrUnaddressed = errors.New("envelope does not name a thread item")

// Engine is a write-through cache of in-flight thread items. Entries are
// created on first use and evicted by Finalize.
type Engine struct {
	store    threadstore.Store
	interval time.Duration
	now      func() time.Time
	onUpdate func(models.ThreadItem)
	logger   zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	loaded  bool
	item    models.ThreadItem
	limiter *rate.Limiter
	dirty   bool
}

// Option configures an Engine
type Option func(*Engine)

// WithPersistInterval sets the throttle window for store writes
func WithPersistInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// OnUpdate registers a callback receiving every merged item
func OnUpdate(fn func(models.ThreadItem)) Option {
	return func(e *Engine) { e.onUpdate = fn }
}

// WithLogger replaces the global logger
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine writing through to store
func NewEngine(store threadstore.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		interval: DefaultPersistInterval,
		now:      time.Now,
		logger:   log.With().Str("component", "reconcile").Logger(),
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type applyOptions struct {
	force bool
}

// ApplyOption modifies a single Apply call
type ApplyOption func(*applyOptions)

// Force persists the update immediately, ignoring the throttle
func Force() ApplyOption {
	return func(o *applyOptions) { o.force = true }
}

// Seed caches item and persists it at once. It is used for the optimistic
// item created before a request is sent.
func (e *Engine) Seed(ctx context.Context, item models.ThreadItem) error {
	now := e.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	ent := &entry{loaded: true, item: item, limiter: e.newLimiter()}
	ent.limiter.AllowN(now, 1)

	e.mu.Lock()
	e.entries[item.ID] = ent
	e.mu.Unlock()

	ent.mu.Lock()
	defer ent.mu.Unlock()
	return e.persist(ctx, ent)
}

// Apply merges env into its thread item. It reports whether the item was
// written to the store by this call; a throttled write is deferred to a
// later Apply or to Finalize.
func (e *Engine) Apply(ctx context.Context, env envelope.Envelope, opts ...ApplyOption) (models.ThreadItem, bool, error) {
	if !env.Addressed() {
		return models.ThreadItem{}, false, ErrUnaddressed
	}
	if env.Payload == nil {
		return models.ThreadItem{}, false, fmt.Errorf("%w: empty payload", envelope.ErrUnknownEvent)
	}

	var o applyOptions
	for _, opt := range opts {
		opt(&o)
	}

	return e.update(ctx, env.ThreadID, env.ThreadItemID, env.ParentThreadItemID, o.force, func(item *models.ThreadItem) {
		merge(item, env.Payload)
	})
}

// Mark forces a status (and error message) onto an item. The orchestrator
// uses it for outcomes decided locally, such as a cancelled request.
func (e *Engine) Mark(ctx context.Context, threadID, itemID string, status models.ItemStatus, errMsg string) (models.ThreadItem, error) {
	item, _, err := e.update(ctx, threadID, itemID, "", true, func(item *models.ThreadItem) {
		if !item.Status.CanTransition(status) {
			return
		}
		item.Status = status
		if errMsg != "" {
			item.Error = errMsg
		}
		if item.Answer != nil && !item.Answer.Status.IsTerminal() {
			item.Answer.Status = status
		}
	})
	return item, err
}

// Finalize flushes a pending write for itemID and evicts it from the cache.
// The stored copy remains.
func (e *Engine) Finalize(ctx context.Context, itemID string) error {
	e.mu.Lock()
	ent, ok := e.entries[itemID]
	delete(e.entries, itemID)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if !ent.dirty {
		return nil
	}
	return e.persist(ctx, ent)
}

// Get returns the cached item
func (e *Engine) Get(itemID string) (models.ThreadItem, bool) {
	e.mu.Lock()
	ent, ok := e.entries[itemID]
	e.mu.Unlock()
	if !ok {
		return models.ThreadItem{}, false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if !ent.loaded {
		return models.ThreadItem{}, false
	}
	return cloneItem(ent.item), true
}

// Cached reports how many items are held in memory
func (e *Engine) Cached() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

func (e *Engine) update(ctx context.Context, threadID, itemID, parentID string, force bool, mutate func(*models.ThreadItem)) (models.ThreadItem, bool, error) {
	ent := e.entry(itemID)

	ent.mu.Lock()
	defer ent.mu.Unlock()

	now := e.now()
	if !ent.loaded {
		ent.item = e.load(ctx, threadID, itemID, now)
		ent.loaded = true
	}

	item := &ent.item
	item.ThreadID = threadID
	if parentID != "" {
		item.ParentID = parentID
	}
	before := item.Status

	mutate(item)
	item.UpdatedAt = now

	becameTerminal := item.Status.IsTerminal() && item.Status != before
	var (
		persisted bool
		err       error
	)
	if force || becameTerminal || ent.limiter.AllowN(now, 1) {
		err = e.persist(ctx, ent)
		persisted = err == nil
	} else {
		ent.dirty = true
	}

	out := cloneItem(ent.item)
	if e.onUpdate != nil {
		e.onUpdate(out)
	}
	return out, persisted, err
}

// entry returns the cache slot for itemID, creating an unloaded one
func (e *Engine) entry(itemID string) *entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[itemID]
	if !ok {
		ent = &entry{limiter: e.newLimiter()}
		e.entries[itemID] = ent
	}
	return ent
}

// load falls back to the store so fields set before the item was cached,
// such as the query, survive the first update
func (e *Engine) load(ctx context.Context, threadID, itemID string, now time.Time) models.ThreadItem {
	item, err := e.store.GetItem(ctx, itemID)
	if err == nil {
		return item
	}
	if !errors.Is(err, threadstore.ErrNotFound) {
		e.logger.Warn().Err(err).
			Str("thread_item_id", itemID).
			Msg("Failed to load thread item, starting from empty")
	}
	return models.ThreadItem{
		ID:        itemID,
		ThreadID:  threadID,
		Status:    models.StatusQueued,
		CreatedAt: now,
	}
}

func (e *Engine) persist(ctx context.Context, ent *entry) error {
	if err := e.store.UpsertItem(ctx, ent.item); err != nil {
		ent.dirty = true
		e.logger.Error().Err(err).
			Str("thread_item_id", ent.item.ID).
			Msg("Failed to persist thread item")
		return fmt.Errorf("persist thread item %s: %w", ent.item.ID, err)
	}
	ent.dirty = false
	return nil
}

func (e *Engine) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(e.interval), 1)
}
