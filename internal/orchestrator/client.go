// Package orchestrator submits chat turns to the completion server and
// drives the resulting stream into the reconciliation engine.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/livechat/internal/aiconnectors"
	"github.com/livechat/internal/credentials"
	"github.com/livechat/internal/envelope"
	"github.com/livechat/internal/reconcile"
	"github.com/livechat/internal/stream"
	"github.com/livechat/internal/threadstore"
	"github.com/livechat/pkg/models"
)

const (
	completionPath = "/api/completion"
	probePath      = "/api/check-env-keys"
)

// Config configures a Client
type Config struct {
	// BaseURL is the completion server, e.g. http://localhost:8888
	BaseURL    string
	HTTPClient *http.Client
	// APIKeyMode selects whose provider credentials the server uses
	APIKeyMode models.APIKeyMode
	// APIKeys are the caller's own provider credentials, by env name
	APIKeys            map[string]string
	CustomInstructions string
	ReaderOptions      []stream.Option
}

// Client submits turns. It is safe for concurrent use; each turn runs in
// its own goroutine.
type Client struct {
	cfg    Config
	engine *reconcile.Engine
	store  threadstore.Store
	newID  func() string
	now    func() time.Time
	logger zerolog.Logger

	active atomic.Int32

	capMu        sync.Mutex
	capabilities map[string]bool
}

// Option configures a Client
type Option func(*Client)

// WithIDGenerator replaces uuid.NewString for new threads and items
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

// WithLogger replaces the global logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client that reconciles into engine and reads history
// from store
func NewClient(cfg Config, engine *reconcile.Engine, store threadstore.Store, opts ...Option) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.APIKeyMode == "" {
		cfg.APIKeyMode = models.APIKeyModeOwn
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:    cfg,
		engine: engine,
		store:  store,
		newID:  uuid.NewString,
		now:    time.Now,
		logger: log.With().Str("component", "orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Input is one user submission
type Input struct {
	// ThreadID continues an existing thread; empty starts a new one
	ThreadID string
	// ItemID resumes an existing item; empty mints a new one
	ItemID          string
	ParentItemID    string
	Query           string
	ImageAttachment string
	Mode            string
	WebSearch       bool
	ShowSuggestions bool
}

// IsGenerating reports whether any turn is still streaming
func (c *Client) IsGenerating() bool {
	return c.active.Load() > 0
}

// Submit validates the submission, seeds the optimistic item and starts
// streaming in the background. Errors are returned only for preconditions
// checked before any completion request is made.
func (c *Client) Submit(ctx context.Context, in Input) (*Turn, error) {
	binding, err := aiconnectors.LookupMode(in.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, in.Mode)
	}
	if err := c.checkCredential(ctx, binding); err != nil {
		return nil, err
	}

	threadID, err := c.ensureThread(ctx, in)
	if err != nil {
		return nil, err
	}
	itemID := in.ItemID
	if itemID == "" {
		itemID = c.newID()
	}

	history, err := c.history(ctx, threadID, itemID)
	if err != nil {
		return nil, err
	}
	messages := append(history, userMessage(in.Query, in.ImageAttachment))

	if err := c.engine.Seed(ctx, models.ThreadItem{
		ID:              itemID,
		ParentID:        in.ParentItemID,
		ThreadID:        threadID,
		Query:           in.Query,
		ImageAttachment: in.ImageAttachment,
		Mode:            in.Mode,
		Status:          models.StatusQueued,
	}); err != nil {
		return nil, fmt.Errorf("failed to seed thread item: %w", err)
	}

	req := models.CompletionRequest{
		Mode:               in.Mode,
		Prompt:             in.Query,
		ThreadID:           threadID,
		ThreadItemID:       itemID,
		ParentThreadItemID: in.ParentItemID,
		Messages:           messages,
		CustomInstructions: c.cfg.CustomInstructions,
		WebSearch:          in.WebSearch,
		ShowSuggestions:    in.ShowSuggestions,
		APIKeyMode:         c.cfg.APIKeyMode,
	}
	if c.cfg.APIKeyMode == models.APIKeyModeOwn && len(c.cfg.APIKeys) > 0 {
		req.APIKeys = c.cfg.APIKeys
	}

	turnCtx, cancel := context.WithCancel(ctx)
	turn := &Turn{
		ThreadID: threadID,
		ItemID:   itemID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	c.active.Add(1)
	go c.run(turnCtx, turn, req)

	return turn, nil
}

// checkCredential fails fast when the mode needs a key that will not be
// available. In own mode the caller's keys are checked; in system mode the
// server's capability probe decides.
func (c *Client) checkCredential(ctx context.Context, binding aiconnectors.ModeBinding) error {
	if !binding.RequiresCredential() {
		return nil
	}
	missing := &MissingCredentialError{Kind: binding.Credential, Mode: binding.Name}

	if c.cfg.APIKeyMode == models.APIKeyModeSystem {
		caps, err := c.ServerCapabilities(ctx)
		if err != nil {
			return fmt.Errorf("failed to check server credentials: %w", err)
		}
		if !caps[string(binding.Credential)] {
			return missing
		}
		return nil
	}

	if !credentials.NewSet(c.cfg.APIKeys).Has(binding.Credential) {
		return missing
	}
	return nil
}

// ServerCapabilities returns which credentials the server holds. The probe
// is fetched once and cached.
func (c *Client) ServerCapabilities(ctx context.Context) (map[string]bool, error) {
	c.capMu.Lock()
	defer c.capMu.Unlock()
	if c.capabilities != nil {
		return c.capabilities, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+probePath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	caps := map[string]bool{}
	if err := json.NewDecoder(resp.Body).Decode(&caps); err != nil {
		return nil, fmt.Errorf("decode capability probe: %w", err)
	}
	c.capabilities = caps
	return caps, nil
}

func (c *Client) ensureThread(ctx context.Context, in Input) (string, error) {
	threadID := in.ThreadID
	if threadID != "" {
		_, err := c.store.GetThread(ctx, threadID)
		if err == nil {
			return threadID, nil
		}
		if !errors.Is(err, threadstore.ErrNotFound) {
			return "", fmt.Errorf("failed to load thread: %w", err)
		}
	} else {
		threadID = c.newID()
	}

	now := c.now()
	if err := c.store.UpsertThread(ctx, models.Thread{
		ID:        threadID,
		Title:     threadTitle(in.Query),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	return threadID, nil
}

// history flattens the earlier items of a thread into chat messages
func (c *Client) history(ctx context.Context, threadID, currentItemID string) ([]models.ChatMessage, error) {
	items, err := c.store.ListItems(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread history: %w", err)
	}

	messages := make([]models.ChatMessage, 0, len(items)*2+1)
	for _, item := range items {
		if item.ID == currentItemID {
			continue
		}
		messages = append(messages, userMessage(item.Query, item.ImageAttachment))
		if text := item.AnswerText(); text != "" {
			messages = append(messages, models.ChatMessage{Role: models.RoleAssistant, Content: models.TextContent(text)})
		}
	}
	return messages, nil
}

func (c *Client) run(ctx context.Context, turn *Turn, req models.CompletionRequest) {
	logger := c.logger.With().
		Str("thread_id", turn.ThreadID).
		Str("thread_item_id", turn.ItemID).
		Logger()

	err := c.stream(ctx, turn, req, logger)
	// Bookkeeping must survive the cancellation that may have ended the stream.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		c.settle(bg, ctx, turn, err, logger)
	}
	if ferr := c.engine.Finalize(bg, turn.ItemID); ferr != nil {
		logger.Error().Err(ferr).Msg("Failed to finalize thread item")
	}

	item, gerr := c.store.GetItem(bg, turn.ItemID)
	if gerr != nil {
		logger.Error().Err(gerr).Msg("Failed to load final thread item")
	}

	turn.cancel()
	c.active.Add(-1)
	turn.finish(item, err)
}

var errMissingDone = errors.New("stream ended without a done event")

// stream posts the request and applies envelopes until the done event
func (c *Client) stream(ctx context.Context, turn *Turn, req models.CompletionRequest, logger zerolog.Logger) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+completionPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-store")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(text)}
	}

	reader := stream.NewReader(resp.Body, c.cfg.ReaderOptions...)
	events := 0
	started := c.now()
	for {
		env, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			return errMissingDone
		}
		if err != nil {
			return err
		}
		events++

		if done, ok := env.Done(); ok {
			if env.Addressed() {
				if _, _, err := c.engine.Apply(ctx, env, reconcile.Force()); err != nil {
					logger.Error().Err(err).Msg("Failed to apply done event")
				}
			}
			logger.Info().
				Str("status", string(done.Status)).
				Str("error", done.Error).
				Int("events", events).
				Dur("duration", c.now().Sub(started)).
				Msg("Stream done")
			return nil
		}

		if !envelope.Recognized(env.Type()) || !env.Addressed() {
			continue
		}
		if _, _, err := c.engine.Apply(ctx, env); err != nil {
			logger.Error().Err(err).Str("event", string(env.Type())).Msg("Failed to apply stream event")
		}
	}
}

// settle records the local outcome of a turn that ended without a done event
func (c *Client) settle(bg, ctx context.Context, turn *Turn, err error, logger zerolog.Logger) {
	status, msg := models.StatusError, MsgGenericError

	var httpErr *HTTPError
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		status, msg = models.StatusAborted, MsgAborted
	case errors.As(err, &httpErr) && httpErr.RateLimited():
		msg = MsgRateLimited
	}

	logger.Warn().Err(err).Str("status", string(status)).Msg("Turn ended without a done event")
	if _, merr := c.engine.Mark(bg, turn.ThreadID, turn.ItemID, status, msg); merr != nil {
		logger.Error().Err(merr).Msg("Failed to record turn outcome")
	}
}

func userMessage(query, image string) models.ChatMessage {
	if image == "" {
		return models.ChatMessage{Role: models.RoleUser, Content: models.TextContent(query)}
	}
	return models.ChatMessage{Role: models.RoleUser, Content: models.Content{Parts: []models.ContentPart{
		{Type: "text", Text: query},
		{Type: "image", Image: image},
	}}}
}

func threadTitle(query string) string {
	title := strings.TrimSpace(query)
	if r := []rune(title); len(r) > 80 {
		title = string(r[:80])
	}
	return title
}
