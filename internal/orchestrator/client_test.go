package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livechat/internal/aiconnectors"
	"github.com/livechat/internal/api"
	"github.com/livechat/internal/completion"
	"github.com/livechat/internal/credentials"
	"github.com/livechat/internal/envelope"
	"github.com/livechat/internal/reconcile"
	"github.com/livechat/internal/stream"
	"github.com/livechat/internal/threadstore"
	"github.com/livechat/pkg/models"
)

func sequentialIDs() func() string {
	var n atomic.Int32
	return func() string {
		return fmt.Sprintf("id-%d", n.Add(1))
	}
}

type harness struct {
	store  *threadstore.MemoryStore
	engine *reconcile.Engine
	client *Client
}

func newHarness(t *testing.T, baseURL string, cfg Config, engineOpts ...reconcile.Option) *harness {
	t.Helper()
	store := threadstore.NewMemoryStore()
	engineOpts = append(engineOpts, reconcile.WithLogger(zerolog.Nop()))
	engine := reconcile.NewEngine(store, engineOpts...)
	cfg.BaseURL = baseURL
	cfg.ReaderOptions = append(cfg.ReaderOptions, stream.WithRetryDelay(time.Millisecond), stream.WithLogger(zerolog.Nop()))
	client := NewClient(cfg, engine, store, WithIDGenerator(sequentialIDs()), WithLogger(zerolog.Nop()))
	return &harness{store: store, engine: engine, client: client}
}

func waitTurn(t *testing.T, turn *Turn) models.ThreadItem {
	t.Helper()
	select {
	case <-turn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not settle")
	}
	return turn.Wait()
}

// scripted provider used behind a real API server
type wordsProvider struct {
	mu       sync.Mutex
	words    []string
	messages [][]models.ChatMessage
}

func (p *wordsProvider) Stream(ctx context.Context, req aiconnectors.StreamRequest, onChunk func(aiconnectors.Chunk) error) error {
	p.mu.Lock()
	p.messages = append(p.messages, req.Messages)
	p.mu.Unlock()
	for _, w := range p.words {
		if err := onChunk(aiconnectors.Chunk{Text: w}); err != nil {
			return err
		}
	}
	return nil
}

type keyCheckingOpener struct {
	provider aiconnectors.StreamProvider
}

func (o keyCheckingOpener) Open(ctx context.Context, b aiconnectors.ModeBinding, creds credentials.Set) (aiconnectors.StreamProvider, error) {
	if b.RequiresCredential() && !creds.Has(b.Credential) {
		return nil, aiconnectors.ErrMissingCredential
	}
	return o.provider, nil
}

func newAPIServer(t *testing.T, provider aiconnectors.StreamProvider, serverKeys map[string]string) *httptest.Server {
	t.Helper()
	svc := completion.NewService(keyCheckingOpener{provider: provider}, credentials.NewSet(serverKeys))
	srv := httptest.NewServer(api.NewServer(api.Config{}, svc, nil, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmit_RoundTripThroughAPIServer(t *testing.T) {
	provider := &wordsProvider{words: []string{"Go ", "is ", "fun"}}
	srv := newAPIServer(t, provider, nil)
	h := newHarness(t, srv.URL, Config{APIKeys: map[string]string{"OPENAI_API_KEY": "sk-caller"}})
	ctx := context.Background()

	turn, err := h.client.Submit(ctx, Input{Query: "what is go?", Mode: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "id-1", turn.ThreadID)
	assert.Equal(t, "id-2", turn.ItemID)

	item := waitTurn(t, turn)
	assert.NoError(t, turn.Err())
	assert.Equal(t, models.StatusCompleted, item.Status)
	assert.Equal(t, "Go is fun", item.AnswerText())
	assert.Equal(t, "what is go?", item.Query)
	assert.False(t, h.client.IsGenerating())
	assert.Equal(t, 0, h.engine.Cached())

	thread, err := h.store.GetThread(ctx, turn.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "what is go?", thread.Title)

	// A follow-up carries the flattened history.
	provider.words = []string{"Yes"}
	next, err := h.client.Submit(ctx, Input{ThreadID: turn.ThreadID, ParentItemID: turn.ItemID, Query: "really?", Mode: "gpt-4o-mini"})
	require.NoError(t, err)
	waitTurn(t, next)

	require.Len(t, provider.messages, 2)
	msgs := provider.messages[1]
	require.Len(t, msgs, 3)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "what is go?", msgs[0].Content.Text)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Go is fun", msgs[1].Content.Text)
	assert.Equal(t, "really?", msgs[2].Content.Text)
}

func TestSubmit_MissingCredentialOwnMode(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, Config{APIKeys: map[string]string{"GEMINI_API_KEY": "g"}})
	_, err := h.client.Submit(context.Background(), Input{Query: "hi", Mode: "claude-3.7-sonnet"})

	var missing *MissingCredentialError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, credentials.Anthropic, missing.Kind)
	assert.Contains(t, err.Error(), "Anthropic API Key")
	assert.Equal(t, int32(0), hits.Load())
	assert.False(t, h.client.IsGenerating())

	items, err := h.store.ListItems(context.Background(), "id-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSubmit_SystemModeUsesProbe(t *testing.T) {
	var probes, completions atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case probePath:
			probes.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]bool{"OPENAI_API_KEY": false, "GEMINI_API_KEY": true})
		case completionPath:
			completions.Add(1)
		}
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, Config{
		APIKeyMode: models.APIKeyModeSystem,
		APIKeys:    map[string]string{"OPENAI_API_KEY": "sk-caller"},
	})

	_, err := h.client.Submit(context.Background(), Input{Query: "hi", Mode: "gpt-4.1"})
	var missing *MissingCredentialError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, credentials.OpenAI, missing.Kind)

	_, err = h.client.Submit(context.Background(), Input{Query: "hi", Mode: "gpt-4o-mini"})
	require.ErrorAs(t, err, &missing)

	assert.Equal(t, int32(1), probes.Load(), "probe result is cached")
	assert.Equal(t, int32(0), completions.Load())
}

func TestSubmit_SystemModeNeverSendsCallerKeys(t *testing.T) {
	var got models.CompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == probePath {
			_ = json.NewEncoder(w).Encode(map[string]bool{"OPENAI_API_KEY": true})
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write(envelope.Encode(envelope.Envelope{ThreadID: got.ThreadID, ThreadItemID: got.ThreadItemID,
			Payload: envelope.DonePayload{Status: envelope.TerminalComplete}}))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, Config{
		APIKeyMode: models.APIKeyModeSystem,
		APIKeys:    map[string]string{"OPENAI_API_KEY": "sk-caller"},
	})
	turn, err := h.client.Submit(context.Background(), Input{Query: "hi", Mode: "gpt-4o-mini"})
	require.NoError(t, err)
	item := waitTurn(t, turn)

	assert.Nil(t, got.APIKeys)
	assert.Equal(t, models.APIKeyModeSystem, got.APIKeyMode)
	assert.Equal(t, models.StatusCompleted, item.Status)
}

func TestSubmit_LocalModeNeedsNoCredential(t *testing.T) {
	srv := newAPIServer(t, &wordsProvider{words: []string{"ok"}}, nil)
	h := newHarness(t, srv.URL, Config{})

	turn, err := h.client.Submit(context.Background(), Input{Query: "hi", Mode: "local"})
	require.NoError(t, err)
	assert.Equal(t, "ok", waitTurn(t, turn).AnswerText())
}

func TestSubmit_HTTPFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantMsg string
	}{
		{"rate limited", http.StatusTooManyRequests, MsgRateLimited},
		{"server error", http.StatusInternalServerError, MsgGenericError},
		{"validation", http.StatusBadRequest, MsgGenericError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			h := newHarness(t, srv.URL, Config{APIKeys: map[string]string{"OPENAI_API_KEY": "sk"}})
			turn, err := h.client.Submit(context.Background(), Input{Query: "hi", Mode: "gpt-4o-mini"})
			require.NoError(t, err)

			item := waitTurn(t, turn)
			assert.Equal(t, models.StatusError, item.Status)
			assert.Equal(t, tt.wantMsg, item.Error)

			var httpErr *HTTPError
			require.ErrorAs(t, turn.Err(), &httpErr)
			assert.Equal(t, tt.status, httpErr.StatusCode)
		})
	}
}

func TestSubmit_ServerDoneErrorKeepsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.CompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write(envelope.Encode(envelope.Envelope{ThreadID: req.ThreadID, ThreadItemID: req.ThreadItemID,
			Payload: envelope.AnswerPayload{Answer: models.Answer{Status: models.StatusPending}}}))
		_, _ = w.Write(envelope.Encode(envelope.Envelope{ThreadID: req.ThreadID, ThreadItemID: req.ThreadItemID,
			Payload: envelope.DonePayload{Status: envelope.TerminalError, Error: "OpenAI API Key is required"}}))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, Config{APIKeys: map[string]string{"OPENAI_API_KEY": "sk"}})
	turn, err := h.client.Submit(context.Background(), Input{Query: "hi", Mode: "gpt-4o-mini"})
	require.NoError(t, err)

	item := waitTurn(t, turn)
	assert.NoError(t, turn.Err())
	assert.Equal(t, models.StatusError, item.Status)
	assert.Equal(t, "OpenAI API Key is required", item.Error)
}

func TestSubmit_StreamEndsWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.CompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, _ = w.Write(envelope.Encode(envelope.Envelope{ThreadID: req.ThreadID, ThreadItemID: req.ThreadItemID,
			Payload: envelope.AnswerPayload{Answer: models.Answer{Text: "half", Status: models.StatusPending}}}))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, Config{APIKeys: map[string]string{"OPENAI_API_KEY": "sk"}})
	turn, err := h.client.Submit(context.Background(), Input{Query: "hi", Mode: "gpt-4o-mini"})
	require.NoError(t, err)

	item := waitTurn(t, turn)
	assert.Equal(t, models.StatusError, item.Status)
	assert.Equal(t, MsgGenericError, item.Error)
	assert.Equal(t, "half", item.AnswerText())
	assert.True(t, errors.Is(turn.Err(), errMissingDone))
}

func TestSubmit_CancelMarksAborted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.CompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"", "a", "ab"} {
			_, _ = w.Write(envelope.Encode(envelope.Envelope{ThreadID: req.ThreadID, ThreadItemID: req.ThreadItemID,
				Payload: envelope.AnswerPayload{Answer: models.Answer{Text: text, Status: models.StatusPending}}}))
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	twoAnswers := make(chan struct{})
	var once sync.Once
	h := newHarness(t, srv.URL, Config{APIKeys: map[string]string{"OPENAI_API_KEY": "sk"}},
		reconcile.OnUpdate(func(item models.ThreadItem) {
			if item.AnswerText() == "ab" {
				once.Do(func() { close(twoAnswers) })
			}
		}))

	turn, err := h.client.Submit(context.Background(), Input{Query: "hi", Mode: "gpt-4o-mini"})
	require.NoError(t, err)

	select {
	case <-twoAnswers:
	case <-time.After(5 * time.Second):
		t.Fatal("answers never arrived")
	}
	assert.True(t, h.client.IsGenerating())
	turn.Cancel()

	item := waitTurn(t, turn)
	assert.Equal(t, models.StatusAborted, item.Status)
	assert.Equal(t, MsgAborted, item.Error)
	assert.Equal(t, "ab", item.AnswerText())
	assert.False(t, h.client.IsGenerating())
}

func TestSubmit_ImageAttachment(t *testing.T) {
	var got models.CompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, Config{APIKeys: map[string]string{"OPENAI_API_KEY": "sk"}, CustomInstructions: "Be brief."})
	turn, err := h.client.Submit(context.Background(), Input{Query: "what is this?", ImageAttachment: "data:image/png;base64,AAAA", Mode: "gpt-4o-mini"})
	require.NoError(t, err)
	waitTurn(t, turn)

	require.Len(t, got.Messages, 1)
	parts := got.Messages[0].Content.Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "what is this?", parts[0].Text)
	assert.Equal(t, "data:image/png;base64,AAAA", parts[1].Image)
	assert.Equal(t, "Be brief.", got.CustomInstructions)
	assert.Equal(t, map[string]string{"OPENAI_API_KEY": "sk"}, got.APIKeys)
}

func TestSubmit_UnknownMode(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:1", Config{})
	_, err := h.client.Submit(context.Background(), Input{Query: "hi", Mode: "nope"})
	assert.ErrorIs(t, err, aiconnectors.ErrUnknownMode)
}
