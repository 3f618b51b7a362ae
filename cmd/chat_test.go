package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livechat/internal/envelope"
	"github.com/livechat/internal/orchestrator"
	"github.com/livechat/internal/reconcile"
	"github.com/livechat/internal/threadstore"
	"github.com/livechat/pkg/models"
)

func TestTranscript_PrintsOnlyNewText(t *testing.T) {
	var buf bytes.Buffer
	tr := newTranscript(&buf)

	for _, text := range []string{"", "He", "Hello", "Hello", "Hello, world"} {
		tr.update(models.ThreadItem{ID: "i1", Answer: &models.Answer{Text: text}})
	}
	tr.settle(models.ThreadItem{ID: "i1", Status: models.StatusCompleted, Answer: &models.Answer{Text: "Hello, world"}})

	assert.Equal(t, "Hello, world\n", buf.String())
}

func TestTranscript_ReportsFailure(t *testing.T) {
	var buf bytes.Buffer
	tr := newTranscript(&buf)

	tr.settle(models.ThreadItem{ID: "i1", Status: models.StatusError, Error: "Something went wrong. Please try again."})
	assert.Equal(t, "[ERROR] Something went wrong. Please try again.\n", buf.String())
}

func TestChatSession_AskKeepsThread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.CompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"", "pong"} {
			_, _ = w.Write(envelope.Encode(envelope.Envelope{ThreadID: req.ThreadID, ThreadItemID: req.ThreadItemID,
				Payload: envelope.AnswerPayload{Answer: models.Answer{Text: text, Status: models.StatusPending}}}))
		}
		_, _ = w.Write(envelope.Encode(envelope.Envelope{ThreadID: req.ThreadID, ThreadItemID: req.ThreadItemID,
			Payload: envelope.DonePayload{Status: envelope.TerminalComplete}}))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	out := newTranscript(&buf)
	store := threadstore.NewMemoryStore()
	engine := reconcile.NewEngine(store, reconcile.OnUpdate(out.update), reconcile.WithLogger(zerolog.Nop()))
	client := orchestrator.NewClient(orchestrator.Config{
		BaseURL: srv.URL,
		APIKeys: map[string]string{"OPENAI_API_KEY": "sk"},
	}, engine, store, orchestrator.WithLogger(zerolog.Nop()))

	session := &chatSession{client: client, store: store, out: out, mode: "gpt-4o-mini"}
	interrupts := make(chan os.Signal)

	first, err := session.ask(context.Background(), "ping", interrupts)
	require.NoError(t, err)
	second, err := session.ask(context.Background(), "ping again", interrupts)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, first.Status)
	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.Equal(t, first.ID, second.ParentID)
	assert.Equal(t, "pong\npong\n", buf.String())

	items, err := store.ListItems(context.Background(), first.ThreadID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}
