package completion

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livechat/internal/aiconnectors"
	"github.com/livechat/internal/credentials"
	"github.com/livechat/internal/envelope"
	"github.com/livechat/internal/metrics"
	"github.com/livechat/internal/prompts"
	"github.com/livechat/pkg/models"
)

// scriptedProvider replays chunks and lets a test hook run after each one
type scriptedProvider struct {
	chunks []aiconnectors.Chunk
	after  func(i int)
	err    error
	block  time.Duration
	gotReq aiconnectors.StreamRequest
}

func (p *scriptedProvider) Stream(ctx context.Context, req aiconnectors.StreamRequest, onChunk func(aiconnectors.Chunk) error) error {
	p.gotReq = req
	if p.block > 0 {
		time.Sleep(p.block)
	}
	for i, c := range p.chunks {
		if err := onChunk(c); err != nil {
			return err
		}
		if p.after != nil {
			p.after(i)
		}
	}
	return p.err
}

// recordingOpener hands out provider and remembers the credentials it saw
type recordingOpener struct {
	mu       sync.Mutex
	provider aiconnectors.StreamProvider
	creds    credentials.Set
	binding  aiconnectors.ModeBinding
}

func (o *recordingOpener) Open(ctx context.Context, binding aiconnectors.ModeBinding, creds credentials.Set) (aiconnectors.StreamProvider, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.creds = creds
	o.binding = binding
	if binding.RequiresCredential() && !creds.Has(binding.Credential) {
		return nil, aiconnectors.ErrMissingCredential
	}
	return o.provider, nil
}

func decodeAll(t *testing.T, raw []byte) []envelope.Envelope {
	t.Helper()
	var d envelope.Decoder
	var out []envelope.Envelope
	for _, f := range d.Feed(raw) {
		env, err := envelope.Decode(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	assert.Empty(t, d.Remainder(), "trailing partial frame")
	return out
}

func baseRequest() models.CompletionRequest {
	return models.CompletionRequest{
		Mode:         "gpt-4o-mini",
		Prompt:       "hello",
		ThreadID:     "t1",
		ThreadItemID: "i1",
		Messages:     []models.ChatMessage{{Role: models.RoleUser, Content: models.TextContent("hello")}},
		APIKeyMode:   models.APIKeyModeOwn,
	}
}

func answers(envs []envelope.Envelope) []models.Answer {
	var out []models.Answer
	for _, e := range envs {
		if p, ok := e.Payload.(envelope.AnswerPayload); ok {
			out = append(out, p.Answer)
		}
	}
	return out
}

func assertSingleTrailingDone(t *testing.T, envs []envelope.Envelope) envelope.DonePayload {
	t.Helper()
	require.NotEmpty(t, envs)
	count := 0
	for _, e := range envs {
		if e.Type() == envelope.EventDone {
			count++
		}
	}
	require.Equal(t, 1, count, "exactly one done envelope")
	done, ok := envs[len(envs)-1].Done()
	require.True(t, ok, "done must be last")
	return done
}

func TestRun_Completed(t *testing.T) {
	provider := &scriptedProvider{chunks: []aiconnectors.Chunk{{Text: "H"}, {Text: "e"}, {Text: "llo"}}}
	svc := NewService(&recordingOpener{provider: provider}, credentials.NewSet(map[string]string{"OPENAI_API_KEY": "sk-server"}))

	var buf bytes.Buffer
	res := svc.Run(context.Background(), baseRequest(), prompts.Geo{}, &buf)

	assert.Equal(t, StateCompleted, res.Outcome)
	assert.Equal(t, "Hello", res.Text)

	envs := decodeAll(t, buf.Bytes())
	first, ok := envs[0].Payload.(envelope.AnswerPayload)
	require.True(t, ok, "first envelope is the placeholder answer")
	assert.Equal(t, "", first.Answer.Text)
	assert.Equal(t, models.StatusPending, first.Answer.Status)

	got := answers(envs)
	texts := make([]string, 0, len(got))
	for _, a := range got {
		texts = append(texts, a.Text)
	}
	assert.Equal(t, []string{"", "H", "He", "Hello", "Hello"}, texts)
	assert.Equal(t, models.StatusCompleted, got[len(got)-1].Status)

	for i := 1; i < len(texts); i++ {
		assert.GreaterOrEqual(t, len(texts[i]), len(texts[i-1]))
	}

	done := assertSingleTrailingDone(t, envs)
	assert.Equal(t, envelope.TerminalComplete, done.Status)
	assert.Empty(t, done.Error)
	assert.Equal(t, "t1", envs[len(envs)-1].ThreadID)
	assert.Equal(t, "i1", envs[len(envs)-1].ThreadItemID)
}

func TestRun_AbortAfterTwoAnswers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &scriptedProvider{
		chunks: []aiconnectors.Chunk{{Text: "a"}, {Text: "b"}, {Text: "c"}, {Text: "d"}},
		after: func(i int) {
			if i == 1 {
				cancel()
			}
		},
	}
	svc := NewService(&recordingOpener{provider: provider}, credentials.NewSet(map[string]string{"OPENAI_API_KEY": "sk"}))

	var buf bytes.Buffer
	res := svc.Run(ctx, baseRequest(), prompts.Geo{}, &buf)
	assert.Equal(t, StateAborted, res.Outcome)

	envs := decodeAll(t, buf.Bytes())
	done := assertSingleTrailingDone(t, envs)
	assert.Equal(t, envelope.TerminalAborted, done.Status)

	texts := []string{}
	for _, a := range answers(envs) {
		texts = append(texts, a.Text)
		assert.NotEqual(t, models.StatusCompleted, a.Status)
	}
	assert.Equal(t, []string{"", "a", "ab"}, texts)
}

func TestRun_MissingCredential(t *testing.T) {
	svc := NewService(&aiconnectors.Factory{}, credentials.NewSet(nil))

	var buf bytes.Buffer
	res := svc.Run(context.Background(), baseRequest(), prompts.Geo{}, &buf)
	assert.Equal(t, StateErrored, res.Outcome)
	assert.ErrorIs(t, res.Err, aiconnectors.ErrMissingCredential)

	envs := decodeAll(t, buf.Bytes())
	require.Len(t, envs, 2)
	assert.Equal(t, envelope.EventAnswer, envs[0].Type())
	done := assertSingleTrailingDone(t, envs)
	assert.Equal(t, envelope.TerminalError, done.Status)
	assert.Contains(t, done.Error, "OpenAI API Key")
}

func TestRun_SystemModeIgnoresCallerKey(t *testing.T) {
	opener := &recordingOpener{provider: &scriptedProvider{chunks: []aiconnectors.Chunk{{Text: "x"}}}}
	svc := NewService(opener, credentials.NewSet(nil))

	req := baseRequest()
	req.APIKeyMode = models.APIKeyModeSystem
	req.APIKeys = map[string]string{"OPENAI_API_KEY": "sk-caller"}

	var buf bytes.Buffer
	res := svc.Run(context.Background(), req, prompts.Geo{}, &buf)

	assert.Equal(t, StateErrored, res.Outcome)
	assert.False(t, opener.creds.Has(credentials.OpenAI))
	assert.Equal(t, 0, svc.ServerKeys().Len(), "server keys must never absorb caller keys")

	done := assertSingleTrailingDone(t, decodeAll(t, buf.Bytes()))
	assert.Equal(t, envelope.TerminalError, done.Status)
}

func TestRun_OwnModeFallsBackToCallerKey(t *testing.T) {
	opener := &recordingOpener{provider: &scriptedProvider{chunks: []aiconnectors.Chunk{{Text: "x"}}}}
	svc := NewService(opener, credentials.NewSet(nil))

	req := baseRequest()
	req.APIKeys = map[string]string{"OPENAI_API_KEY": "sk-caller"}

	var buf bytes.Buffer
	res := svc.Run(context.Background(), req, prompts.Geo{}, &buf)

	assert.Equal(t, StateCompleted, res.Outcome)
	assert.Equal(t, "sk-caller", opener.creds.Get(credentials.OpenAI))
	assert.False(t, svc.ServerKeys().Has(credentials.OpenAI))
}

func TestRun_UnknownMode(t *testing.T) {
	svc := NewService(&recordingOpener{}, credentials.NewSet(nil))
	req := baseRequest()
	req.Mode = "gpt-99"

	var buf bytes.Buffer
	res := svc.Run(context.Background(), req, prompts.Geo{}, &buf)
	assert.ErrorIs(t, res.Err, aiconnectors.ErrUnknownMode)

	done := assertSingleTrailingDone(t, decodeAll(t, buf.Bytes()))
	assert.Contains(t, done.Error, "gpt-99")
}

func TestRun_UpstreamErrorCarriesMessage(t *testing.T) {
	provider := &scriptedProvider{chunks: []aiconnectors.Chunk{{Text: "partial"}}, err: errors.New("upstream exploded")}
	svc := NewService(&recordingOpener{provider: provider}, credentials.NewSet(map[string]string{"OPENAI_API_KEY": "sk"}))

	var buf bytes.Buffer
	res := svc.Run(context.Background(), baseRequest(), prompts.Geo{}, &buf)
	assert.Equal(t, StateErrored, res.Outcome)

	done := assertSingleTrailingDone(t, decodeAll(t, buf.Bytes()))
	assert.Equal(t, envelope.TerminalError, done.Status)
	assert.Equal(t, "upstream exploded", done.Error)
}

func TestRun_RateLimitedUpstreamCountedApart(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	provider := &scriptedProvider{err: errors.New("API returned unexpected status code: 429: Too Many Requests")}
	svc := NewService(&recordingOpener{provider: provider}, credentials.NewSet(map[string]string{"OPENAI_API_KEY": "sk"}),
		WithMetrics(m))

	var buf bytes.Buffer
	res := svc.Run(context.Background(), baseRequest(), prompts.Geo{}, &buf)
	assert.Equal(t, StateErrored, res.Outcome)

	done := assertSingleTrailingDone(t, decodeAll(t, buf.Bytes()))
	assert.Equal(t, envelope.TerminalError, done.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompletionsTotal.WithLabelValues("gpt-4o-mini", MetricStatusRateLimited)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CompletionsTotal.WithLabelValues("gpt-4o-mini", "error")))
}

func TestRun_OtherUpstreamErrorCountedAsError(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	provider := &scriptedProvider{err: errors.New("bad request")}
	svc := NewService(&recordingOpener{provider: provider}, credentials.NewSet(map[string]string{"OPENAI_API_KEY": "sk"}),
		WithMetrics(m))

	var buf bytes.Buffer
	svc.Run(context.Background(), baseRequest(), prompts.Geo{}, &buf)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompletionsTotal.WithLabelValues("gpt-4o-mini", "error")))
}

func TestRun_ReasoningAccumulates(t *testing.T) {
	provider := &scriptedProvider{chunks: []aiconnectors.Chunk{
		{Reasoning: "think "},
		{Reasoning: "more"},
		{Text: "answer"},
	}}
	svc := NewService(&recordingOpener{provider: provider}, credentials.NewSet(map[string]string{"OPENAI_API_KEY": "sk"}))
	req := baseRequest()
	req.Mode = "o4-mini"

	var buf bytes.Buffer
	svc.Run(context.Background(), req, prompts.Geo{}, &buf)

	got := answers(decodeAll(t, buf.Bytes()))
	final := got[len(got)-1]
	assert.Equal(t, "answer", final.Text)
	assert.Equal(t, "think more", final.Reasoning)
}

func TestRun_SystemInstructionAndHistory(t *testing.T) {
	provider := &scriptedProvider{}
	pb := prompts.NewPromptBuilder().WithClock(func() time.Time {
		return time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC)
	})
	svc := NewService(&recordingOpener{provider: provider}, credentials.NewSet(map[string]string{"OPENAI_API_KEY": "sk"}), WithPromptBuilder(pb))

	req := baseRequest()
	req.CustomInstructions = "Be brief."
	var buf bytes.Buffer
	svc.Run(context.Background(), req, prompts.Geo{City: "Pune", Country: "IN"}, &buf)

	assert.Equal(t, "You are a helpful AI assistant. Today is Monday, March 3, 2025. The user is located in Pune, IN.\n\nBe brief.", provider.gotReq.System)
	require.Len(t, provider.gotReq.Messages, 1)
	assert.Equal(t, "hello", provider.gotReq.Messages[0].Content.Text)
}

func TestRun_PromptUsedWhenHistoryEmpty(t *testing.T) {
	provider := &scriptedProvider{}
	svc := NewService(&recordingOpener{provider: provider}, credentials.NewSet(map[string]string{"OPENAI_API_KEY": "sk"}))

	req := baseRequest()
	req.Messages = nil
	var buf bytes.Buffer
	svc.Run(context.Background(), req, prompts.Geo{}, &buf)

	require.Len(t, provider.gotReq.Messages, 1)
	assert.Equal(t, models.RoleUser, provider.gotReq.Messages[0].Role)
	assert.Equal(t, "hello", provider.gotReq.Messages[0].Content.Text)
}

func TestRun_Heartbeat(t *testing.T) {
	provider := &scriptedProvider{block: 80 * time.Millisecond, chunks: []aiconnectors.Chunk{{Text: "ok"}}}
	svc := NewService(&recordingOpener{provider: provider}, credentials.NewSet(map[string]string{"OPENAI_API_KEY": "sk"}),
		WithHeartbeatInterval(10*time.Millisecond))

	var buf bytes.Buffer
	res := svc.Run(context.Background(), baseRequest(), prompts.Geo{}, &buf)
	assert.Equal(t, StateCompleted, res.Outcome)

	raw := buf.Bytes()
	assert.True(t, bytes.Contains(raw, envelope.Heartbeat))
	assert.True(t, bytes.HasSuffix(raw, []byte("\n\n")))

	// Heartbeats are comment frames and never decode into envelopes.
	done := assertSingleTrailingDone(t, decodeAll(t, raw))
	assert.Equal(t, envelope.TerminalComplete, done.Status)
}

func TestRun_PanicStillEndsWithDone(t *testing.T) {
	svc := NewService(panicOpener{}, credentials.NewSet(map[string]string{"OPENAI_API_KEY": "sk"}))

	var buf bytes.Buffer
	res := svc.Run(context.Background(), baseRequest(), prompts.Geo{}, &buf)
	assert.Equal(t, StateErrored, res.Outcome)

	done := assertSingleTrailingDone(t, decodeAll(t, buf.Bytes()))
	assert.Equal(t, envelope.TerminalError, done.Status)
}

type panicOpener struct{}

func (panicOpener) Open(context.Context, aiconnectors.ModeBinding, credentials.Set) (aiconnectors.StreamProvider, error) {
	panic("boom")
}

func TestResultMetricStatus(t *testing.T) {
	assert.Equal(t, MetricStatusRateLimited, Result{Outcome: StateErrored, Err: errors.New("Quota exceeded for model")}.metricStatus())
	assert.Equal(t, "error", Result{Outcome: StateErrored, Err: errors.New("bad request")}.metricStatus())
	assert.Equal(t, "aborted", Result{Outcome: StateAborted, Err: errors.New("rate limit")}.metricStatus())
	assert.Equal(t, "complete", Result{Outcome: StateCompleted}.metricStatus())
}

func TestResultStatus(t *testing.T) {
	assert.Equal(t, envelope.TerminalComplete, Result{Outcome: StateCompleted}.Status())
	assert.Equal(t, envelope.TerminalAborted, Result{Outcome: StateAborted}.Status())
	assert.Equal(t, envelope.TerminalError, Result{Outcome: StateErrored}.Status())
	assert.Equal(t, envelope.TerminalError, Result{Outcome: StateStreaming}.Status())
}
