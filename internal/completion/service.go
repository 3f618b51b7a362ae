// Package completion runs one streamed chat completion and writes its
// events to a response body.
package completion

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/livechat/internal/aiconnectors"
	"github.com/livechat/internal/credentials"
	"github.com/livechat/internal/envelope"
	"github.com/livechat/internal/metrics"
	"github.com/livechat/internal/prompts"
	"github.com/livechat/pkg/models"
)

// DefaultHeartbeatInterval keeps idle proxies from closing the connection
const DefaultHeartbeatInterval = 15 * time.Second

// MetricStatusRateLimited is the completions_total status of a stream that
// failed because the provider refused it for quota
const MetricStatusRateLimited = "rate_limited"

// State is a phase of one completion request
type State string

const (
	StateStarted   State = "STARTED"
	StateStreaming State = "STREAMING"
	StateCompleted State = "COMPLETED"
	StateAborted   State = "ABORTED"
	StateErrored   State = "ERRORED"
	StateClosed    State = "CLOSED"
)

// ProviderOpener opens the upstream model stream for a chat mode
type ProviderOpener interface {
	Open(ctx context.Context, binding aiconnectors.ModeBinding, creds credentials.Set) (aiconnectors.StreamProvider, error)
}

// Result summarizes a finished stream
type Result struct {
	// Outcome is the terminal state reached before the stream was closed
	Outcome State
	Text    string
	Err     error
}

// Status returns the terminal status reported in the done envelope
func (r Result) Status() envelope.TerminalStatus {
	switch r.Outcome {
	case StateCompleted:
		return envelope.TerminalComplete
	case StateAborted:
		return envelope.TerminalAborted
	}
	return envelope.TerminalError
}

// metricStatus labels completions_total. Upstream rate-limit failures are
// counted apart from other errors.
func (r Result) metricStatus() string {
	if r.Outcome == StateErrored && aiconnectors.IsQuotaError(r.Err) {
		return MetricStatusRateLimited
	}
	return string(r.Status())
}

// Service streams completions. It holds no per-request state.
type Service struct {
	opener            ProviderOpener
	serverKeys        credentials.Set
	prompts           *prompts.PromptBuilder
	heartbeatInterval time.Duration
	metrics           *metrics.Metrics
}

// Option configures a Service
type Option func(*Service)

// WithHeartbeatInterval overrides DefaultHeartbeatInterval
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

// WithPromptBuilder replaces the system instruction builder
func WithPromptBuilder(pb *prompts.PromptBuilder) Option {
	return func(s *Service) { s.prompts = pb }
}

// WithMetrics records stream metrics to m
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a completion service backed by opener. serverKeys are
// the credentials held by the server process.
func NewService(opener ProviderOpener, serverKeys credentials.Set, opts ...Option) *Service {
	s := &Service{
		opener:            opener,
		serverKeys:        serverKeys,
		prompts:           prompts.NewPromptBuilder(),
		heartbeatInterval: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerKeys returns the credentials held by the server
func (s *Service) ServerKeys() credentials.Set {
	return s.serverKeys
}

// Run streams one completion to w. It always writes exactly one done
// envelope, and it is the last thing written. Cancelling ctx aborts the
// upstream call and ends the stream with done/aborted.
func (s *Service) Run(ctx context.Context, req models.CompletionRequest, geo prompts.Geo, w io.Writer) (result Result) {
	ctx, cancel := context.WithCancel(ctx)
	out := newEventStream(w, s.metrics)
	started := time.Now()

	logger := log.With().
		Str("thread_id", req.ThreadID).
		Str("thread_item_id", req.ThreadItemID).
		Str("mode", req.Mode).
		Logger()

	result.Outcome = StateStarted
	s.metrics.StreamStarted()
	stopHeartbeat := s.startHeartbeat(ctx, out)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Completion stream panicked")
			result.Outcome = StateErrored
			result.Err = fmt.Errorf("completion panicked: %v", r)
		}
		stopHeartbeat()
		cancel()
		if !out.isClosed() {
			s.finish(out, req, result)
		}
		s.metrics.StreamFinished(req.Mode, result.metricStatus(), time.Since(started))
		logger.Info().
			Str("outcome", string(result.Outcome)).
			Int("answer_length", len(result.Text)).
			Dur("duration", time.Since(started)).
			Msg("Completion stream closed")
	}()

	emitter := &answerEmitter{out: out, req: req}
	if err := emitter.send(models.StatusPending); err != nil {
		logger.Debug().Err(err).Msg("Failed to write placeholder answer")
	}
	result.Outcome = StateStreaming

	err := s.stream(ctx, req, geo, emitter)
	result.Text = emitter.text.String()

	switch {
	case ctx.Err() != nil:
		result.Outcome = StateAborted
		result.Err = ctx.Err()
	case err != nil:
		logger.Error().Err(err).
			Bool("rate_limited", aiconnectors.IsQuotaError(err)).
			Msg("Completion stream failed")
		result.Outcome = StateErrored
		result.Err = err
	default:
		if err := emitter.send(models.StatusCompleted); err != nil {
			logger.Debug().Err(err).Msg("Failed to write final answer")
		}
		result.Outcome = StateCompleted
	}
	return result
}

func (s *Service) stream(ctx context.Context, req models.CompletionRequest, geo prompts.Geo, emitter *answerEmitter) error {
	binding, err := aiconnectors.LookupMode(req.Mode)
	if err != nil {
		return fmt.Errorf("%w: %s", err, req.Mode)
	}

	keys := credentials.Resolve(s.serverKeys, req.APIKeys, req.APIKeyMode)
	provider, err := s.opener.Open(ctx, binding, keys)
	if err != nil {
		return err
	}

	streamReq := aiconnectors.StreamRequest{
		System:   s.prompts.BuildSystemInstruction(geo, req.CustomInstructions),
		Messages: upstreamMessages(req),
	}

	return provider.Stream(ctx, streamReq, func(chunk aiconnectors.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if chunk.Text == "" && chunk.Reasoning == "" {
			return nil
		}
		emitter.text.WriteString(chunk.Text)
		emitter.reasoning.WriteString(chunk.Reasoning)
		if err := emitter.send(models.StatusPending); err != nil {
			// The client is gone; stop pulling tokens.
			return err
		}
		return nil
	})
}

func (s *Service) finish(out *eventStream, req models.CompletionRequest, result Result) {
	done := envelope.DonePayload{Status: result.Status()}
	if done.Status == envelope.TerminalError {
		done.Error = errorMessage(result.Err)
	}
	_ = out.send(envelope.Envelope{
		ThreadID:           req.ThreadID,
		ThreadItemID:       req.ThreadItemID,
		ParentThreadItemID: req.ParentThreadItemID,
		Payload:            done,
	})
}

// startHeartbeat writes a heartbeat every interval until ctx ends or the
// returned stop function is called. stop waits for the goroutine to exit.
func (s *Service) startHeartbeat(ctx context.Context, out *eventStream) func() {
	ticker := time.NewTicker(s.heartbeatInterval)
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case <-ticker.C:
				if err := out.heartbeat(); err != nil {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(quit)
			wg.Wait()
		})
	}
}

// answerEmitter accumulates the answer and emits it in full each time
type answerEmitter struct {
	out       *eventStream
	req       models.CompletionRequest
	text      strings.Builder
	reasoning strings.Builder
}

func (e *answerEmitter) send(status models.ItemStatus) error {
	return e.out.send(envelope.Envelope{
		ThreadID:           e.req.ThreadID,
		ThreadItemID:       e.req.ThreadItemID,
		ParentThreadItemID: e.req.ParentThreadItemID,
		Payload: envelope.AnswerPayload{Answer: models.Answer{
			Text:      e.text.String(),
			Status:    status,
			Reasoning: e.reasoning.String(),
		}},
	})
}

// upstreamMessages returns the history to send upstream. The prompt stands
// in for the history when the caller sent none.
func upstreamMessages(req models.CompletionRequest) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, len(req.Messages)+1)
	msgs = append(msgs, req.Messages...)
	if len(msgs) == 0 && strings.TrimSpace(req.Prompt) != "" {
		msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: models.TextContent(req.Prompt)})
	}
	return msgs
}

func errorMessage(err error) string {
	if err == nil {
		return "Something went wrong. Please try again."
	}
	return err.Error()
}
