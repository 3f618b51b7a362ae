package aiconnectors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai" // Use googleai instead of gemini
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/livechat/internal/credentials"
	"github.com/livechat/pkg/models"
)

// Provider represents an AI provider type
type Provider string

const (
	// Provider types
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderClaude    Provider = "claude"
	ProviderFireworks Provider = "fireworks"
	ProviderTogether  Provider = "together"
	ProviderOllama    Provider = "ollama"
)

// ErrMissingCredential is returned when a mode needs a key the request does not have
var ErrMissingCredential = errors.New("missing provider credential")

// ModelConfig contains the configuration for a specific model
type ModelConfig struct {
	Temperature float64 `json:"temperature,omitempty" koanf:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty" koanf:"max_tokens"`
	Model       string  `json:"model,omitempty" koanf:"model"`
}

// ConnectorOptions contains options for creating a connector
type ConnectorOptions struct {
	Provider    Provider    `json:"provider"`
	APIKey      string      `json:"api_key"`
	BaseURL     string      `json:"base_url,omitempty"`
	Reasoning   bool        `json:"reasoning,omitempty"`
	ModelConfig ModelConfig `json:"model_config,omitempty"`
}

// Chunk is one increment of a model stream
type Chunk struct {
	Text      string
	Reasoning string
}

// StreamRequest is the input of one upstream model stream
type StreamRequest struct {
	System   string
	Messages []models.ChatMessage
}

// StreamProvider opens a model stream and reports each increment to onChunk.
// Returning an error from onChunk stops the stream with that error.
type StreamProvider interface {
	Stream(ctx context.Context, req StreamRequest, onChunk func(Chunk) error) error
}

// Connector represents a connection to an AI provider
type Connector struct {
	provider Provider
	llm      llms.Model
	options  ConnectorOptions
}

// NewConnector creates a new connector for the specified provider
func NewConnector(ctx context.Context, options ConnectorOptions) (*Connector, error) {
	var model llms.Model
	var err error

	log.Debug().
		Str("provider", string(options.Provider)).
		Str("model", options.ModelConfig.Model).
		Float64("temperature", options.ModelConfig.Temperature).
		Msg("Creating new connector")

	switch options.Provider {
	case ProviderOpenAI, ProviderFireworks, ProviderTogether:
		model, err = createOpenAIModel(options)
	case ProviderGemini:
		model, err = createGeminiModel(ctx, options)
	case ProviderClaude:
		model, err = createAnthropicModel(options)
	case ProviderOllama:
		model, err = createOllamaModel(options)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", options.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", options.Provider, err)
	}

	return newConnectorWithModel(model, options), nil
}

func newConnectorWithModel(model llms.Model, options ConnectorOptions) *Connector {
	return &Connector{
		provider: options.Provider,
		llm:      model,
		options:  options,
	}
}

// Helper functions to create models for specific providers

// Fireworks and Together expose OpenAI-compatible endpoints and are reached
// through the OpenAI client with their base URL.
func createOpenAIModel(options ConnectorOptions) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(options.ModelConfig.Model),
		openai.WithToken(options.APIKey),
	}

	if options.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(options.BaseURL))
	}

	return openai.New(opts...)
}

func createGeminiModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	opts := []googleai.Option{
		googleai.WithAPIKey(options.APIKey),
		googleai.WithDefaultModel(options.ModelConfig.Model),
	}
	if options.ModelConfig.MaxTokens > 0 {
		opts = append(opts, googleai.WithDefaultMaxTokens(options.ModelConfig.MaxTokens))
	}

	model, err := googleai.New(ctx, opts...)
	if err != nil {
		log.Error().Err(err).
			Str("model", options.ModelConfig.Model).
			Msg("Failed to create Gemini model")
		return nil, fmt.Errorf("failed to create Gemini model: %w", err)
	}
	return model, nil
}

func createAnthropicModel(options ConnectorOptions) (llms.Model, error) {
	opts := []anthropic.Option{
		anthropic.WithToken(options.APIKey),
		anthropic.WithModel(options.ModelConfig.Model),
	}

	return anthropic.New(opts...)
}

func createOllamaModel(options ConnectorOptions) (llms.Model, error) {
	if options.BaseURL == "" {
		options.BaseURL = DefaultOllamaURL
	}

	opts := []ollama.Option{
		ollama.WithServerURL(options.BaseURL),
		ollama.WithModel(options.ModelConfig.Model),
	}

	return ollama.New(opts...)
}

// Stream sends the conversation to the model and reports text and reasoning
// increments as they arrive
func (c *Connector) Stream(ctx context.Context, req StreamRequest, onChunk func(Chunk) error) error {
	callOptions := []llms.CallOption{
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return onChunk(Chunk{Text: string(chunk)})
		}),
	}

	// Text arrives through the streaming func; only the reasoning part is taken here.
	if c.options.Reasoning {
		callOptions = append(callOptions, llms.WithStreamingReasoningFunc(func(ctx context.Context, reasoningChunk, _ []byte) error {
			if len(reasoningChunk) == 0 {
				return nil
			}
			return onChunk(Chunk{Reasoning: string(reasoningChunk)})
		}))
	}

	if c.options.ModelConfig.Temperature > 0 && !c.options.Reasoning {
		callOptions = append(callOptions, llms.WithTemperature(c.options.ModelConfig.Temperature))
	}
	if c.options.ModelConfig.MaxTokens > 0 {
		callOptions = append(callOptions, llms.WithMaxTokens(c.options.ModelConfig.MaxTokens))
	}

	_, err := c.llm.GenerateContent(ctx, toMessageContent(req), callOptions...)
	if err != nil {
		return fmt.Errorf("%s stream failed: %w", c.provider, err)
	}
	return nil
}

func toMessageContent(req StreamRequest) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, m := range req.Messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case models.RoleAssistant:
			role = llms.ChatMessageTypeAI
		case models.RoleSystem:
			role = llms.ChatMessageTypeSystem
		}

		if len(m.Content.Parts) == 0 {
			out = append(out, llms.TextParts(role, m.Content.Text))
			continue
		}
		parts := make([]llms.ContentPart, 0, len(m.Content.Parts))
		for _, p := range m.Content.Parts {
			switch p.Type {
			case "image":
				parts = append(parts, llms.ImageURLContent{URL: p.Image})
			default:
				parts = append(parts, llms.TextContent{Text: p.Text})
			}
		}
		out = append(out, llms.MessageContent{Role: role, Parts: parts})
	}
	return out
}

// Factory opens connectors for chat modes
type Factory struct {
	// OllamaURL overrides the default local Ollama server
	OllamaURL string
	// BaseURLs overrides the endpoint of a provider
	BaseURLs map[Provider]string
	Defaults ModelConfig
}

// Open returns a stream provider for binding using the request's credentials
func (f *Factory) Open(ctx context.Context, binding ModeBinding, creds credentials.Set) (StreamProvider, error) {
	options := ConnectorOptions{
		Provider:    binding.Provider,
		BaseURL:     binding.BaseURL,
		Reasoning:   binding.Reasoning,
		ModelConfig: f.Defaults,
	}
	options.ModelConfig.Model = binding.Model

	if binding.RequiresCredential() {
		options.APIKey = creds.Get(binding.Credential)
		if options.APIKey == "" {
			return nil, fmt.Errorf("%w: %s is required for %s", ErrMissingCredential, binding.Credential.DisplayName(), binding.Name)
		}
	}
	if url := f.BaseURLs[binding.Provider]; url != "" {
		options.BaseURL = url
	}
	if binding.Provider == ProviderOllama && f.OllamaURL != "" {
		options.BaseURL = f.OllamaURL
	}

	return NewConnector(ctx, options)
}

// IsQuotaError reports whether err looks like a provider rate-limit response
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") || strings.Contains(errStr, "quota") || strings.Contains(errStr, "rate limit")
}
