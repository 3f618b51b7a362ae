package aiconnectors

import (
	"errors"
	"sort"

	"github.com/livechat/internal/credentials"
)

// Mode is a chat mode selectable by the user
type Mode string

const (
	ModeO4Mini          Mode = "o4-mini"
	ModeGPT4oMini       Mode = "gpt-4o-mini"
	ModeGPT41Mini       Mode = "gpt-4.1-mini"
	ModeGPT41Nano       Mode = "gpt-4.1-nano"
	ModeGPT41           Mode = "gpt-4.1"
	ModeGemini2Flash    Mode = "gemini-2.0-flash"
	ModeClaude35Sonnet  Mode = "claude-3.5-sonnet"
	ModeClaude37Sonnet  Mode = "claude-3.7-sonnet"
	ModeDeepSeekR1      Mode = "deepseek-r1"
	ModeLlama4Scout     Mode = "llama-4-scout"
	ModeLlama33Together Mode = "llama-3.3-70b"
	ModeLocal           Mode = "local"
)

// ErrUnknownMode is returned for a mode that is not in the registry
var ErrUnknownMode = errors.New("unknown chat mode")

// ModeBinding ties a chat mode to a concrete provider model
type ModeBinding struct {
	Mode       Mode
	Name       string
	Provider   Provider
	Model      string
	Credential credentials.Kind // empty when the provider needs none
	Reasoning  bool
	BaseURL    string
}

// RequiresCredential reports whether the mode cannot run without a key
func (b ModeBinding) RequiresCredential() bool {
	return b.Credential != ""
}

const (
	fireworksBaseURL = "https://api.fireworks.ai/inference/v1"
	togetherBaseURL  = "https://api.together.xyz/v1"
)

var modeRegistry = map[Mode]ModeBinding{
	ModeO4Mini:         {Name: "O4 Mini", Provider: ProviderOpenAI, Model: "o4-mini", Credential: credentials.OpenAI, Reasoning: true},
	ModeGPT4oMini:      {Name: "GPT 4o Mini", Provider: ProviderOpenAI, Model: "gpt-4o-mini", Credential: credentials.OpenAI},
	ModeGPT41Mini:      {Name: "GPT 4.1 Mini", Provider: ProviderOpenAI, Model: "gpt-4.1-mini", Credential: credentials.OpenAI},
	ModeGPT41Nano:      {Name: "GPT 4.1 Nano", Provider: ProviderOpenAI, Model: "gpt-4.1-nano", Credential: credentials.OpenAI},
	ModeGPT41:          {Name: "GPT 4.1", Provider: ProviderOpenAI, Model: "gpt-4.1", Credential: credentials.OpenAI},
	ModeGemini2Flash:   {Name: "Gemini 2 Flash", Provider: ProviderGemini, Model: "gemini-2.0-flash", Credential: credentials.Gemini},
	ModeClaude35Sonnet: {Name: "Claude 3.5 Sonnet", Provider: ProviderClaude, Model: "claude-3-5-sonnet-20241022", Credential: credentials.Anthropic},
	ModeClaude37Sonnet: {Name: "Claude 3.7 Sonnet", Provider: ProviderClaude, Model: "claude-3-7-sonnet-20250219", Credential: credentials.Anthropic},
	ModeDeepSeekR1: {Name: "DeepSeek R1", Provider: ProviderFireworks, Model: "accounts/fireworks/models/deepseek-r1",
		Credential: credentials.Fireworks, Reasoning: true, BaseURL: fireworksBaseURL},
	ModeLlama4Scout: {Name: "Llama 4 Scout", Provider: ProviderFireworks, Model: "accounts/fireworks/models/llama4-scout-instruct-basic",
		Credential: credentials.Fireworks, BaseURL: fireworksBaseURL},
	ModeLlama33Together: {Name: "Llama 3.3 70B", Provider: ProviderTogether, Model: "meta-llama/Llama-3.3-70B-Instruct-Turbo",
		Credential: credentials.Together, BaseURL: togetherBaseURL},
	ModeLocal: {Name: "Local (Ollama)", Provider: ProviderOllama, Model: "llama3"},
}

// LookupMode returns the binding of a chat mode
func LookupMode(mode string) (ModeBinding, error) {
	b, ok := modeRegistry[Mode(mode)]
	if !ok {
		return ModeBinding{}, ErrUnknownMode
	}
	b.Mode = Mode(mode)
	return b, nil
}

// Modes lists every registered chat mode, sorted
func Modes() []string {
	out := make([]string, 0, len(modeRegistry))
	for m := range modeRegistry {
		out = append(out, string(m))
	}
	sort.Strings(out)
	return out
}
