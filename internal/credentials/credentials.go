// Package credentials resolves which provider credentials a request may use.
package credentials

import (
	"sort"
	"strings"

	"github.com/livechat/pkg/models"
)

// Kind names a provider credential by its environment variable name
type Kind string

const (
	OpenAI    Kind = "OPENAI_API_KEY"
	Anthropic Kind = "ANTHROPIC_API_KEY"
	Gemini    Kind = "GEMINI_API_KEY"
	Fireworks Kind = "FIREWORKS_API_KEY"
	Together  Kind = "TOGETHER_API_KEY"
	Serper    Kind = "SERPER_API_KEY"
	Jina      Kind = "JINA_API_KEY"
)

// Kinds lists every credential kind the server knows about
var Kinds = []Kind{OpenAI, Anthropic, Gemini, Fireworks, Together, Serper, Jina}

var displayNames = map[Kind]string{
	OpenAI:    "OpenAI API Key",
	Anthropic: "Anthropic API Key",
	Gemini:    "Google Gemini API Key",
	Fireworks: "Fireworks API Key",
	Together:  "Together API Key",
	Serper:    "Serper API Key",
	Jina:      "Jina API Key",
}

// ParseKind maps an environment variable name to a Kind
func ParseKind(name string) (Kind, bool) {
	k := Kind(strings.TrimSpace(name))
	_, ok := displayNames[k]
	return k, ok
}

// DisplayName returns the human-readable name of a credential kind
func (k Kind) DisplayName() string {
	if name, ok := displayNames[k]; ok {
		return name
	}
	return string(k)
}

// Set is an immutable collection of credentials. The zero value is empty.
type Set struct {
	keys map[Kind]string
}

// NewSet copies the non-empty values of keys whose names are known kinds
func NewSet(keys map[string]string) Set {
	s := Set{keys: make(map[Kind]string, len(keys))}
	for name, value := range keys {
		kind, ok := ParseKind(name)
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			continue
		}
		s.keys[kind] = value
	}
	return s
}

// Get returns the credential of the given kind, or ""
func (s Set) Get(k Kind) string {
	return s.keys[k]
}

// Has reports whether a credential of the given kind is present
func (s Set) Has(k Kind) bool {
	return s.keys[k] != ""
}

// Len returns the number of credentials in the set
func (s Set) Len() int {
	return len(s.keys)
}

// Map returns a copy of the set keyed by environment variable name
func (s Set) Map() map[string]string {
	out := make(map[string]string, len(s.keys))
	for k, v := range s.keys {
		out[string(k)] = v
	}
	return out
}

// Present lists the kinds in the set, sorted by name
func (s Set) Present() []Kind {
	out := make([]Kind, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve computes the credentials one request may use. In system mode only
// server-held credentials are used. In own mode, the default, a caller
// credential fills each kind the server does not hold. The server set is
// never modified; the result is a new value scoped to the request.
func Resolve(server Set, caller map[string]string, mode models.APIKeyMode) Set {
	out := Set{keys: make(map[Kind]string, len(Kinds))}
	for k, v := range server.keys {
		out.keys[k] = v
	}
	if mode == models.APIKeyModeSystem {
		return out
	}
	for k, v := range NewSet(caller).keys {
		if _, held := out.keys[k]; !held {
			out.keys[k] = v
		}
	}
	return out
}

// Probe reports which server-held credentials are configured, as booleans only
func Probe(server Set) map[string]bool {
	out := make(map[string]bool, len(Kinds))
	for _, k := range Kinds {
		out[string(k)] = server.Has(k)
	}
	return out
}

// Mask hides a secret for display, showing only the first and last 2 chars
func Mask(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}
