package prompts

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf16"
)

const (
	// Preamble opens every system instruction
	Preamble = "You are a helpful AI assistant."

	// MaxCustomInstructions is the exclusive ceiling, in characters, above
	// which custom instructions are left out
	MaxCustomInstructions = 6000

	dateLayout = "Monday, January 2, 2006"
)

// Geo is the caller location reported by the edge, when known
type Geo struct {
	City    string
	Country string
}

// PromptBuilder assembles system instructions for chat completions
type PromptBuilder struct {
	now func() time.Time
}

// NewPromptBuilder creates a new prompt builder instance
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{now: time.Now}
}

// WithClock returns a builder that reads the current date from now
func (pb *PromptBuilder) WithClock(now func() time.Time) *PromptBuilder {
	return &PromptBuilder{now: now}
}

// BuildSystemInstruction combines the preamble, today's date, the caller's
// location and the user's custom instructions. Oversized custom
// instructions are dropped without error.
func (pb *PromptBuilder) BuildSystemInstruction(geo Geo, customInstructions string) string {
	var prompt strings.Builder

	prompt.WriteString(fmt.Sprintf("%s Today is %s.", Preamble, pb.now().Format(dateLayout)))

	if geo.City != "" && geo.Country != "" {
		prompt.WriteString(fmt.Sprintf(" The user is located in %s, %s.", geo.City, geo.Country))
	}

	if customInstructions != "" && utf16Len(customInstructions) < MaxCustomInstructions {
		prompt.WriteString("\n\n")
		prompt.WriteString(customInstructions)
	}

	return prompt.String()
}

// utf16Len counts s in UTF-16 code units, the unit browsers measure
// instruction length in. Runes outside the BMP count twice.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if l := utf16.RuneLen(r); l > 0 {
			n += l
		} else {
			n++
		}
	}
	return n
}
