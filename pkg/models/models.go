package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Conversation models

// Thread represents a conversation
type Thread struct {
	ID        string    `json:"id" db:"id"`
	Title     string    `json:"title" db:"title"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// ItemStatus is the lifecycle status of a thread item
type ItemStatus string

const (
	StatusQueued    ItemStatus = "QUEUED"
	StatusPending   ItemStatus = "PENDING"
	StatusCompleted ItemStatus = "COMPLETED"
	StatusAborted   ItemStatus = "ABORTED"
	StatusError     ItemStatus = "ERROR"
)

func (s ItemStatus) rank() int {
	switch s {
	case StatusQueued:
		return 1
	case StatusPending:
		return 2
	case StatusCompleted, StatusAborted, StatusError:
		return 3
	}
	return 0
}

// IsTerminal reports whether no further status change is allowed for the turn
func (s ItemStatus) IsTerminal() bool {
	return s.rank() == 3
}

// Valid reports whether s is one of the known statuses
func (s ItemStatus) Valid() bool {
	return s.rank() > 0
}

// CanTransition reports whether moving from s to next keeps the status
// sequence forward-only. Staying on a non-terminal status is allowed.
func (s ItemStatus) CanTransition(next ItemStatus) bool {
	if !next.Valid() {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// Answer holds the accumulated answer text of a thread item.
// Text is always the full text so far, never a delta.
type Answer struct {
	Text      string     `json:"text"`
	Status    ItemStatus `json:"status,omitempty"`
	Thinking  string     `json:"thinking,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
}

// Step is one unit of progress reported while an answer is produced
type Step struct {
	ID     string `json:"id"`
	Text   string `json:"text,omitempty"`
	Status string `json:"status,omitempty"`
}

// Source is a citation attached to an answer
type Source struct {
	Index   int    `json:"index,omitempty"`
	Title   string `json:"title,omitempty"`
	Link    string `json:"link"`
	Snippet string `json:"snippet,omitempty"`
}

// ToolCall is a tool invocation requested by the model
type ToolCall struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args,omitempty"`
}

// ToolResult is the outcome of a tool invocation
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Result     any    `json:"result,omitempty"`
}

// ThreadItem is one turn (query + answer) within a thread
type ThreadItem struct {
	ID              string                `json:"id"`
	ParentID        string                `json:"parentId,omitempty"`
	ThreadID        string                `json:"threadId"`
	Query           string                `json:"query"`
	ImageAttachment string                `json:"imageAttachment,omitempty"`
	Mode            string                `json:"mode,omitempty"`
	Status          ItemStatus            `json:"status"`
	Answer          *Answer               `json:"answer,omitempty"`
	Steps           map[string]Step       `json:"steps,omitempty"`
	Sources         []Source              `json:"sources,omitempty"`
	Suggestions     []string              `json:"suggestions,omitempty"`
	ToolCalls       map[string]ToolCall   `json:"toolCalls,omitempty"`
	ToolResults     map[string]ToolResult `json:"toolResults,omitempty"`
	Object          map[string]any        `json:"object,omitempty"`
	Error           string                `json:"error,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

// AnswerText returns the accumulated answer text, or "" when there is none
func (i ThreadItem) AnswerText() string {
	if i.Answer == nil {
		return ""
	}
	return i.Answer.Text
}

// Chat message models

// Role of a chat message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPart is one element of a multi-part message
type ContentPart struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

// Content is either plain text or a list of parts. On the wire it is a
// JSON string when it carries text only.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent returns plain-text content
func TextContent(text string) Content {
	return Content{Text: text}
}

// MarshalJSON implements json.Marshaler
func (c Content) MarshalJSON() ([]byte, error) {
	if len(c.Parts) == 0 {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Parts)
}

// UnmarshalJSON implements json.Unmarshaler
func (c *Content) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = Content{Text: text}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return errors.New("content must be a string or a list of parts")
	}
	*c = Content{Parts: parts}
	return nil
}

// ChatMessage is one role-tagged message of the outbound history
type ChatMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Completion request models

// APIKeyMode selects where provider credentials come from
type APIKeyMode string

const (
	APIKeyModeOwn    APIKeyMode = "own"
	APIKeyModeSystem APIKeyMode = "system"
)

// CompletionRequest is the body accepted by the completion endpoint
type CompletionRequest struct {
	Mode               string            `json:"mode"`
	Prompt             string            `json:"prompt"`
	ThreadID           string            `json:"threadId"`
	ThreadItemID       string            `json:"threadItemId"`
	ParentThreadItemID string            `json:"parentThreadItemId,omitempty"`
	Messages           []ChatMessage     `json:"messages"`
	CustomInstructions string            `json:"customInstructions,omitempty"`
	WebSearch          bool              `json:"webSearch,omitempty"`
	ShowSuggestions    bool              `json:"showSuggestions,omitempty"`
	APIKeys            map[string]string `json:"apiKeys,omitempty"`
	APIKeyMode         APIKeyMode        `json:"apiKeyMode,omitempty"`
}
