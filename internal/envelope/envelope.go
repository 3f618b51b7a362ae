// Package envelope implements the event frames exchanged on a completion stream.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/livechat/pkg/models"
)

// EventType tags the payload carried by an envelope
type EventType string

const (
	EventAnswer      EventType = "answer"
	EventSteps       EventType = "steps"
	EventSources     EventType = "sources"
	EventStatus      EventType = "status"
	EventSuggestions EventType = "suggestions"
	EventToolCalls   EventType = "toolCalls"
	EventToolResults EventType = "toolResults"
	EventObject      EventType = "object"
	EventDone        EventType = "done"
)

// ErrUnknownEvent is returned when decoding a frame with an unsupported event type
var ErrUnknownEvent = errors.New("unknown event type")

// Recognized reports whether t is an item update routed to reconciliation.
// The terminal done event is handled separately.
func Recognized(t EventType) bool {
	switch t {
	case EventAnswer, EventSteps, EventSources, EventStatus, EventSuggestions,
		EventToolCalls, EventToolResults, EventObject:
		return true
	}
	return false
}

// TerminalStatus is the outcome carried by a done envelope
type TerminalStatus string

const (
	TerminalComplete TerminalStatus = "complete"
	TerminalAborted  TerminalStatus = "aborted"
	TerminalError    TerminalStatus = "error"
)

// Payload is implemented by every typed envelope payload
type Payload interface {
	EventType() EventType
}

type AnswerPayload struct {
	Answer models.Answer `json:"answer"`
}

type StepsPayload struct {
	Steps map[string]models.Step `json:"steps"`
}

type SourcesPayload struct {
	Sources []models.Source `json:"sources"`
}

type StatusPayload struct {
	Status models.ItemStatus `json:"status"`
}

type SuggestionsPayload struct {
	Suggestions []string `json:"suggestions"`
}

type ToolCallsPayload struct {
	ToolCalls map[string]models.ToolCall `json:"toolCalls"`
}

type ToolResultsPayload struct {
	ToolResults map[string]models.ToolResult `json:"toolResults"`
}

type ObjectPayload struct {
	Object map[string]any `json:"object"`
}

// DonePayload is the terminal signal of a turn
type DonePayload struct {
	Status TerminalStatus `json:"status"`
	Error  string         `json:"error,omitempty"`
}

func (AnswerPayload) EventType() EventType      { return EventAnswer }
func (StepsPayload) EventType() EventType       { return EventSteps }
func (SourcesPayload) EventType() EventType     { return EventSources }
func (StatusPayload) EventType() EventType      { return EventStatus }
func (SuggestionsPayload) EventType() EventType { return EventSuggestions }
func (ToolCallsPayload) EventType() EventType   { return EventToolCalls }
func (ToolResultsPayload) EventType() EventType { return EventToolResults }
func (ObjectPayload) EventType() EventType      { return EventObject }
func (DonePayload) EventType() EventType        { return EventDone }

// Envelope is one update on the stream
type Envelope struct {
	ThreadID           string
	ThreadItemID       string
	ParentThreadItemID string
	Payload            Payload
}

// Type returns the event type of the payload
func (e Envelope) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// Addressed reports whether the envelope names both its thread and item
func (e Envelope) Addressed() bool {
	return e.ThreadID != "" && e.ThreadItemID != ""
}

// Done returns the terminal payload when e is a done envelope
func (e Envelope) Done() (DonePayload, bool) {
	p, ok := e.Payload.(DonePayload)
	return p, ok
}

type header struct {
	Type               EventType `json:"type"`
	ThreadID           string    `json:"threadId,omitempty"`
	ThreadItemID       string    `json:"threadItemId,omitempty"`
	ParentThreadItemID string    `json:"parentThreadItemId,omitempty"`
}

// MarshalJSON flattens the header fields and the payload into one object
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.New("envelope has no payload")
	}
	fields := map[string]json.RawMessage{}

	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}

	head, err := json.Marshal(header{
		Type:               e.Type(),
		ThreadID:           e.ThreadID,
		ThreadItemID:       e.ThreadItemID,
		ParentThreadItemID: e.ParentThreadItemID,
	})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(head, &fields); err != nil {
		return nil, err
	}

	return json.Marshal(fields)
}

func unmarshalAs[T Payload](data []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func decodePayload(t EventType, data []byte) (Payload, error) {
	switch t {
	case EventAnswer:
		return unmarshalAs[AnswerPayload](data)
	case EventSteps:
		return unmarshalAs[StepsPayload](data)
	case EventSources:
		return unmarshalAs[SourcesPayload](data)
	case EventStatus:
		return unmarshalAs[StatusPayload](data)
	case EventSuggestions:
		return unmarshalAs[SuggestionsPayload](data)
	case EventToolCalls:
		return unmarshalAs[ToolCallsPayload](data)
	case EventToolResults:
		return unmarshalAs[ToolResultsPayload](data)
	case EventObject:
		return unmarshalAs[ObjectPayload](data)
	case EventDone:
		return unmarshalAs[DonePayload](data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, t)
}

// Decode turns a frame into a typed envelope. The frame's event line decides
// the payload type.
func Decode(f Frame) (Envelope, error) {
	var h header
	if err := json.Unmarshal(f.Data, &h); err != nil {
		return Envelope{}, fmt.Errorf("decode %s frame: %w", f.Event, err)
	}
	p, err := decodePayload(EventType(f.Event), f.Data)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode %s frame: %w", f.Event, err)
	}
	return Envelope{
		ThreadID:           h.ThreadID,
		ThreadItemID:       h.ThreadItemID,
		ParentThreadItemID: h.ParentThreadItemID,
		Payload:            p,
	}, nil
}
