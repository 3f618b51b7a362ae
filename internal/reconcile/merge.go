package reconcile

import (
	"maps"
	"slices"

	"github.com/livechat/internal/envelope"
	"github.com/livechat/pkg/models"
)

// merge applies one payload to item. The answer is replaced as a whole
// because it always carries the full text; every other payload replaces
// the field it names. Status only moves forward, and once the item is
// terminal neither the answer nor the status change again.
func merge(item *models.ThreadItem, p envelope.Payload) {
	switch v := p.(type) {
	case envelope.AnswerPayload:
		if item.Status.IsTerminal() {
			return
		}
		answer := v.Answer
		item.Answer = &answer
		advance(item, answer.Status)
	case envelope.StatusPayload:
		advance(item, v.Status)
	case envelope.StepsPayload:
		item.Steps = maps.Clone(v.Steps)
	case envelope.SourcesPayload:
		item.Sources = slices.Clone(v.Sources)
	case envelope.SuggestionsPayload:
		item.Suggestions = slices.Clone(v.Suggestions)
	case envelope.ToolCallsPayload:
		item.ToolCalls = maps.Clone(v.ToolCalls)
	case envelope.ToolResultsPayload:
		item.ToolResults = maps.Clone(v.ToolResults)
	case envelope.ObjectPayload:
		if v.Object != nil {
			item.Object = maps.Clone(v.Object)
		}
	case envelope.DonePayload:
		mergeDone(item, v)
	}
}

func mergeDone(item *models.ThreadItem, done envelope.DonePayload) {
	switch done.Status {
	case envelope.TerminalComplete:
		advance(item, models.StatusCompleted)
	case envelope.TerminalAborted:
		advance(item, models.StatusAborted)
	case envelope.TerminalError:
		if advance(item, models.StatusError) {
			item.Error = done.Error
		}
	}
	if item.Answer != nil && item.Status.IsTerminal() && !item.Answer.Status.IsTerminal() {
		item.Answer.Status = item.Status
	}
}

func advance(item *models.ThreadItem, next models.ItemStatus) bool {
	if next == "" || !item.Status.CanTransition(next) {
		return false
	}
	item.Status = next
	return true
}

func cloneItem(item models.ThreadItem) models.ThreadItem {
	out := item
	if item.Answer != nil {
		answer := *item.Answer
		out.Answer = &answer
	}
	out.Steps = maps.Clone(item.Steps)
	out.Sources = slices.Clone(item.Sources)
	out.Suggestions = slices.Clone(item.Suggestions)
	out.ToolCalls = maps.Clone(item.ToolCalls)
	out.ToolResults = maps.Clone(item.ToolResults)
	out.Object = maps.Clone(item.Object)
	return out
}
