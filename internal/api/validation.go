package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/livechat/internal/aiconnectors"
	"github.com/livechat/internal/credentials"
	"github.com/livechat/pkg/models"
)

// completionSchema describes the body of POST /api/completion
var completionSchema = newCompletionSchema()

func newCompletionSchema() *openapi3.Schema {
	modes := make([]any, 0)
	for _, m := range aiconnectors.Modes() {
		modes = append(modes, m)
	}

	part := openapi3.NewObjectSchema().
		WithProperty("type", openapi3.NewStringSchema().WithEnum("text", "image")).
		WithProperty("text", openapi3.NewStringSchema()).
		WithProperty("image", openapi3.NewStringSchema()).
		WithRequired([]string{"type"})

	content := openapi3.NewOneOfSchema(
		openapi3.NewStringSchema(),
		openapi3.NewArraySchema().WithItems(part),
	)

	message := openapi3.NewObjectSchema().
		WithProperty("role", openapi3.NewStringSchema().WithEnum(
			string(models.RoleUser), string(models.RoleAssistant), string(models.RoleSystem))).
		WithProperty("content", content).
		WithRequired([]string{"role", "content"})

	apiKeys := openapi3.NewObjectSchema()
	for _, k := range credentials.Kinds {
		apiKeys = apiKeys.WithProperty(string(k), openapi3.NewStringSchema())
	}

	return openapi3.NewObjectSchema().
		WithProperty("mode", openapi3.NewStringSchema().WithEnum(modes...)).
		WithProperty("prompt", openapi3.NewStringSchema()).
		WithProperty("threadId", openapi3.NewStringSchema().WithMinLength(1)).
		WithProperty("threadItemId", openapi3.NewStringSchema().WithMinLength(1)).
		WithProperty("parentThreadItemId", openapi3.NewStringSchema()).
		WithProperty("messages", openapi3.NewArraySchema().WithItems(message)).
		WithProperty("customInstructions", openapi3.NewStringSchema()).
		WithProperty("webSearch", openapi3.NewBoolSchema()).
		WithProperty("showSuggestions", openapi3.NewBoolSchema()).
		WithProperty("apiKeys", apiKeys).
		WithProperty("apiKeyMode", openapi3.NewStringSchema().WithEnum(
			string(models.APIKeyModeOwn), string(models.APIKeyModeSystem))).
		WithRequired([]string{"mode", "prompt", "threadId", "threadItemId", "messages"})
}

// ValidationDetails maps a request field to its violations
type ValidationDetails map[string][]string

// Fields returns the offending field names, sorted
func (d ValidationDetails) Fields() []string {
	out := make([]string, 0, len(d))
	for f := range d {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// parseCompletionRequest validates raw and decodes it. A body that is not
// a JSON object is validated as an empty object so every required field
// is reported.
func parseCompletionRequest(raw []byte) (models.CompletionRequest, ValidationDetails) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		doc = map[string]any{}
	}
	if _, ok := doc.(map[string]any); !ok {
		doc = map[string]any{}
	}

	if err := completionSchema.VisitJSON(doc, openapi3.MultiErrors()); err != nil {
		details := ValidationDetails{}
		collectSchemaErrors(err, details)
		return models.CompletionRequest{}, details
	}

	var req models.CompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return models.CompletionRequest{}, ValidationDetails{"body": {err.Error()}}
	}
	if req.APIKeyMode == "" {
		req.APIKeyMode = models.APIKeyModeOwn
	}
	return req, nil
}

func collectSchemaErrors(err error, details ValidationDetails) {
	switch e := err.(type) {
	case openapi3.MultiError:
		for _, inner := range e {
			collectSchemaErrors(inner, details)
		}
	case *openapi3.SchemaError:
		field := strings.Join(e.JSONPointer(), ".")
		if field == "" {
			field = "body"
		}
		reason := e.Reason
		if reason == "" {
			reason = e.Error()
		}
		details[field] = append(details[field], reason)
	default:
		details["body"] = append(details["body"], fmt.Sprint(err))
	}
}
