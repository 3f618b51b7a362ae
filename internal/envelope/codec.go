package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/livechat/pkg/models"
)

// Heartbeat is a comment frame. Decoders ignore it.
var Heartbeat = []byte(": heartbeat\n\n")

const circularMarker = "[Circular]"

// Encode renders env as one complete frame. When the payload cannot be
// serialized a done/error frame for the same item is returned instead, so
// the result is always a well-formed frame.
func Encode(env Envelope) []byte {
	b, _ := EncodeFrame(env)
	return b
}

// EncodeFrame is Encode that also reports the event of the frame actually
// written. It differs from env.Type() only when the fallback frame replaced
// the payload.
func EncodeFrame(env Envelope) ([]byte, EventType) {
	env.Payload = sanitizePayload(env.Payload)

	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).
			Str("event", string(env.Type())).
			Str("thread_id", env.ThreadID).
			Str("thread_item_id", env.ThreadItemID).
			Msg("Error serializing message payload")
		return fallbackFrame(env), EventDone
	}
	return frame(env.Type(), data), env.Type()
}

func frame(t EventType, data []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(data) + len(t) + 16)
	buf.WriteString("event: ")
	buf.WriteString(string(t))
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

func fallbackFrame(env Envelope) []byte {
	data, err := json.Marshal(Envelope{
		ThreadID:           env.ThreadID,
		ThreadItemID:       env.ThreadItemID,
		ParentThreadItemID: env.ParentThreadItemID,
		Payload:            DonePayload{Status: TerminalError, Error: "Failed to serialize payload"},
	})
	if err != nil {
		data = []byte(`{"type":"done","status":"error","error":"Failed to serialize payload"}`)
	}
	return frame(EventDone, data)
}

// sanitizePayload rewrites the free-form parts of a payload into JSON-safe values
func sanitizePayload(p Payload) Payload {
	switch v := p.(type) {
	case ToolCallsPayload:
		calls := make(map[string]models.ToolCall, len(v.ToolCalls))
		for k, c := range v.ToolCalls {
			if c.Args != nil {
				c.Args = toStringMap(Sanitize(c.Args))
			}
			calls[k] = c
		}
		return ToolCallsPayload{ToolCalls: calls}
	case ToolResultsPayload:
		results := make(map[string]models.ToolResult, len(v.ToolResults))
		for k, r := range v.ToolResults {
			r.Result = Sanitize(r.Result)
			results[k] = r
		}
		return ToolResultsPayload{ToolResults: results}
	case ObjectPayload:
		if v.Object == nil {
			return v
		}
		return ObjectPayload{Object: toStringMap(Sanitize(v.Object))}
	}
	return p
}

func toStringMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// Sanitize converts an arbitrary value into plain JSON values. Reference
// cycles are replaced by "[Circular]", non-finite numbers and values JSON
// cannot represent by nil.
func Sanitize(v any) any {
	s := sanitizer{seen: map[uintptr]bool{}}
	return s.value(reflect.ValueOf(v))
}

type sanitizer struct {
	seen map[uintptr]bool
}

func (s sanitizer) enter(v reflect.Value) bool {
	ptr := v.Pointer()
	if ptr == 0 {
		return true
	}
	if s.seen[ptr] {
		return false
	}
	s.seen[ptr] = true
	return true
}

func (s sanitizer) leave(v reflect.Value) {
	delete(s.seen, v.Pointer())
}

func (s sanitizer) value(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}

	if v.CanInterface() {
		if m, ok := v.Interface().(json.Marshaler); ok && v.Kind() != reflect.Pointer && v.Kind() != reflect.Interface {
			if b, err := m.MarshalJSON(); err == nil && json.Valid(b) {
				return v.Interface()
			}
			return nil
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.String:
		return v.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return s.value(v.Elem())
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if !s.enter(v) {
			return circularMarker
		}
		defer s.leave(v)
		return s.value(v.Elem())
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		if !s.enter(v) {
			return circularMarker
		}
		defer s.leave(v)
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = s.value(iter.Value())
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes()
		}
		if v.Len() > 0 {
			if !s.enter(v) {
				return circularMarker
			}
			defer s.leave(v)
		}
		return s.list(v)
	case reflect.Array:
		return s.list(v)
	case reflect.Struct:
		return s.structFields(v)
	}
	// chan, func, complex and unsafe pointers have no JSON form
	return nil
}

func (s sanitizer) list(v reflect.Value) []any {
	out := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		out[i] = s.value(v.Index(i))
	}
	return out
}

func (s sanitizer) structFields(v reflect.Value) map[string]any {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		omitEmpty := false
		if tag, ok := f.Tag.Lookup("json"); ok {
			if tag == "-" {
				continue
			}
			parts := strings.Split(tag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" {
					omitEmpty = true
				}
			}
		}
		fv := v.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}
		out[name] = s.value(fv)
	}
	return out
}
