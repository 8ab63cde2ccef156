package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Document is an unvalidated field → value map as decoded from a request.
type Document map[string]any

// ValidateDocument checks every field of doc against the schema and returns a copy
// with values normalised to their canonical Go types: string for text and
// keyword, int64 for integer, float64 for float, bool, and time.Time (UTC)
// for date. Unknown fields are rejected.
func (s Schema) ValidateDocument(doc Document) (Document, error) {
	if len(doc) == 0 {
		return nil, &FieldError{Reason: "document is empty"}
	}
	out := make(Document, len(doc))
	for name, raw := range doc {
		f, ok := s.Field(name)
		if !ok {
			return nil, &FieldError{Field: name, Reason: "not in schema"}
		}
		v, err := Normalize(f.Type, raw)
		if err != nil {
			return nil, &FieldError{Field: name, Reason: err.Error()}
		}
		out[name] = v
	}
	return out, nil
}

// Normalize converts raw into the canonical Go type for t.
func Normalize(t FieldType, raw any) (any, error) {
	switch t {
	case TypeText, TypeKeyword:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	case TypeInteger:
		if n, ok := toInt64(raw); ok {
			return n, nil
		}
	case TypeFloat:
		if f, ok := toFloat64(raw); ok {
			return f, nil
		}
	case TypeBoolean:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case TypeDate:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("expected RFC 3339 date, got %q", v)
			}
			return ts.UTC(), nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %s", t, describe(raw))
}

func toInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func toFloat64(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func describe(raw any) string {
	switch raw.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", raw)
}
