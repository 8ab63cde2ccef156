// Package schema describes the typed, ordered field set of an index and
// validates incoming documents against it.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// FieldType enumerates the value kinds a field can hold.
type FieldType string

const (
	TypeText    FieldType = "text"
	TypeKeyword FieldType = "keyword"
	TypeInteger FieldType = "integer"
	TypeFloat   FieldType = "float"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeText, TypeKeyword, TypeInteger, TypeFloat, TypeBoolean, TypeDate:
		return true
	}
	return false
}

// Tokenized reports whether values of this type pass through a tokenizer.
func (t FieldType) Tokenized() bool { return t == TypeText }

// Field is one entry of a schema.
type Field struct {
	Name      string    `json:"name"`
	Type      FieldType `json:"type"`
	Indexed   bool      `json:"indexed"`
	Stored    bool      `json:"stored"`
	Tokenizer string    `json:"tokenizer,omitempty"`
}

// UnmarshalJSON defaults Indexed and Stored to true when omitted.
func (f *Field) UnmarshalJSON(data []byte) error {
	type plain Field
	p := plain{Indexed: true, Stored: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*f = Field(p)
	return nil
}

// Schema is an ordered, immutable list of fields.
type Schema struct {
	Fields []Field `json:"fields"`
}

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,127}$`)

// Validate checks the schema definition itself.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return &FieldError{Reason: "schema has no fields"}
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if !fieldNamePattern.MatchString(f.Name) {
			return &FieldError{Field: f.Name, Reason: "invalid field name"}
		}
		if _, dup := seen[f.Name]; dup {
			return &FieldError{Field: f.Name, Reason: "duplicate field"}
		}
		seen[f.Name] = struct{}{}
		if !f.Type.valid() {
			return &FieldError{Field: f.Name, Reason: fmt.Sprintf("unknown type %q", f.Type)}
		}
		if f.Tokenizer != "" && !f.Type.Tokenized() {
			return &FieldError{Field: f.Name, Reason: "tokenizer set on a non-text field"}
		}
		if !f.Indexed && !f.Stored {
			return &FieldError{Field: f.Name, Reason: "field is neither indexed nor stored"}
		}
	}
	return nil
}

// Field returns the named field.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Tokenizers lists the distinct tokenizer names text fields reference,
// with "" meaning the registry default.
func (s Schema) Tokenizers() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, f := range s.Fields {
		if !f.Type.Tokenized() {
			continue
		}
		if _, ok := seen[f.Tokenizer]; ok {
			continue
		}
		seen[f.Tokenizer] = struct{}{}
		out = append(out, f.Tokenizer)
	}
	return out
}

// DefaultSearchFields are the indexed text fields, used when a string query
// term carries no field prefix.
func (s Schema) DefaultSearchFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Indexed && (f.Type == TypeText || f.Type == TypeKeyword) {
			out = append(out, f.Name)
		}
	}
	return out
}

// FieldError names the field a schema or document check failed on.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}
