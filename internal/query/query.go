// Package query defines the structured query language accepted by search
// operations, its validation against an index schema, and a parser for the
// compact string syntax (field:value AND|OR|NOT).
package query

import (
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
)

// Query is a tagged union; exactly one member is set. A nil *Query means
// "match all documents".
type Query struct {
	All    *All    `json:"all,omitempty"`
	Term   *Term   `json:"term,omitempty"`
	Phrase *Phrase `json:"phrase,omitempty"`
	Range  *Range  `json:"range,omitempty"`
	Bool   *Bool   `json:"bool,omitempty"`
	Raw    *string `json:"raw,omitempty"`
}

// All matches every live document.
type All struct{}

// Term matches documents whose field contains value. Text values are
// analysed with the field's tokenizer and every resulting term must match.
type Term struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Phrase matches documents whose field contains the analysed terms of Text
// at consecutive positions.
type Phrase struct {
	Field string `json:"field"`
	Text  string `json:"text"`
}

// Range matches numeric or date fields within the given bounds. Unset
// bounds are open.
type Range struct {
	Field string `json:"field"`
	GT    any    `json:"gt,omitempty"`
	GTE   any    `json:"gte,omitempty"`
	LT    any    `json:"lt,omitempty"`
	LTE   any    `json:"lte,omitempty"`
}

// Bool combines clauses. Documents must match every Must clause, at least
// one Should clause when no Must clause is present, and no MustNot clause.
type Bool struct {
	Must    []Query `json:"must,omitempty"`
	Should  []Query `json:"should,omitempty"`
	MustNot []Query `json:"must_not,omitempty"`
}

// Request is the body of a structured search.
type Request struct {
	Query *Query `json:"query,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func MatchAll() *Query { return &Query{All: &All{}} }

func NewTerm(field string, value any) Query {
	return Query{Term: &Term{Field: field, Value: value}}
}

func NewPhrase(field, text string) Query {
	return Query{Phrase: &Phrase{Field: field, Text: text}}
}

// Key returns a canonical encoding suitable for cache keys.
func (q *Query) Key() string {
	if q == nil {
		return `{"all":{}}`
	}
	b, err := json.Marshal(q)
	if err != nil {
		return fmt.Sprintf("%#v", q)
	}
	return string(b)
}

func (q Query) members() int {
	n := 0
	if q.All != nil {
		n++
	}
	if q.Term != nil {
		n++
	}
	if q.Phrase != nil {
		n++
	}
	if q.Range != nil {
		n++
	}
	if q.Bool != nil {
		n++
	}
	if q.Raw != nil {
		n++
	}
	return n
}

// Resolve validates q against s and returns an equivalent query in which
// raw strings are parsed and every term and range value is normalised to
// the field's canonical type. The input is not modified.
func Resolve(q *Query, s schema.Schema) (*Query, error) {
	if q == nil {
		return MatchAll(), nil
	}
	out, err := resolve(*q, s)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func resolve(q Query, s schema.Schema) (Query, error) {
	if q.members() != 1 {
		return Query{}, fmt.Errorf("query must set exactly one of all, term, phrase, range, bool, raw")
	}
	switch {
	case q.All != nil:
		return q, nil

	case q.Raw != nil:
		parsed, err := Parse(*q.Raw, s.DefaultSearchFields())
		if err != nil {
			return Query{}, err
		}
		return resolve(*parsed, s)

	case q.Term != nil:
		f, err := indexedField(s, q.Term.Field)
		if err != nil {
			return Query{}, err
		}
		v, err := normalize(f, q.Term.Value)
		if err != nil {
			return Query{}, err
		}
		return Query{Term: &Term{Field: f.Name, Value: v}}, nil

	case q.Phrase != nil:
		f, err := indexedField(s, q.Phrase.Field)
		if err != nil {
			return Query{}, err
		}
		if f.Type != schema.TypeText {
			return Query{}, fmt.Errorf("phrase query on non-text field %q", f.Name)
		}
		return Query{Phrase: &Phrase{Field: f.Name, Text: q.Phrase.Text}}, nil

	case q.Range != nil:
		return resolveRange(*q.Range, s)

	default:
		b := &Bool{}
		var err error
		if b.Must, err = resolveAll(q.Bool.Must, s); err != nil {
			return Query{}, err
		}
		if b.Should, err = resolveAll(q.Bool.Should, s); err != nil {
			return Query{}, err
		}
		if b.MustNot, err = resolveAll(q.Bool.MustNot, s); err != nil {
			return Query{}, err
		}
		if len(b.Must)+len(b.Should)+len(b.MustNot) == 0 {
			return Query{}, fmt.Errorf("bool query has no clauses")
		}
		return Query{Bool: b}, nil
	}
}

func resolveAll(qs []Query, s schema.Schema) ([]Query, error) {
	if len(qs) == 0 {
		return nil, nil
	}
	out := make([]Query, len(qs))
	for i, q := range qs {
		r, err := resolve(q, s)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func resolveRange(r Range, s schema.Schema) (Query, error) {
	f, err := indexedField(s, r.Field)
	if err != nil {
		return Query{}, err
	}
	switch f.Type {
	case schema.TypeInteger, schema.TypeFloat, schema.TypeDate:
	default:
		return Query{}, fmt.Errorf("range query on %s field %q", f.Type, f.Name)
	}
	out := Range{Field: f.Name}
	bounds := []struct {
		in  any
		out *any
	}{{r.GT, &out.GT}, {r.GTE, &out.GTE}, {r.LT, &out.LT}, {r.LTE, &out.LTE}}
	set := 0
	for _, b := range bounds {
		if b.in == nil {
			continue
		}
		v, err := normalize(f, b.in)
		if err != nil {
			return Query{}, err
		}
		*b.out = v
		set++
	}
	if set == 0 {
		return Query{}, fmt.Errorf("range query on %q has no bounds", f.Name)
	}
	return Query{Range: &out}, nil
}

func indexedField(s schema.Schema, name string) (schema.Field, error) {
	f, ok := s.Field(name)
	if !ok {
		return schema.Field{}, fmt.Errorf("unknown field %q", name)
	}
	if !f.Indexed {
		return schema.Field{}, fmt.Errorf("field %q is not indexed", name)
	}
	return f, nil
}

func normalize(f schema.Field, v any) (any, error) {
	// The string syntax cannot type its values, so numeric and boolean
	// fields accept their textual form too.
	if s, ok := v.(string); ok {
		if parsed, ok := parseScalar(f.Type, s); ok {
			v = parsed
		}
	}
	n, err := schema.Normalize(f.Type, v)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", f.Name, err)
	}
	return n, nil
}
