package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
)

// Parse converts the compact string syntax into a Query. Words are
// combined with AND unless an OR keyword appears; NOT excludes the next
// clause. A clause is either field:value, field:"a phrase", "a phrase" or a
// bare word; unprefixed clauses search every field in defaultFields.
func Parse(input string, defaultFields []string) (*Query, error) {
	words, err := lex(input)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return MatchAll(), nil
	}

	var (
		clauses     []Query
		excludes    []Query
		useOR       bool
		excludeNext bool
	)
	for _, w := range words {
		if !w.quoted {
			switch strings.ToUpper(w.text) {
			case "AND":
				useOR = false
				continue
			case "OR":
				useOR = true
				continue
			case "NOT":
				excludeNext = true
				continue
			}
		}
		clause, err := w.clause(defaultFields)
		if err != nil {
			return nil, err
		}
		if excludeNext {
			excludes = append(excludes, clause)
			excludeNext = false
		} else {
			clauses = append(clauses, clause)
		}
	}
	if excludeNext {
		return nil, fmt.Errorf("NOT must be followed by a term")
	}

	if len(excludes) == 0 && len(clauses) == 1 {
		return &clauses[0], nil
	}
	b := &Bool{MustNot: excludes}
	switch {
	case len(clauses) == 0:
		b.Must = []Query{*MatchAll()}
	case useOR:
		b.Should = clauses
	default:
		b.Must = clauses
	}
	return &Query{Bool: b}, nil
}

type word struct {
	field  string
	text   string
	quoted bool
}

func (w word) clause(defaultFields []string) (Query, error) {
	build := func(field string) Query {
		if w.quoted {
			return NewPhrase(field, w.text)
		}
		return NewTerm(field, w.text)
	}
	if w.field != "" {
		return build(w.field), nil
	}
	switch len(defaultFields) {
	case 0:
		return Query{}, fmt.Errorf("term %q has no field and the index has no default search fields", w.text)
	case 1:
		return build(defaultFields[0]), nil
	}
	should := make([]Query, len(defaultFields))
	for i, f := range defaultFields {
		should[i] = build(f)
	}
	return Query{Bool: &Bool{Should: should}}, nil
}

func lex(input string) ([]word, error) {
	var (
		words []word
		cur   word
		buf   strings.Builder
		inQ   bool
	)
	flush := func() {
		if buf.Len() > 0 || cur.quoted {
			cur.text = buf.String()
			words = append(words, cur)
		}
		cur = word{}
		buf.Reset()
	}
	for _, r := range input {
		switch {
		case r == '"':
			if inQ {
				inQ = false
				flush()
			} else {
				inQ = true
				cur.quoted = true
			}
		case inQ:
			buf.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		case r == ':' && cur.field == "" && buf.Len() > 0:
			cur.field = buf.String()
			buf.Reset()
		default:
			buf.WriteRune(r)
		}
	}
	if inQ {
		return nil, fmt.Errorf("unterminated quote in %q", input)
	}
	flush()
	return words, nil
}

func parseScalar(t schema.FieldType, s string) (any, bool) {
	switch t {
	case schema.TypeInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil
	case schema.TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	case schema.TypeBoolean:
		b, err := strconv.ParseBool(s)
		return b, err == nil
	}
	return nil, false
}
