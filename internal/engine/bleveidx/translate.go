package bleveidx

import (
	"fmt"
	"strconv"
	"time"

	"github.com/blevesearch/bleve/v2"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/analysis"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/query"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
)

// translate converts a resolved query into bleve's query model.
func (idx *Index) translate(q query.Query) (blevequery.Query, error) {
	switch {
	case q.All != nil:
		return bleve.NewMatchAllQuery(), nil
	case q.Term != nil:
		return idx.translateTerm(q.Term.Field, q.Term.Value)
	case q.Phrase != nil:
		terms := analysis.Terms(idx.analyzers[q.Phrase.Field], q.Phrase.Text)
		if len(terms) == 0 {
			return bleve.NewMatchNoneQuery(), nil
		}
		return bleve.NewPhraseQuery(terms, q.Phrase.Field), nil
	case q.Range != nil:
		return idx.translateRange(q.Range)
	case q.Bool != nil:
		bq := bleve.NewBooleanQuery()
		for _, clause := range q.Bool.Must {
			c, err := idx.translate(clause)
			if err != nil {
				return nil, err
			}
			bq.AddMust(c)
		}
		for _, clause := range q.Bool.Should {
			c, err := idx.translate(clause)
			if err != nil {
				return nil, err
			}
			bq.AddShould(c)
		}
		for _, clause := range q.Bool.MustNot {
			c, err := idx.translate(clause)
			if err != nil {
				return nil, err
			}
			bq.AddMustNot(c)
		}
		return bq, nil
	}
	return nil, fmt.Errorf("unresolved query %s", q.Key())
}

func (idx *Index) translateTerm(field string, value any) (blevequery.Query, error) {
	f, _ := idx.schema.Field(field)
	switch f.Type {
	case schema.TypeText:
		s, _ := value.(string)
		terms := analysis.Terms(idx.analyzers[field], s)
		if len(terms) == 0 {
			return bleve.NewMatchNoneQuery(), nil
		}
		conjuncts := make([]blevequery.Query, 0, len(terms))
		for _, term := range terms {
			tq := bleve.NewTermQuery(term)
			tq.SetField(field)
			conjuncts = append(conjuncts, tq)
		}
		if len(conjuncts) == 1 {
			return conjuncts[0], nil
		}
		return bleve.NewConjunctionQuery(conjuncts...), nil
	case schema.TypeKeyword:
		s, _ := value.(string)
		tq := bleve.NewTermQuery(s)
		tq.SetField(field)
		return tq, nil
	case schema.TypeBoolean:
		b, _ := value.(bool)
		bq := bleve.NewBoolFieldQuery(b)
		bq.SetField(field)
		return bq, nil
	case schema.TypeInteger, schema.TypeFloat:
		n, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		inclusive := true
		nq := bleve.NewNumericRangeInclusiveQuery(&n, &n, &inclusive, &inclusive)
		nq.SetField(field)
		return nq, nil
	case schema.TypeDate:
		t, ok := value.(time.Time)
		if !ok {
			return nil, fmt.Errorf("field %q: expected date value", field)
		}
		inclusive := true
		dq := bleve.NewDateRangeInclusiveQuery(t, t, &inclusive, &inclusive)
		dq.SetField(field)
		return dq, nil
	}
	return nil, fmt.Errorf("unknown field %q", field)
}

// translateRange emits one bleve range query per bound and conjoins them,
// which keeps gt/gte and lt/lte combinations exact.
func (idx *Index) translateRange(r *query.Range) (blevequery.Query, error) {
	f, _ := idx.schema.Field(r.Field)
	var parts []blevequery.Query
	add := func(bound any, lower, inclusive bool) error {
		if bound == nil {
			return nil
		}
		incl := inclusive
		if f.Type == schema.TypeDate {
			t, ok := bound.(time.Time)
			if !ok {
				return fmt.Errorf("field %q: expected date bound", r.Field)
			}
			var dq *blevequery.DateRangeQuery
			if lower {
				dq = bleve.NewDateRangeInclusiveQuery(t, time.Time{}, &incl, nil)
			} else {
				dq = bleve.NewDateRangeInclusiveQuery(time.Time{}, t, nil, &incl)
			}
			dq.SetField(r.Field)
			parts = append(parts, dq)
			return nil
		}
		n, err := toFloat(bound)
		if err != nil {
			return err
		}
		var nq *blevequery.NumericRangeQuery
		if lower {
			nq = bleve.NewNumericRangeInclusiveQuery(&n, nil, &incl, nil)
		} else {
			nq = bleve.NewNumericRangeInclusiveQuery(nil, &n, nil, &incl)
		}
		nq.SetField(r.Field)
		parts = append(parts, nq)
		return nil
	}
	for _, b := range []struct {
		v         any
		lower     bool
		inclusive bool
	}{{r.GT, true, false}, {r.GTE, true, true}, {r.LT, false, false}, {r.LTE, false, true}} {
		if err := add(b.v, b.lower, b.inclusive); err != nil {
			return nil, err
		}
	}
	switch len(parts) {
	case 0:
		return nil, fmt.Errorf("range query on %q has no bounds", r.Field)
	case 1:
		return parts[0], nil
	}
	return bleve.NewConjunctionQuery(parts...), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}
