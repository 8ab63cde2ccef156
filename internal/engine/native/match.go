package native

import (
	"cmp"
	"fmt"
	"strconv"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/analysis"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/query"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
)

// segmentData is the read surface shared by on-disk segments and the
// in-memory builder.
type segmentData interface {
	numDocs() uint32
	postings(key string) (PostingList, error)
	docFreq(key string) int
	fieldNorms(field string) []uint32
	source(ord uint32) schema.Document
}

// corpusStats supplies index-wide statistics for BM25. A nil corpusStats
// disables scoring.
type corpusStats interface {
	totalDocs() int64
	docFreq(key string) int64
	avgFieldLength(field string) float64
}

type matcher struct {
	seg       segmentData
	schema    schema.Schema
	analyzers map[string]analysis.Tokenizer
	stats     corpusStats
}

type scores map[uint32]float64

// eval returns the ordinals matching q within the segment and their scores.
// Tombstones are not applied here.
func (m *matcher) eval(q query.Query) (*roaring.Bitmap, scores, error) {
	switch {
	case q.All != nil:
		bm := roaring.New()
		bm.AddRange(0, uint64(m.seg.numDocs()))
		return bm, constantScores(bm, 1), nil
	case q.Term != nil:
		return m.term(q.Term.Field, q.Term.Value)
	case q.Phrase != nil:
		return m.phrase(q.Phrase.Field, q.Phrase.Text)
	case q.Range != nil:
		bm := m.scan(q.Range.Field, func(v any) bool { return inRange(v, q.Range) })
		return bm, constantScores(bm, 1), nil
	case q.Bool != nil:
		return m.boolean(q.Bool)
	}
	return nil, nil, fmt.Errorf("unresolved query %s", q.Key())
}

func (m *matcher) term(field string, value any) (*roaring.Bitmap, scores, error) {
	f, _ := m.schema.Field(field)
	switch f.Type {
	case schema.TypeText:
		s, _ := value.(string)
		terms := analysis.Terms(m.analyzers[field], s)
		if len(terms) == 0 {
			return roaring.New(), scores{}, nil
		}
		return m.allTerms(field, terms)
	case schema.TypeKeyword:
		s, _ := value.(string)
		return m.allTerms(field, []string{s})
	case schema.TypeBoolean:
		v, _ := value.(bool)
		return m.allTerms(field, []string{strconv.FormatBool(v)})
	}
	bm := m.scan(field, func(v any) bool {
		c, ok := compareValues(v, value)
		return ok && c == 0
	})
	return bm, constantScores(bm, 1), nil
}

// allTerms intersects the postings of every term and sums their scores.
func (m *matcher) allTerms(field string, terms []string) (*roaring.Bitmap, scores, error) {
	var result *roaring.Bitmap
	sc := make(scores)
	for _, term := range terms {
		key := termKey(field, term)
		postings, err := m.seg.postings(key)
		if err != nil {
			return nil, nil, err
		}
		bm := roaring.New()
		for _, p := range postings {
			bm.Add(p.Doc)
			sc[p.Doc] += m.score(field, key, p)
		}
		if result == nil {
			result = bm
		} else {
			result.And(bm)
		}
	}
	return result, restrict(sc, result), nil
}

func (m *matcher) phrase(field, text string) (*roaring.Bitmap, scores, error) {
	tokens := m.analyzers[field].Tokenize(text)
	switch len(tokens) {
	case 0:
		return roaring.New(), scores{}, nil
	case 1:
		return m.allTerms(field, []string{tokens[0].Term})
	}

	perToken := make([]map[uint32]Posting, len(tokens))
	var candidates *roaring.Bitmap
	sc := make(scores)
	for i, tok := range tokens {
		key := termKey(field, tok.Term)
		postings, err := m.seg.postings(key)
		if err != nil {
			return nil, nil, err
		}
		byDoc := make(map[uint32]Posting, len(postings))
		bm := roaring.New()
		for _, p := range postings {
			byDoc[p.Doc] = p
			bm.Add(p.Doc)
			sc[p.Doc] += m.score(field, key, p)
		}
		perToken[i] = byDoc
		if candidates == nil {
			candidates = bm
		} else {
			candidates.And(bm)
		}
	}

	result := roaring.New()
	it := candidates.Iterator()
	for it.HasNext() {
		doc := it.Next()
		if phraseAt(doc, tokens, perToken) {
			result.Add(doc)
		}
	}
	return result, restrict(sc, result), nil
}

func phraseAt(doc uint32, tokens []analysis.Token, perToken []map[uint32]Posting) bool {
	for _, start := range perToken[0][doc].Positions {
		matched := true
		for i := 1; i < len(tokens); i++ {
			want := start + tokens[i].Position - tokens[0].Position
			if !containsInt(perToken[i][doc].Positions, want) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func (m *matcher) boolean(q *query.Bool) (*roaring.Bitmap, scores, error) {
	sc := make(scores)
	var result *roaring.Bitmap

	for _, clause := range q.Must {
		bm, s, err := m.eval(clause)
		if err != nil {
			return nil, nil, err
		}
		addScores(sc, s)
		if result == nil {
			result = bm
		} else {
			result.And(bm)
		}
	}

	if len(q.Should) > 0 {
		union := roaring.New()
		for _, clause := range q.Should {
			bm, s, err := m.eval(clause)
			if err != nil {
				return nil, nil, err
			}
			addScores(sc, s)
			union.Or(bm)
		}
		if result == nil {
			result = union
		}
	}

	if result == nil {
		result = roaring.New()
		result.AddRange(0, uint64(m.seg.numDocs()))
	}

	for _, clause := range q.MustNot {
		bm, _, err := m.eval(clause)
		if err != nil {
			return nil, nil, err
		}
		result.AndNot(bm)
	}
	return result, restrict(sc, result), nil
}

func (m *matcher) scan(field string, pred func(any) bool) *roaring.Bitmap {
	bm := roaring.New()
	n := m.seg.numDocs()
	for ord := uint32(0); ord < n; ord++ {
		if v, ok := m.seg.source(ord)[field]; ok && pred(v) {
			bm.Add(ord)
		}
	}
	return bm
}

func (m *matcher) score(field, key string, p Posting) float64 {
	if m.stats == nil {
		return 0
	}
	n := m.stats.totalDocs()
	df := m.stats.docFreq(key)
	if df > n {
		n = df
	}
	var docLen float64
	if norms := m.seg.fieldNorms(field); int(p.Doc) < len(norms) {
		docLen = float64(norms[p.Doc])
	}
	return computeIDF(n, df) * computeTFNorm(float64(p.Frequency), docLen, m.stats.avgFieldLength(field))
}

func constantScores(bm *roaring.Bitmap, v float64) scores {
	sc := make(scores, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		sc[it.Next()] = v
	}
	return sc
}

func addScores(dst, src scores) {
	for doc, s := range src {
		dst[doc] += s
	}
}

func restrict(sc scores, bm *roaring.Bitmap) scores {
	for doc := range sc {
		if !bm.Contains(doc) {
			delete(sc, doc)
		}
	}
	return sc
}

func inRange(v any, r *query.Range) bool {
	check := func(bound any, ok func(int) bool) bool {
		if bound == nil {
			return true
		}
		c, comparable := compareValues(v, bound)
		return comparable && ok(c)
	}
	return check(r.GT, func(c int) bool { return c > 0 }) &&
		check(r.GTE, func(c int) bool { return c >= 0 }) &&
		check(r.LT, func(c int) bool { return c < 0 }) &&
		check(r.LTE, func(c int) bool { return c <= 0 })
}

// compareValues orders two normalised values of the same field type.
func compareValues(a, b any) (int, bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y), true
		case float64:
			return cmp.Compare(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp.Compare(x, y), true
		case int64:
			return cmp.Compare(x, float64(y)), true
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), true
		}
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok && x == y {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}
