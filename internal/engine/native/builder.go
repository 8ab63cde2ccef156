package native

import (
	"sort"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/analysis"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
)

// builder accumulates the documents of one commit in memory before they are
// written as a segment. It satisfies segmentData so buffered documents can
// be matched by delete ops in the same batch.
type builder struct {
	schema    schema.Schema
	analyzers map[string]analysis.Tokenizer
	index     map[string]map[uint32]*Posting
	norms     map[string][]uint32
	docs      []schema.Document
	deleted   *roaring.Bitmap
}

func newBuilder(s schema.Schema, analyzers map[string]analysis.Tokenizer) *builder {
	return &builder{
		schema:    s,
		analyzers: analyzers,
		index:     make(map[string]map[uint32]*Posting),
		norms:     make(map[string][]uint32),
		deleted:   roaring.New(),
	}
}

// add indexes doc and returns its ordinal within the segment.
func (b *builder) add(doc schema.Document) uint32 {
	ord := uint32(len(b.docs))
	b.docs = append(b.docs, doc)

	for _, f := range b.schema.Fields {
		var length uint32
		if raw, ok := doc[f.Name]; ok && f.Indexed {
			for _, tok := range fieldTokens(f, b.analyzers[f.Name], raw) {
				key := termKey(f.Name, tok.Term)
				docs, exists := b.index[key]
				if !exists {
					docs = make(map[uint32]*Posting)
					b.index[key] = docs
				}
				p, exists := docs[ord]
				if !exists {
					p = &Posting{Doc: ord, Positions: make([]int, 0, 4)}
					docs[ord] = p
				}
				p.Frequency++
				p.Positions = append(p.Positions, tok.Position)
				length++
			}
		}
		if f.Type == schema.TypeText || f.Type == schema.TypeKeyword {
			b.norms[f.Name] = append(b.norms[f.Name], length)
		}
	}
	return ord
}

func (b *builder) liveDocs() int {
	return len(b.docs) - int(b.deleted.GetCardinality())
}

// entries returns the term dictionary sorted by key with postings sorted by
// document ordinal.
func (b *builder) entries() []TermEntry {
	entries := make([]TermEntry, 0, len(b.index))
	for key, docs := range b.index {
		postings := make(PostingList, 0, len(docs))
		for _, posting := range docs {
			postings = append(postings, *posting)
		}
		sort.Slice(postings, func(i, j int) bool {
			return postings[i].Doc < postings[j].Doc
		})
		entries = append(entries, TermEntry{Key: key, Postings: postings})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries
}

func (b *builder) numDocs() uint32 { return uint32(len(b.docs)) }

func (b *builder) postings(key string) (PostingList, error) {
	docs := b.index[key]
	if len(docs) == 0 {
		return nil, nil
	}
	out := make(PostingList, 0, len(docs))
	for _, p := range docs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Doc < out[j].Doc })
	return out, nil
}

func (b *builder) docFreq(key string) int { return len(b.index[key]) }

func (b *builder) fieldNorms(field string) []uint32 { return b.norms[field] }

func (b *builder) source(ord uint32) schema.Document { return b.docs[ord] }

// fieldTokens produces the indexed terms for one field value. Numeric and
// date fields are matched by scanning stored values and produce no terms.
func fieldTokens(f schema.Field, tok analysis.Tokenizer, raw any) []analysis.Token {
	switch f.Type {
	case schema.TypeText:
		s, _ := raw.(string)
		if tok == nil {
			return nil
		}
		return tok.Tokenize(s)
	case schema.TypeKeyword:
		s, _ := raw.(string)
		return analysis.Raw(s)
	case schema.TypeBoolean:
		v, _ := raw.(bool)
		return []analysis.Token{{Term: strconv.FormatBool(v)}}
	}
	return nil
}
