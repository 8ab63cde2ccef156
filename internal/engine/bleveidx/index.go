// Package bleveidx is an alternative index engine backed by bleve. Each
// index directory holds one bleve index under bleve/; the committed
// generation is written as an internal key in the same batch as the
// documents, so both become durable together.
//
// Every snapshot holds a point-in-time reader from the underlying scorch
// index. Searches run against that reader without taking the index lock,
// so they never wait for a commit and keep seeing their own generation
// after newer ones are published.
package bleveidx

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	bsearch "github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/collector"
	index "github.com/blevesearch/bleve_index_api"
	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/analysis"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/query"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
)

var generationKey = []byte("searchserver.generation")

// Engine opens bleve-backed indices.
type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) Name() string { return "bleve" }

func (e *Engine) Open(dir string, s schema.Schema, reg *analysis.Registry) (engine.Index, error) {
	analyzers := make(map[string]analysis.Tokenizer)
	for _, f := range s.Fields {
		if !f.Type.Tokenized() {
			continue
		}
		tok, ok := reg.Get(f.Tokenizer)
		if !ok {
			return nil, fmt.Errorf("field %q: unknown tokenizer %q", f.Name, f.Tokenizer)
		}
		analyzers[f.Name] = tok
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	// tokenizers must be in bleve's registry before a stored mapping is used
	im, err := buildMapping(s, analyzers)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "bleve")
	bi, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		bi, err = bleve.New(path, im)
	}
	if err != nil {
		return nil, fmt.Errorf("opening bleve index: %w", err)
	}

	gen, err := readGeneration(bi)
	if err != nil {
		bi.Close()
		return nil, err
	}
	return &Index{
		bi:         bi,
		schema:     s,
		analyzers:  analyzers,
		generation: gen,
		logger:     slog.Default().With("component", "bleve-engine", "dir", dir),
	}, nil
}

// internalReader is satisfied by both bleve.Index and index.IndexReader.
type internalReader interface {
	GetInternal(key []byte) ([]byte, error)
}

func readGeneration(r internalReader) (uint64, error) {
	raw, err := r.GetInternal(generationKey)
	if err != nil {
		return 0, fmt.Errorf("reading generation: %w", err)
	}
	if len(raw) == 0 {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt generation record: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Index is one open bleve index.
type Index struct {
	bi        bleve.Index
	schema    schema.Schema
	analyzers map[string]analysis.Tokenizer
	logger    *slog.Logger

	// commitMu serialises commits and Close. Searches never take it.
	commitMu sync.Mutex

	mu         sync.RWMutex
	generation uint64
	closed     bool
}

func (idx *Index) Snapshot() (engine.Snapshot, error) {
	// a commit between its batch and the generation update would make the
	// reader and the recorded generation disagree
	idx.commitMu.Lock()
	defer idx.commitMu.Unlock()
	idx.mu.RLock()
	closed, gen := idx.closed, idx.generation
	idx.mu.RUnlock()
	if closed {
		return nil, engine.ErrClosed
	}
	return idx.openSnapshot(gen)
}

// openSnapshot pins the index's current state. want is the generation the
// caller expects that state to carry.
func (idx *Index) openSnapshot(want uint64) (*snapshot, error) {
	adv, err := idx.bi.Advanced()
	if err != nil {
		return nil, fmt.Errorf("opening bleve internals: %w", err)
	}
	r, err := adv.Reader()
	if err != nil {
		return nil, fmt.Errorf("opening index reader: %w", err)
	}
	gen, err := readGeneration(r)
	if err != nil {
		r.Close()
		return nil, err
	}
	if gen != want {
		r.Close()
		return nil, fmt.Errorf("reader is at generation %d, expected %d", gen, want)
	}
	return &snapshot{idx: idx, reader: r, generation: gen}, nil
}

type pendingDoc struct {
	id  string
	doc schema.Document
}

func (idx *Index) Commit(ctx context.Context, batch engine.Batch, generation uint64) (engine.Snapshot, error) {
	idx.commitMu.Lock()
	defer idx.commitMu.Unlock()

	idx.mu.RLock()
	closed, current := idx.closed, idx.generation
	idx.mu.RUnlock()
	if closed {
		return nil, engine.ErrClosed
	}
	if generation <= current {
		return nil, fmt.Errorf("generation %d does not advance %d", generation, current)
	}

	start := time.Now()
	b := idx.bi.NewBatch()
	var added []pendingDoc
	for _, op := range batch {
		switch op.Kind {
		case engine.OpAdd:
			added = append(added, pendingDoc{id: uuid.NewString(), doc: op.Doc})
		case engine.OpDelete:
			ids, err := idx.matchingIDs(ctx, op.Field, op.Value)
			if err != nil {
				return nil, fmt.Errorf("applying delete: %w", err)
			}
			for _, id := range ids {
				b.Delete(id)
			}
			kept := added[:0]
			for _, p := range added {
				if !idx.docMatches(p.doc, op.Field, op.Value) {
					kept = append(kept, p)
				}
			}
			added = kept
		}
	}
	for _, p := range added {
		body, err := toBleveDoc(p.doc)
		if err != nil {
			return nil, err
		}
		if err := b.Index(p.id, body); err != nil {
			return nil, fmt.Errorf("indexing document: %w", err)
		}
	}
	genBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(genBytes, generation)
	b.SetInternal(generationKey, genBytes)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := idx.bi.Batch(b); err != nil {
		return nil, fmt.Errorf("executing batch: %w", err)
	}
	idx.mu.Lock()
	idx.generation = generation
	idx.mu.Unlock()

	snap, err := idx.openSnapshot(generation)
	if err != nil {
		return nil, err
	}

	idx.logger.Info("generation committed",
		"generation", generation,
		"ops", len(batch),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return snap, nil
}

func (idx *Index) matchingIDs(ctx context.Context, field string, value any) ([]string, error) {
	q, err := idx.translate(query.NewTerm(field, value))
	if err != nil {
		return nil, err
	}
	count, err := idx.bi.DocCount()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequestOptions(q, int(count), 0, false)
	res, err := idx.bi.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// docMatches applies term semantics to a document that is not yet indexed.
func (idx *Index) docMatches(doc schema.Document, field string, value any) bool {
	v, ok := doc[field]
	if !ok {
		return false
	}
	f, _ := idx.schema.Field(field)
	if f.Type != schema.TypeText {
		return v == value || equalTimes(v, value)
	}
	text, _ := v.(string)
	want, _ := value.(string)
	have := make(map[string]struct{})
	for _, term := range analysis.Terms(idx.analyzers[field], text) {
		have[term] = struct{}{}
	}
	terms := analysis.Terms(idx.analyzers[field], want)
	if len(terms) == 0 {
		return false
	}
	for _, term := range terms {
		if _, ok := have[term]; !ok {
			return false
		}
	}
	return true
}

func equalTimes(a, b any) bool {
	x, ok1 := a.(time.Time)
	y, ok2 := b.(time.Time)
	return ok1 && ok2 && x.Equal(y)
}

func toBleveDoc(doc schema.Document) (map[string]interface{}, error) {
	src, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	out := make(map[string]interface{}, len(doc)+1)
	for k, v := range doc {
		if n, ok := v.(int64); ok {
			out[k] = float64(n)
			continue
		}
		out[k] = v
	}
	out[sourceField] = string(src)
	return out, nil
}

func (s *snapshot) search(ctx context.Context, q *query.Query, opts engine.SearchOptions) (*engine.Result, error) {
	if q == nil {
		q = query.MatchAll()
	}
	bq, err := s.idx.translate(*q)
	if err != nil {
		return nil, err
	}

	size := opts.Limit
	if size <= 0 {
		count, err := s.reader.DocCount()
		if err != nil {
			return nil, err
		}
		size = int(count)
	}
	searcher, err := bq.Searcher(ctx, s.reader, s.idx.bi.Mapping(), bsearch.SearcherOptions{})
	if err != nil {
		return nil, fmt.Errorf("building searcher: %w", err)
	}
	defer searcher.Close()

	coll := collector.NewTopNCollector(size, 0, bsearch.SortOrder{&bsearch.SortScore{Desc: true}})
	if err := coll.Collect(ctx, searcher, s.reader); err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}

	hits := coll.Results()
	result := &engine.Result{
		Generation: s.generation,
		Total:      int(coll.Total()),
		Hits:       make([]engine.Hit, 0, len(hits)),
	}
	for _, hit := range hits {
		doc, err := s.storedDocument(hit.ID)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", hit.ID, err)
		}
		result.Hits = append(result.Hits, engine.Hit{Score: hit.Score, Doc: doc})
	}
	return result, nil
}

func (s *snapshot) storedDocument(id string) (schema.Document, error) {
	d, err := s.reader.Document(id)
	if err != nil {
		return nil, fmt.Errorf("loading stored fields: %w", err)
	}
	if d == nil {
		return nil, fmt.Errorf("not found in snapshot")
	}
	var raw []byte
	d.VisitFields(func(f index.Field) {
		if f.Name() == sourceField {
			raw = f.Value()
		}
	})
	return s.idx.decodeSource(raw)
}

func (idx *Index) decodeSource(raw []byte) (schema.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc schema.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding stored source: %w", err)
	}
	doc, err := idx.schema.ValidateDocument(doc)
	if err != nil {
		return nil, err
	}
	out := make(schema.Document, len(doc))
	for _, f := range idx.schema.Fields {
		if v, ok := doc[f.Name]; ok && f.Stored {
			out[f.Name] = v
		}
	}
	return out, nil
}

func (idx *Index) Close() error {
	idx.commitMu.Lock()
	defer idx.commitMu.Unlock()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil
	}
	idx.closed = true
	return idx.bi.Close()
}

// snapshot is one generation pinned by a scorch reader.
type snapshot struct {
	idx        *Index
	reader     index.IndexReader
	generation uint64
	closed     atomic.Bool
}

func (s *snapshot) Generation() uint64 { return s.generation }

func (s *snapshot) DocCount() uint64 {
	if s.closed.Load() {
		return 0
	}
	n, err := s.reader.DocCount()
	if err != nil {
		s.idx.logger.Warn("reading doc count", "generation", s.generation, "error", err)
		return 0
	}
	return n
}

func (s *snapshot) Search(ctx context.Context, q *query.Query, opts engine.SearchOptions) (*engine.Result, error) {
	if s.closed.Load() {
		return nil, engine.ErrClosed
	}
	return s.search(ctx, q, opts)
}

func (s *snapshot) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.reader.Close()
}
