package native

import (
	"context"
	"math"
	"sort"
	"sync/atomic"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/query"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
)

// view is one committed generation: a fixed list of segments and the
// tombstones that applied to them at commit time.
type view struct {
	idx        *Index
	generation uint64
	segs       []segmentView
	docCount   uint64
	total      uint64
	normSums   map[string]uint64
	refs       atomic.Int64
}

// newView builds a view holding one reference, owned by the caller, and
// takes a reference on each of its segments.
func (idx *Index) newView(generation uint64, segs []segmentView) *view {
	v := &view{idx: idx, generation: generation, segs: segs, normSums: make(map[string]uint64)}
	for _, sv := range segs {
		sv.seg.acquire()
		v.docCount += sv.live()
		v.total += uint64(sv.seg.numDocs())
		for field, sum := range sv.seg.normSums {
			v.normSums[field] += sum
		}
	}
	v.refs.Store(1)
	return v
}

func (v *view) acquire() { v.refs.Add(1) }

func (v *view) release() {
	if v.refs.Add(-1) != 0 {
		return
	}
	for _, sv := range v.segs {
		sv.seg.release()
	}
}

func (v *view) totalDocs() int64 { return int64(v.docCount) }

func (v *view) docFreq(key string) int64 {
	var df int64
	for _, sv := range v.segs {
		df += int64(sv.seg.docFreq(key))
	}
	return df
}

func (v *view) avgFieldLength(field string) float64 {
	if v.total == 0 {
		return 0
	}
	return float64(v.normSums[field]) / float64(v.total)
}

type candidate struct {
	seg   int
	ord   uint32
	score float64
}

func (v *view) search(ctx context.Context, q *query.Query, opts engine.SearchOptions) (*engine.Result, error) {
	if q == nil {
		q = query.MatchAll()
	}
	var candidates []candidate
	for i, sv := range v.segs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m := &matcher{seg: sv.seg.Reader, schema: v.idx.schema, analyzers: v.idx.analyzers, stats: v}
		bm, sc, err := m.eval(*q)
		if err != nil {
			return nil, err
		}
		bm.AndNot(sv.deleted)
		it := bm.Iterator()
		for it.HasNext() {
			ord := it.Next()
			candidates = append(candidates, candidate{seg: i, ord: ord, score: math.Round(sc[ord]*10000) / 10000})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.seg != b.seg {
			return a.seg < b.seg
		}
		return a.ord < b.ord
	})

	result := &engine.Result{Generation: v.generation, Total: len(candidates)}
	if opts.Limit > 0 && len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}
	result.Hits = make([]engine.Hit, 0, len(candidates))
	for _, c := range candidates {
		result.Hits = append(result.Hits, engine.Hit{
			Score: c.score,
			Doc:   storedFields(v.idx.schema, v.segs[c.seg].seg.source(c.ord)),
		})
	}
	return result, nil
}

func storedFields(s schema.Schema, doc schema.Document) schema.Document {
	out := make(schema.Document, len(doc))
	for _, f := range s.Fields {
		if v, ok := doc[f.Name]; ok && f.Stored {
			out[f.Name] = v
		}
	}
	return out
}

// snapshot is the caller-owned handle on a view; Close is idempotent.
type snapshot struct {
	v      *view
	closed atomic.Bool
}

func (s *snapshot) Generation() uint64 { return s.v.generation }

func (s *snapshot) DocCount() uint64 { return s.v.docCount }

func (s *snapshot) Search(ctx context.Context, q *query.Query, opts engine.SearchOptions) (*engine.Result, error) {
	if s.closed.Load() {
		return nil, engine.ErrClosed
	}
	return s.v.search(ctx, q, opts)
}

func (s *snapshot) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.v.release()
	}
	return nil
}
