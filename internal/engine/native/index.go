// Package native is the default index engine: each commit writes one
// immutable .spdx segment and a manifest naming the live segments and their
// tombstones. Renaming the manifest into place is the commit point, so a
// crash or I/O error mid-commit leaves the previous generation intact.
package native

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/analysis"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/query"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
)

// Engine opens native indices.
type Engine struct {
	mergeThreshold int
}

type Option func(*Engine)

// WithMergeThreshold merges all live segments into one whenever a commit
// leaves more than n of them. Zero disables merging.
func WithMergeThreshold(n int) Option {
	return func(e *Engine) { e.mergeThreshold = n }
}

func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Name() string { return "native" }

// Open opens or creates the index in dir. Files left behind by an
// interrupted commit are removed.
func (e *Engine) Open(dir string, s schema.Schema, reg *analysis.Registry) (engine.Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	analyzers, err := resolveAnalyzers(s, reg)
	if err != nil {
		return nil, err
	}
	m, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		dir:            dir,
		schema:         s,
		analyzers:      analyzers,
		mergeThreshold: e.mergeThreshold,
		nextSegment:    m.NextSegment,
		logger:         slog.Default().With("component", "native-engine", "dir", dir),
	}

	segs := make([]segmentView, 0, len(m.Segments))
	for _, entry := range m.Segments {
		seg, err := idx.openSegment(entry.Name)
		if err != nil {
			closeViews(segs)
			return nil, err
		}
		deleted, err := decodeTombstones(entry.Deleted)
		if err != nil {
			seg.Reader.Close()
			closeViews(segs)
			return nil, fmt.Errorf("segment %s: %w", entry.Name, err)
		}
		segs = append(segs, segmentView{seg: seg, deleted: deleted})
	}
	if err := removeOrphans(dir, m); err != nil {
		idx.logger.Warn("removing orphaned files", "error", err)
	}
	idx.current = idx.newView(m.Generation, segs)
	idx.logger.Debug("native index opened",
		"generation", m.Generation,
		"segments", len(segs),
		"docs", idx.current.docCount,
	)
	return idx, nil
}

func resolveAnalyzers(s schema.Schema, reg *analysis.Registry) (map[string]analysis.Tokenizer, error) {
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
	return analyzers, nil
}

func removeOrphans(dir string, m *manifest) error {
	live := make(map[string]struct{}, len(m.Segments))
	for _, entry := range m.Segments {
		live[entry.Name] = struct{}{}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, de := range entries {
		name := de.Name()
		orphan := strings.HasSuffix(name, ".tmp")
		if strings.HasPrefix(name, "seg_") && strings.HasSuffix(name, ".spdx") {
			_, ok := live[name]
			orphan = !ok
		}
		if orphan {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// segment is a reference-counted open segment file. Views hold one
// reference each; an obsolete segment's file is removed when the last view
// using it is released.
type segment struct {
	*Reader
	path     string
	normSums map[string]uint64
	refs     atomic.Int64
	obsolete atomic.Bool
}

func (s *segment) acquire() { s.refs.Add(1) }

func (s *segment) release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	s.Reader.Close()
	if s.obsolete.Load() {
		os.Remove(s.path)
	}
}

func (idx *Index) openSegment(name string) (*segment, error) {
	path := filepath.Join(idx.dir, name)
	r, err := OpenReader(path, idx.schema)
	if err != nil {
		return nil, err
	}
	sums := make(map[string]uint64, len(r.norms))
	for field, norms := range r.norms {
		var total uint64
		for _, n := range norms {
			total += uint64(n)
		}
		sums[field] = total
	}
	return &segment{Reader: r, path: path, normSums: sums}, nil
}

type segmentView struct {
	seg     *segment
	deleted *roaring.Bitmap
}

func (sv segmentView) live() uint64 {
	return uint64(sv.seg.numDocs()) - sv.deleted.GetCardinality()
}

func closeViews(segs []segmentView) {
	for _, sv := range segs {
		sv.seg.Reader.Close()
	}
}

// Index is one open native index.
type Index struct {
	dir            string
	schema         schema.Schema
	analyzers      map[string]analysis.Tokenizer
	mergeThreshold int
	logger         *slog.Logger

	commitMu    sync.Mutex
	nextSegment uint64

	mu      sync.RWMutex
	current *view
	closed  bool
}

func (idx *Index) Snapshot() (engine.Snapshot, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return nil, engine.ErrClosed
	}
	idx.current.acquire()
	return &snapshot{v: idx.current}, nil
}

// Commit applies batch on top of the current generation. Adds are written
// to a new segment; deletes become tombstones on existing segments or drop
// documents from the new one before it is written.
func (idx *Index) Commit(ctx context.Context, batch engine.Batch, generation uint64) (engine.Snapshot, error) {
	idx.commitMu.Lock()
	defer idx.commitMu.Unlock()

	idx.mu.RLock()
	closed, cur := idx.closed, idx.current
	idx.mu.RUnlock()
	if closed {
		return nil, engine.ErrClosed
	}
	if generation <= cur.generation {
		return nil, fmt.Errorf("generation %d does not advance %d", generation, cur.generation)
	}

	start := time.Now()
	b := newBuilder(idx.schema, idx.analyzers)
	tombs := make([]*roaring.Bitmap, len(cur.segs))
	for i, sv := range cur.segs {
		tombs[i] = sv.deleted.Clone()
	}
	for i, op := range batch {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		switch op.Kind {
		case engine.OpAdd:
			b.add(op.Doc)
		case engine.OpDelete:
			q := query.NewTerm(op.Field, op.Value)
			for j, sv := range cur.segs {
				bm, err := idx.match(sv.seg.Reader, q)
				if err != nil {
					return nil, fmt.Errorf("applying delete: %w", err)
				}
				tombs[j].Or(bm)
			}
			bm, err := idx.match(b, q)
			if err != nil {
				return nil, fmt.Errorf("applying delete: %w", err)
			}
			b.deleted.Or(bm)
		}
	}

	next := idx.nextSegment
	var (
		kept    []segmentView
		dropped []*segment
		created []*segment
		merged  []*segment
	)
	fail := func(err error) (engine.Snapshot, error) {
		for _, seg := range created {
			seg.Reader.Close()
			os.Remove(seg.path)
		}
		return nil, err
	}

	for i, sv := range cur.segs {
		nv := segmentView{seg: sv.seg, deleted: tombs[i]}
		if nv.live() == 0 {
			dropped = append(dropped, sv.seg)
			continue
		}
		kept = append(kept, nv)
	}
	if b.liveDocs() > 0 {
		seg, err := idx.flush(compact(b, idx.schema, idx.analyzers), next)
		if err != nil {
			return fail(err)
		}
		next++
		created = append(created, seg)
		kept = append(kept, segmentView{seg: seg, deleted: roaring.New()})
	}

	if idx.mergeThreshold > 0 && len(kept) > idx.mergeThreshold {
		mb := newBuilder(idx.schema, idx.analyzers)
		for _, sv := range kept {
			for ord := uint32(0); ord < sv.seg.numDocs(); ord++ {
				if !sv.deleted.Contains(ord) {
					mb.add(sv.seg.source(ord))
				}
			}
		}
		seg, err := idx.flush(mb, next)
		if err != nil {
			return fail(fmt.Errorf("merging segments: %w", err))
		}
		next++
		for _, sv := range kept {
			if isCreated(created, sv.seg) {
				merged = append(merged, sv.seg)
			} else {
				dropped = append(dropped, sv.seg)
			}
		}
		created = append(created, seg)
		kept = []segmentView{{seg: seg, deleted: roaring.New()}}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	m := &manifest{Generation: generation, NextSegment: next, CommittedAt: time.Now().UTC()}
	for _, sv := range kept {
		deleted, err := encodeTombstones(sv.deleted)
		if err != nil {
			return fail(err)
		}
		m.Segments = append(m.Segments, manifestEntry{Name: sv.seg.name, Docs: sv.seg.numDocs(), Deleted: deleted})
	}
	if err := writeManifest(idx.dir, m); err != nil {
		return fail(err)
	}

	nv := idx.newView(generation, kept)
	nv.acquire()
	idx.nextSegment = next
	for _, seg := range dropped {
		seg.obsolete.Store(true)
	}
	for _, seg := range merged {
		seg.Reader.Close()
		os.Remove(seg.path)
	}
	idx.mu.Lock()
	old := idx.current
	idx.current = nv
	idx.mu.Unlock()
	old.release()

	idx.logger.Info("generation committed",
		"generation", generation,
		"ops", len(batch),
		"segments", len(kept),
		"docs", nv.docCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &snapshot{v: nv}, nil
}

func (idx *Index) match(seg segmentData, q query.Query) (*roaring.Bitmap, error) {
	m := &matcher{seg: seg, schema: idx.schema, analyzers: idx.analyzers}
	bm, _, err := m.eval(q)
	return bm, err
}

func (idx *Index) flush(b *builder, seq uint64) (*segment, error) {
	name := segmentFileName(seq)
	if err := writeSegment(idx.dir, name, b); err != nil {
		return nil, fmt.Errorf("writing segment: %w", err)
	}
	seg, err := idx.openSegment(name)
	if err != nil {
		os.Remove(filepath.Join(idx.dir, name))
		return nil, fmt.Errorf("opening new segment for reading: %w", err)
	}
	return seg, nil
}

func isCreated(created []*segment, seg *segment) bool {
	for _, c := range created {
		if c == seg {
			return true
		}
	}
	return false
}

// compact returns b unchanged when nothing in it was deleted, otherwise a
// fresh builder holding only its live documents.
func compact(b *builder, s schema.Schema, analyzers map[string]analysis.Tokenizer) *builder {
	if b.deleted.IsEmpty() {
		return b
	}
	out := newBuilder(s, analyzers)
	for ord, doc := range b.docs {
		if !b.deleted.Contains(uint32(ord)) {
			out.add(doc)
		}
	}
	return out
}

// Close releases the index's reference on its current generation. Open
// snapshots stay readable until they are closed.
func (idx *Index) Close() error {
	idx.commitMu.Lock()
	defer idx.commitMu.Unlock()
	idx.mu.Lock()
	if idx.closed {
		idx.mu.Unlock()
		return nil
	}
	idx.closed = true
	cur := idx.current
	idx.mu.Unlock()
	cur.release()
	return nil
}
