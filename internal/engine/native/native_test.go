package native

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/analysis"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/query"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
)

func testSchema() schema.Schema {
	return schema.Schema{Fields: []schema.Field{
		{Name: "title", Type: schema.TypeText, Indexed: true, Stored: true},
		{Name: "id", Type: schema.TypeInteger, Indexed: true, Stored: true},
		{Name: "tag", Type: schema.TypeKeyword, Indexed: true, Stored: false},
		{Name: "at", Type: schema.TypeDate, Indexed: true, Stored: true},
	}}
}

func doc(title string, id int64, tag string) schema.Document {
	return schema.Document{"title": title, "id": id, "tag": tag}
}

func openIndex(t *testing.T, dir string, opts ...Option) engine.Index {
	t.Helper()
	idx, err := New(opts...).Open(dir, testSchema(), analysis.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func commit(t *testing.T, idx engine.Index, gen uint64, ops ...engine.Op) engine.Snapshot {
	t.Helper()
	snap, err := idx.Commit(context.Background(), engine.Batch(ops), gen)
	require.NoError(t, err)
	t.Cleanup(func() { snap.Close() })
	return snap
}

func search(t *testing.T, snap engine.Snapshot, q query.Query) *engine.Result {
	t.Helper()
	res, err := snap.Search(context.Background(), &q, engine.SearchOptions{Limit: 100})
	require.NoError(t, err)
	return res
}

func ids(res *engine.Result) []int64 {
	out := make([]int64, 0, len(res.Hits))
	for _, h := range res.Hits {
		out = append(out, h.Doc["id"].(int64))
	}
	return out
}

func TestOpen_EmptyIndex(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	snap, err := idx.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	assert.Equal(t, uint64(0), snap.Generation())
	assert.Equal(t, uint64(0), snap.DocCount())
	res := search(t, snap, *query.MatchAll())
	assert.Equal(t, 0, res.Total)
}

func TestCommit_TermPhraseRangeBool(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	snap := commit(t, idx, 1,
		engine.Add(doc("the quick brown fox", 1, "animal")),
		engine.Add(doc("brown bread recipe", 2, "food")),
		engine.Add(doc("quick start guide", 3, "docs")),
	)
	assert.Equal(t, uint64(1), snap.Generation())
	assert.Equal(t, uint64(3), snap.DocCount())

	res := search(t, snap, query.NewTerm("title", "brown"))
	assert.ElementsMatch(t, []int64{1, 2}, ids(res))
	assert.Equal(t, uint64(1), res.Generation)

	res = search(t, snap, query.NewPhrase("title", "quick brown"))
	assert.Equal(t, []int64{1}, ids(res))

	res = search(t, snap, query.NewPhrase("title", "brown quick"))
	assert.Empty(t, res.Hits)

	res = search(t, snap, query.NewTerm("tag", "food"))
	assert.Equal(t, []int64{2}, ids(res))
	_, stored := res.Hits[0].Doc["tag"]
	assert.False(t, stored, "unstored fields are not returned")

	res = search(t, snap, query.Query{Range: &query.Range{Field: "id", GTE: int64(2)}})
	assert.ElementsMatch(t, []int64{2, 3}, ids(res))

	res = search(t, snap, query.Query{Bool: &query.Bool{
		Should:  []query.Query{query.NewTerm("title", "quick"), query.NewTerm("title", "bread")},
		MustNot: []query.Query{query.NewTerm("id", int64(3))},
	}})
	assert.ElementsMatch(t, []int64{1, 2}, ids(res))
}

func TestSearch_RanksByBM25AndLimits(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	snap := commit(t, idx, 1,
		engine.Add(doc("search engine search index search", 1, "")),
		engine.Add(doc("search once in a very long title about other things entirely", 2, "")),
		engine.Add(doc("nothing relevant here", 3, "")),
	)

	res, err := snap.Search(context.Background(), &query.Query{Term: &query.Term{Field: "title", Value: "search"}}, engine.SearchOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, int64(1), res.Hits[0].Doc["id"])
	assert.Greater(t, res.Hits[0].Score, 0.0)
}

func TestSnapshotIsolation(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	first := commit(t, idx, 1, engine.Add(doc("alpha", 1, "")))
	second := commit(t, idx, 2,
		engine.Add(doc("alpha", 2, "")),
		engine.Delete("id", int64(1)),
	)

	assert.Equal(t, []int64{1}, ids(search(t, first, query.NewTerm("title", "alpha"))))
	assert.Equal(t, []int64{2}, ids(search(t, second, query.NewTerm("title", "alpha"))))
}

func TestDelete_WithinBatchRespectsOrder(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	snap := commit(t, idx, 1,
		engine.Add(doc("one", 1, "x")),
		engine.Delete("tag", "x"),
		engine.Add(doc("two", 2, "x")),
	)
	assert.Equal(t, []int64{2}, ids(search(t, snap, *query.MatchAll())))
	assert.Equal(t, uint64(1), snap.DocCount())
}

func TestReopen_RestoresGenerationAndDocs(t *testing.T) {
	dir := t.TempDir()
	idx, err := New().Open(dir, testSchema(), analysis.NewRegistry())
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := doc("persisted title", 7, "p")
	d["at"] = at
	snap, err := idx.Commit(context.Background(), engine.Batch{engine.Add(d), engine.Add(doc("other", 8, "q"))}, 1)
	require.NoError(t, err)
	snap.Close()
	snap, err = idx.Commit(context.Background(), engine.Batch{engine.Delete("id", int64(8))}, 2)
	require.NoError(t, err)
	snap.Close()
	require.NoError(t, idx.Close())

	reopened := openIndex(t, dir)
	snap, err = reopened.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	assert.Equal(t, uint64(2), snap.Generation())
	assert.Equal(t, uint64(1), snap.DocCount())
	res := search(t, snap, query.Query{Range: &query.Range{Field: "at", LT: at.Add(time.Hour)}})
	require.Len(t, res.Hits, 1)
	assert.Equal(t, int64(7), res.Hits[0].Doc["id"])
	assert.Equal(t, at, res.Hits[0].Doc["at"])
}

func TestCommit_RejectsStaleGeneration(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	commit(t, idx, 3, engine.Add(doc("a", 1, "")))

	_, err := idx.Commit(context.Background(), engine.Batch{engine.Add(doc("b", 2, ""))}, 3)
	assert.Error(t, err)
}

func TestCommit_CancelledContextPublishesNothing(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := idx.Commit(ctx, engine.Batch{engine.Add(doc("a", 1, ""))}, 1)
	require.ErrorIs(t, err, context.Canceled)

	snap, err := idx.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, uint64(0), snap.Generation())
}

func TestMerge_CollapsesSegmentsAndRemovesFilesAfterRelease(t *testing.T) {
	dir := t.TempDir()
	idx := openIndex(t, dir, WithMergeThreshold(2))

	s1, err := idx.Commit(context.Background(), engine.Batch{engine.Add(doc("a", 1, ""))}, 1)
	require.NoError(t, err)
	s2, err := idx.Commit(context.Background(), engine.Batch{engine.Add(doc("b", 2, ""))}, 2)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
	last := commit(t, idx, 3, engine.Add(doc("c", 3, "")))

	m, err := loadManifest(dir)
	require.NoError(t, err)
	require.Len(t, m.Segments, 1)
	assert.Equal(t, uint64(3), last.DocCount())

	// the first segment is still pinned by s1
	assert.FileExists(t, filepath.Join(dir, segmentFileName(1)))
	assert.Equal(t, []int64{1}, ids(search(t, s1, *query.MatchAll())))
	require.NoError(t, s1.Close())
	assert.NoFileExists(t, filepath.Join(dir, segmentFileName(1)))
}

func TestOpen_CorruptSegmentFails(t *testing.T) {
	dir := t.TempDir()
	idx, err := New().Open(dir, testSchema(), analysis.NewRegistry())
	require.NoError(t, err)
	snap, err := idx.Commit(context.Background(), engine.Batch{engine.Add(doc("a", 1, ""))}, 1)
	require.NoError(t, err)
	snap.Close()
	require.NoError(t, idx.Close())

	path := filepath.Join(dir, segmentFileName(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[HeaderSize+2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = New().Open(dir, testSchema(), analysis.NewRegistry())
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestOpen_RemovesOrphans(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg_000009.spdx"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json.tmp"), []byte("junk"), 0o644))

	openIndex(t, dir)

	assert.NoFileExists(t, filepath.Join(dir, "seg_000009.spdx"))
	assert.NoFileExists(t, filepath.Join(dir, "manifest.json.tmp"))
}

func TestOpen_UnknownTokenizer(t *testing.T) {
	s := schema.Schema{Fields: []schema.Field{{Name: "body", Type: schema.TypeText, Indexed: true, Tokenizer: "lang_ko"}}}
	_, err := New().Open(t.TempDir(), s, analysis.NewRegistry())
	assert.ErrorContains(t, err, "lang_ko")
}

func TestSnapshot_UsableAfterIndexClose(t *testing.T) {
	dir := t.TempDir()
	idx, err := New().Open(dir, testSchema(), analysis.NewRegistry())
	require.NoError(t, err)
	snap, err := idx.Commit(context.Background(), engine.Batch{engine.Add(doc("kept", 1, ""))}, 1)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	assert.Equal(t, []int64{1}, ids(search(t, snap, *query.MatchAll())))
	require.NoError(t, snap.Close())

	_, err = idx.Snapshot()
	assert.ErrorIs(t, err, engine.ErrClosed)
}
