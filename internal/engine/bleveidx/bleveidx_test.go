package bleveidx

import (
	"context"
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

func openIndex(t *testing.T, dir string) engine.Index {
	t.Helper()
	idx, err := New().Open(dir, testSchema(), analysis.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
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

func TestOpen_StartsAtGenerationZero(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	snap, err := idx.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	assert.Equal(t, uint64(0), snap.Generation())
	assert.Equal(t, uint64(0), snap.DocCount())
	assert.Equal(t, 0, search(t, snap, *query.MatchAll()).Total)
}

func TestCommit_Queries(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	snap, err := idx.Commit(context.Background(), engine.Batch{
		engine.Add(doc("the quick brown fox", 1, "animal")),
		engine.Add(doc("brown bread recipe", 2, "food")),
		engine.Add(doc("quick start guide", 3, "docs")),
	}, 1)
	require.NoError(t, err)
	defer snap.Close()

	assert.Equal(t, uint64(1), snap.Generation())
	assert.Equal(t, uint64(3), snap.DocCount())

	res := search(t, snap, query.NewTerm("title", "brown"))
	assert.ElementsMatch(t, []int64{1, 2}, ids(res))
	assert.Equal(t, uint64(1), res.Generation)

	res = search(t, snap, query.NewTerm("tag", "food"))
	assert.Equal(t, []int64{2}, ids(res))

	res = search(t, snap, query.NewPhrase("title", "quick brown"))
	assert.Equal(t, []int64{1}, ids(res))

	res = search(t, snap, query.Query{Range: &query.Range{Field: "id", GT: int64(1), LTE: int64(3)}})
	assert.ElementsMatch(t, []int64{2, 3}, ids(res))

	res = search(t, snap, query.Query{Bool: &query.Bool{
		Must:    []query.Query{query.NewTerm("title", "quick")},
		MustNot: []query.Query{query.NewTerm("tag", "docs")},
	}})
	assert.Equal(t, []int64{1}, ids(res))

	// unstored fields are not returned
	for _, h := range res.Hits {
		assert.NotContains(t, h.Doc, "tag")
	}
}

func TestCommit_DeleteAppliesInBatchOrder(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	_, err := idx.Commit(context.Background(), engine.Batch{
		engine.Add(doc("alpha", 1, "a")),
		engine.Add(doc("beta", 2, "b")),
	}, 1)
	require.NoError(t, err)

	snap, err := idx.Commit(context.Background(), engine.Batch{
		engine.Add(doc("gamma", 3, "a")),
		engine.Delete("tag", "a"),
		engine.Add(doc("delta", 4, "a")),
	}, 2)
	require.NoError(t, err)

	res := search(t, snap, *query.MatchAll())
	assert.ElementsMatch(t, []int64{2, 4}, ids(res))
}

func TestCommit_RejectsStaleGeneration(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	_, err := idx.Commit(context.Background(), engine.Batch{engine.Add(doc("a", 1, "x"))}, 1)
	require.NoError(t, err)

	_, err = idx.Commit(context.Background(), engine.Batch{engine.Add(doc("b", 2, "x"))}, 1)
	require.Error(t, err)
}

func TestReopen_RestoresGenerationAndDocuments(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	idx, err := New().Open(dir, testSchema(), analysis.NewRegistry())
	require.NoError(t, err)
	d := doc("persisted entry", 7, "keep")
	d["at"] = at
	_, err = idx.Commit(context.Background(), engine.Batch{engine.Add(d)}, 4)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	reopened := openIndex(t, dir)
	snap, err := reopened.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	assert.Equal(t, uint64(4), snap.Generation())
	res := search(t, snap, query.Query{Range: &query.Range{Field: "at", GTE: at.Add(-time.Hour)}})
	require.Len(t, res.Hits, 1)
	assert.Equal(t, int64(7), res.Hits[0].Doc["id"])
	assert.Equal(t, at, res.Hits[0].Doc["at"])
}

func TestClose_RejectsFurtherUse(t *testing.T) {
	idx, err := New().Open(t.TempDir(), testSchema(), analysis.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	_, err = idx.Snapshot()
	assert.ErrorIs(t, err, engine.ErrClosed)
	_, err = idx.Commit(context.Background(), nil, 1)
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestSnapshot_KeepsItsGenerationAfterCommit(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	first, err := idx.Commit(context.Background(), engine.Batch{engine.Add(doc("alpha", 1, "a"))}, 1)
	require.NoError(t, err)
	defer first.Close()

	second, err := idx.Commit(context.Background(), engine.Batch{
		engine.Add(doc("beta", 2, "b")),
		engine.Delete("id", int64(1)),
	}, 2)
	require.NoError(t, err)
	defer second.Close()

	old := search(t, first, *query.MatchAll())
	assert.Equal(t, uint64(1), old.Generation)
	assert.Equal(t, []int64{1}, ids(old))
	assert.Equal(t, uint64(1), first.DocCount())

	cur := search(t, second, *query.MatchAll())
	assert.Equal(t, uint64(2), cur.Generation)
	assert.Equal(t, []int64{2}, ids(cur))
}

func TestSnapshot_SearchDoesNotTakeIndexLocks(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	snap, err := idx.Commit(context.Background(), engine.Batch{engine.Add(doc("alpha", 1, "a"))}, 1)
	require.NoError(t, err)
	defer snap.Close()

	// hold everything a commit holds
	bi := idx.(*Index)
	bi.commitMu.Lock()
	bi.mu.Lock()
	defer bi.commitMu.Unlock()
	defer bi.mu.Unlock()

	done := make(chan *engine.Result, 1)
	go func() {
		q := query.NewTerm("title", "alpha")
		res, err := snap.Search(context.Background(), &q, engine.SearchOptions{Limit: 10})
		if err == nil {
			done <- res
		}
		close(done)
	}()
	select {
	case res, ok := <-done:
		require.True(t, ok, "search failed")
		assert.Equal(t, []int64{1}, ids(res))
	case <-time.After(5 * time.Second):
		t.Fatal("search waited for the commit locks")
	}
}

func TestSnapshot_CloseRejectsSearch(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	snap, err := idx.Snapshot()
	require.NoError(t, err)
	require.NoError(t, snap.Close())
	require.NoError(t, snap.Close())

	_, err = snap.Search(context.Background(), nil, engine.SearchOptions{})
	assert.ErrorIs(t, err, engine.ErrClosed)
}
