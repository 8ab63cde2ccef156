package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/analysis"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine/bleveidx"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine/native"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/query"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchserver/pkg/errors"
)

var errInjected = errors.New("injected I/O error")

// faultyEngine wraps the native engine and lets tests fail or stall commits.
type faultyEngine struct {
	inner engine.Engine

	mu       sync.Mutex
	failures int
	gate     chan struct{}
	started  chan struct{}

	inFlight    int
	maxInFlight int
	committed   []uint64
}

// commitLog returns the generations committed so far, in order, and the
// highest number of commits seen running at once.
func (e *faultyEngine) commitLog() ([]uint64, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.committed), e.maxInFlight
}

func newFaultyEngine() *faultyEngine {
	return &faultyEngine{inner: native.New()}
}

// forEachEngine runs fn once per real backend, each wrapped so commits can
// be stalled or failed.
func forEachEngine(t *testing.T, fn func(t *testing.T, fe *faultyEngine)) {
	backends := []engine.Engine{native.New(), bleveidx.New()}
	for _, inner := range backends {
		t.Run(inner.Name(), func(t *testing.T) {
			fn(t, &faultyEngine{inner: inner})
		})
	}
}

func (e *faultyEngine) Name() string { return "faulty" }

func (e *faultyEngine) Open(dir string, s schema.Schema, reg *analysis.Registry) (engine.Index, error) {
	idx, err := e.inner.Open(dir, s, reg)
	if err != nil {
		return nil, err
	}
	return &faultyIndex{Index: idx, e: e}, nil
}

func (e *faultyEngine) failNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = n
}

// hold stalls every commit until release is called. The returned channel
// receives once per commit that reaches the engine.
func (e *faultyEngine) hold() (<-chan struct{}, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	gate := make(chan struct{})
	started := make(chan struct{}, 16)
	e.gate, e.started = gate, started
	var once sync.Once
	return started, func() {
		once.Do(func() {
			e.mu.Lock()
			e.gate, e.started = nil, nil
			e.mu.Unlock()
			close(gate)
		})
	}
}

type faultyIndex struct {
	engine.Index
	e *faultyEngine
}

func (f *faultyIndex) Commit(ctx context.Context, b engine.Batch, gen uint64) (engine.Snapshot, error) {
	f.e.mu.Lock()
	gate, started := f.e.gate, f.e.started
	fail := f.e.failures > 0
	if fail {
		f.e.failures--
	}
	f.e.inFlight++
	f.e.maxInFlight = max(f.e.maxInFlight, f.e.inFlight)
	f.e.mu.Unlock()
	defer func() {
		f.e.mu.Lock()
		f.e.inFlight--
		f.e.mu.Unlock()
	}()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errInjected
	}
	snap, err := f.Index.Commit(ctx, b, gen)
	if err == nil {
		f.e.mu.Lock()
		f.e.committed = append(f.e.committed, gen)
		f.e.mu.Unlock()
	}
	return snap, err
}

func docsSchema() schema.Schema {
	return schema.Schema{Fields: []schema.Field{
		{Name: "id", Type: schema.TypeInteger, Indexed: true, Stored: true},
		{Name: "title", Type: schema.TypeText, Indexed: true, Stored: true},
	}}
}

func newCatalog(t *testing.T, dir string, fe *faultyEngine, mutate ...func(*Config)) *Catalog {
	t.Helper()
	cfg := Config{
		DataDir: dir,
		Defaults: IndexOptions{
			Engine:          "faulty",
			CommitInterval:  time.Hour,
			CommitThreshold: 1000,
		},
		DrainTimeout: 5 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg, WithEngines(fe))
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func docs(titles ...string) []schema.Document {
	out := make([]schema.Document, 0, len(titles))
	for i, title := range titles {
		out = append(out, schema.Document{"id": i + 1, "title": title})
	}
	return out
}

func TestDocsScenario(t *testing.T) {
	forEachEngine(t, testDocsScenario)
}

func testDocsScenario(t *testing.T, fe *faultyEngine) {
	ctx := context.Background()
	c := newCatalog(t, t.TempDir(), fe)

	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h.Generation())

	res, err := h.Ingest(ctx, docs("alpha report", "beta notes", "gamma report"), IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Accepted)
	assert.Equal(t, 3, res.Pending)
	assert.Equal(t, StateWriting, h.State())

	before, err := h.Search(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, before.Total)
	assert.Equal(t, uint64(0), before.Generation)

	cr, err := h.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, cr.Committed)
	assert.Equal(t, uint64(1), cr.Generation)
	assert.Equal(t, StateIdle, h.State())
	assert.Equal(t, 0, h.Pending())

	all, err := h.Search(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	assert.Equal(t, uint64(1), all.Generation)

	q := query.NewTerm("title", "report")
	matched, err := h.Search(ctx, &q, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, matched.Total)

	require.NoError(t, c.DeleteIndex(ctx, "docs"))
	_, err = c.Get("docs")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = h.Search(ctx, nil, 10)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoDirExists(t, filepath.Join(c.cfg.DataDir, "docs"))
}

func TestCreateIndex_Rejections(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t, t.TempDir(), newFaultyEngine())
	_, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)

	_, err = c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)

	_, err = c.CreateIndex(ctx, "../escape", docsSchema(), IndexOptions{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	bad := schema.Schema{Fields: []schema.Field{{Name: "x", Type: "blob", Indexed: true}}}
	_, err = c.CreateIndex(ctx, "bad", bad, IndexOptions{})
	assert.ErrorIs(t, err, apperrors.ErrSchemaValidation)

	unknownTok := schema.Schema{Fields: []schema.Field{{Name: "t", Type: schema.TypeText, Indexed: true, Tokenizer: "klingon"}}}
	_, err = c.CreateIndex(ctx, "tok", unknownTok, IndexOptions{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = c.CreateIndex(ctx, "eng", docsSchema(), IndexOptions{Engine: "lucene"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	// stray directory on disk blocks the name
	require.NoError(t, os.MkdirAll(filepath.Join(c.cfg.DataDir, "stray"), 0755))
	_, err = c.CreateIndex(ctx, "stray", docsSchema(), IndexOptions{})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
}

func TestIngest_ValidationIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t, t.TempDir(), newFaultyEngine())
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)

	_, err = h.Ingest(ctx, []schema.Document{
		{"id": 1, "title": "fine"},
		{"id": "two", "title": "broken"},
	}, IngestOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSchemaValidation)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "id", appErr.Field)
	assert.Equal(t, "docs", appErr.Index)
	assert.Equal(t, 0, h.Pending())

	_, err = h.Ingest(ctx, []schema.Document{{"nope": "x"}}, IngestOptions{})
	assert.ErrorIs(t, err, apperrors.ErrSchemaValidation)
}

func TestIngest_CommitOption(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t, t.TempDir(), newFaultyEngine())
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)

	res, err := h.Ingest(ctx, docs("visible now"), IngestOptions{Commit: true})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, uint64(1), res.Generation)
	assert.Equal(t, 0, res.Pending)

	out, err := h.Search(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Total)
}

func TestIngest_FailedCommitKeepsDocumentsOnce(t *testing.T) {
	ctx := context.Background()
	fe := newFaultyEngine()
	c := newCatalog(t, t.TempDir(), fe)
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)

	fe.failNext(1)
	res, err := h.Ingest(ctx, docs("only once"), IngestOptions{Commit: true})
	require.NoError(t, err, "documents are accepted even when the inline commit fails")
	assert.Equal(t, 1, res.Accepted)
	assert.False(t, res.Committed)
	assert.Equal(t, 1, res.Pending)
	assert.Contains(t, res.CommitError, errInjected.Error())
	assert.Equal(t, StateIdle, h.State())

	cr, err := h.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cr.Generation)
	out, err := h.Search(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Total)
}

func TestDeleteDocuments(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t, t.TempDir(), newFaultyEngine())
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)
	_, err = h.Ingest(ctx, docs("one", "two", "three"), IngestOptions{Commit: true})
	require.NoError(t, err)

	res, err := h.DeleteDocuments(ctx, "id", 2, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)

	out, err := h.Search(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Total, "delete is not visible before commit")

	_, err = h.Commit(ctx)
	require.NoError(t, err)
	out, err = h.Search(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Total)

	_, err = h.DeleteDocuments(ctx, "missing", 1, false)
	assert.ErrorIs(t, err, apperrors.ErrSchemaValidation)
	_, err = h.DeleteDocuments(ctx, "id", "abc", false)
	assert.ErrorIs(t, err, apperrors.ErrSchemaValidation)
}

func TestSearch_InvalidQuery(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t, t.TempDir(), newFaultyEngine())
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)

	q := query.NewPhrase("id", "not text")
	_, err = h.Search(ctx, &q, 10)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestCommit_FailureIsContained(t *testing.T) {
	ctx := context.Background()
	fe := newFaultyEngine()
	c := newCatalog(t, t.TempDir(), fe)
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)
	_, err = h.Ingest(ctx, docs("a", "b"), IngestOptions{})
	require.NoError(t, err)

	fe.failNext(1)
	_, err = h.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCommitFailure)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, uint64(0), h.Generation())
	assert.Equal(t, 2, h.Pending())
	assert.Equal(t, StateIdle, h.State())

	// the writer is not left locked
	_, err = h.Ingest(ctx, docs("c"), IngestOptions{})
	require.NoError(t, err)

	cr, err := h.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cr.Generation)
	out, err := h.Search(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Total)
}

func TestReadersDoNotWaitForCommit(t *testing.T) {
	forEachEngine(t, testReadersDoNotWaitForCommit)
}

func testReadersDoNotWaitForCommit(t *testing.T, fe *faultyEngine) {
	ctx := context.Background()
	c := newCatalog(t, t.TempDir(), fe)
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)
	_, err = h.Ingest(ctx, docs("first"), IngestOptions{Commit: true})
	require.NoError(t, err)
	_, err = h.Ingest(ctx, docs("second", "third"), IngestOptions{})
	require.NoError(t, err)

	started, release := fe.hold()
	defer release()
	commitErr := make(chan error, 1)
	go func() {
		_, err := h.Commit(ctx)
		commitErr <- err
	}()
	<-started
	assert.Equal(t, StateCommitting, h.State())

	pinned, err := h.acquire()
	require.NoError(t, err)
	defer pinned.release()

	res, err := h.Search(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Generation)
	assert.Equal(t, 1, res.Total)

	release()
	require.NoError(t, <-commitErr)
	res, err = h.Search(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Generation)
	assert.Equal(t, 3, res.Total)

	// a reader that started before the commit stays on its generation
	old, err := pinned.snap.Search(ctx, nil, engine.SearchOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), old.Generation)
	assert.Equal(t, 1, old.Total)
}

func TestWriterPolicy_Reject(t *testing.T) {
	ctx := context.Background()
	fe := newFaultyEngine()
	c := newCatalog(t, t.TempDir(), fe)
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{WriterPolicy: PolicyReject})
	require.NoError(t, err)
	_, err = h.Ingest(ctx, docs("a"), IngestOptions{})
	require.NoError(t, err)

	started, release := fe.hold()
	defer release()
	go h.Commit(ctx)
	<-started

	_, err = h.Ingest(ctx, docs("b"), IngestOptions{})
	assert.ErrorIs(t, err, apperrors.ErrWriterBusy)
	_, err = h.Commit(ctx)
	assert.ErrorIs(t, err, apperrors.ErrWriterBusy)
}

func TestWriterPolicy_BlockWaitsForCommit(t *testing.T) {
	ctx := context.Background()
	fe := newFaultyEngine()
	c := newCatalog(t, t.TempDir(), fe)
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)
	_, err = h.Ingest(ctx, docs("a"), IngestOptions{})
	require.NoError(t, err)

	started, release := fe.hold()
	defer release()
	go h.Commit(ctx)
	<-started

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = h.Ingest(short, docs("b"), IngestOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ingested := make(chan WriteResult, 1)
	go func() {
		res, err := h.Ingest(ctx, docs("c"), IngestOptions{})
		assert.NoError(t, err)
		ingested <- res
	}()
	select {
	case <-ingested:
		t.Fatal("writer did not wait for the in-flight commit")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	res := <-ingested
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, uint64(1), h.Generation())
}

func TestScheduler_SizeTrigger(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t, t.TempDir(), newFaultyEngine())
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{CommitThreshold: 2})
	require.NoError(t, err)

	_, err = h.Ingest(ctx, docs("a"), IngestOptions{})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(0), h.Generation())

	_, err = h.Ingest(ctx, docs("b"), IngestOptions{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.Generation() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.Pending())
}

func TestScheduler_IntervalTrigger(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t, t.TempDir(), newFaultyEngine())
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{CommitInterval: 30 * time.Millisecond})
	require.NoError(t, err)

	// nothing pending: no empty generations are published
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, uint64(0), h.Generation())

	_, err = h.Ingest(ctx, docs("a"), IngestOptions{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.Generation() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_RetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	fe := newFaultyEngine()
	c := newCatalog(t, t.TempDir(), fe)
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{CommitInterval: 20 * time.Millisecond})
	require.NoError(t, err)

	fe.failNext(1)
	_, err = h.Ingest(ctx, docs("a"), IngestOptions{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.Generation() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestGet_ReturnsSameHandle(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t, t.TempDir(), newFaultyEngine())
	created, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Get("docs")
			assert.NoError(t, err)
			assert.Same(t, created, h)
		}()
	}
	wg.Wait()

	_, err = c.Get("other")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestIndices_SortedSnapshot(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t, t.TempDir(), newFaultyEngine())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := c.CreateIndex(ctx, name, docsSchema(), IndexOptions{})
		require.NoError(t, err)
	}

	var seen []string
	for name := range c.Indices() {
		seen = append(seen, name)
		if name == "alpha" {
			// structural changes during iteration do not affect it
			_, err := c.CreateIndex(ctx, "beta", docsSchema(), IndexOptions{})
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, seen)
	assert.Equal(t, []string{"alpha", "beta", "mid", "zeta"}, slices.Collect(c.Indices()))

	for name := range c.Indices() {
		assert.Equal(t, "alpha", name)
		break
	}
}

func TestLoadExisting_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fe := newFaultyEngine()

	first, err := New(Config{DataDir: dir, Defaults: IndexOptions{Engine: "faulty", CommitInterval: time.Hour}}, WithEngines(fe))
	require.NoError(t, err)
	h, err := first.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{CommitThreshold: 50})
	require.NoError(t, err)
	_, err = h.Ingest(ctx, docs("kept", "also kept"), IngestOptions{Commit: true})
	require.NoError(t, err)
	_, err = h.Ingest(ctx, docs("flushed at shutdown"), IngestOptions{})
	require.NoError(t, err)
	_, err = first.CreateIndex(ctx, "empty", docsSchema(), IndexOptions{})
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(ctx))

	// an unreadable index is skipped, not fatal
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "broken"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken", recordFile), []byte("{"), 0644))

	second := newCatalog(t, dir, fe)
	failures := second.LoadExisting(ctx)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], apperrors.ErrStartupLoad)
	var appErr *apperrors.AppError
	require.ErrorAs(t, failures[0], &appErr)
	assert.Equal(t, "broken", appErr.Index)

	assert.Equal(t, []string{"docs", "empty"}, slices.Collect(second.Indices()))
	loaded, err := second.Get("docs")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.Generation())
	assert.Equal(t, 50, loaded.Options().CommitThreshold)
	res, err := loaded.Search(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)

	rec, err := readRecord(filepath.Join(dir, "docs"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Generation)
	assert.False(t, rec.CommittedAt.IsZero())
}

func TestLoadExisting_LockedDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fe := newFaultyEngine()
	owner := newCatalog(t, dir, fe)
	_, err := owner.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)

	intruder := newCatalog(t, dir, fe)
	failures := intruder.LoadExisting(ctx)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error(), "locked")
	assert.Empty(t, slices.Collect(intruder.Indices()))
}

func TestDeleteIndex_WaitsForInFlightCommit(t *testing.T) {
	ctx := context.Background()
	fe := newFaultyEngine()
	c := newCatalog(t, t.TempDir(), fe)
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)
	_, err = h.Ingest(ctx, docs("a"), IngestOptions{})
	require.NoError(t, err)

	started, release := fe.hold()
	defer release()
	committed := make(chan error, 1)
	go func() {
		_, err := h.Commit(ctx)
		committed <- err
	}()
	<-started

	deleted := make(chan error, 1)
	go func() { deleted <- c.DeleteIndex(ctx, "docs") }()

	assert.Eventually(t, func() bool {
		_, err := c.Get("docs")
		return errors.Is(err, apperrors.ErrNotFound)
	}, time.Second, time.Millisecond)
	select {
	case <-deleted:
		t.Fatal("delete finished while a commit was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	require.NoError(t, <-committed)
	require.NoError(t, <-deleted)
	assert.ErrorIs(t, c.DeleteIndex(ctx, "docs"), apperrors.ErrNotFound)

	// the name is free again
	_, err = c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)
}

func TestShutdown_RejectsNewOperations(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t, t.TempDir(), newFaultyEngine())
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)
	require.NoError(t, c.Shutdown(ctx))

	_, err = h.Ingest(ctx, docs("late"), IngestOptions{})
	assert.ErrorIs(t, err, apperrors.ErrShuttingDown)
	_, err = c.CreateIndex(ctx, "other", docsSchema(), IndexOptions{})
	assert.ErrorIs(t, err, apperrors.ErrShuttingDown)
	assert.NoError(t, c.Shutdown(ctx))
}

func TestShutdown_DrainTimeout(t *testing.T) {
	ctx := context.Background()
	fe := newFaultyEngine()
	c := newCatalog(t, t.TempDir(), fe, func(cfg *Config) { cfg.DrainTimeout = 30 * time.Millisecond })
	h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)
	_, err = h.Ingest(ctx, docs("stuck"), IngestOptions{})
	require.NoError(t, err)

	_, release := fe.hold()
	defer release()

	err = c.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrShutdownDrainTimeout)
}

func TestSingleWriter_ConcurrentIngestWithScheduledCommits(t *testing.T) {
	forEachEngine(t, func(t *testing.T, fe *faultyEngine) {
		ctx := context.Background()
		c := newCatalog(t, t.TempDir(), fe)
		h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{CommitThreshold: 5})
		require.NoError(t, err)

		const writers, perWriter = 8, 10
		var wg sync.WaitGroup
		for w := range writers {
			wg.Go(func() {
				for i := range perWriter {
					doc := schema.Document{"id": w*perWriter + i, "title": "concurrent entry"}
					_, err := h.Ingest(ctx, []schema.Document{doc}, IngestOptions{})
					assert.NoError(t, err)
				}
			})
		}
		wg.Wait()
		_, err = h.Commit(ctx)
		require.NoError(t, err)

		res, err := h.Search(ctx, nil, 0)
		require.NoError(t, err)
		assert.Equal(t, writers*perWriter, res.Total)
		assert.Equal(t, 0, h.Pending())

		gens, maxInFlight := fe.commitLog()
		require.NotEmpty(t, gens)
		assert.Equal(t, 1, maxInFlight, "commits overlapped")
		for i := 1; i < len(gens); i++ {
			assert.Greater(t, gens[i], gens[i-1])
		}
		assert.Equal(t, gens[len(gens)-1], h.Generation())
	})
}

func TestCreateIndex_ConcurrentSameName(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t, t.TempDir(), newFaultyEngine())

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			_, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
			errs <- err
		})
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
	}
	assert.Equal(t, 1, created)
}

func TestCreateIndex_WaitsForInProgressDelete(t *testing.T) {
	ctx := context.Background()
	fe := newFaultyEngine()
	c := newCatalog(t, t.TempDir(), fe)
	old, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
	require.NoError(t, err)
	_, err = old.Ingest(ctx, docs("stale"), IngestOptions{})
	require.NoError(t, err)

	started, release := fe.hold()
	defer release()
	go func() { _, _ = old.Commit(ctx) }()
	<-started

	deleted := make(chan error, 1)
	go func() { deleted <- c.DeleteIndex(ctx, "docs") }()
	assert.Eventually(t, func() bool {
		_, err := c.Get("docs")
		return errors.Is(err, apperrors.ErrNotFound)
	}, time.Second, time.Millisecond)

	type createResult struct {
		h   *Handle
		err error
	}
	created := make(chan createResult, 1)
	go func() {
		h, err := c.CreateIndex(ctx, "docs", docsSchema(), IndexOptions{})
		created <- createResult{h, err}
	}()
	select {
	case <-created:
		t.Fatal("create finished while the delete of the same name was in progress")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	require.NoError(t, <-deleted)
	res := <-created
	require.NoError(t, res.err)
	assert.NotSame(t, old, res.h)
	assert.Equal(t, uint64(0), res.h.Generation())

	got, err := c.Get("docs")
	require.NoError(t, err)
	assert.Same(t, res.h, got)
	out, err := got.Search(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Total)
}
