package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/events"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/query"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/searcher/cache"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchserver/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/metrics"
)

// State is the writer state of a handle.
type State int32

const (
	StateIdle State = iota
	StateWriting
	StateCommitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWriting:
		return "writing"
	case StateCommitting:
		return "committing"
	default:
		return "unknown"
	}
}

// published is a reference-counted snapshot. The handle owns one
// reference until the next commit replaces it.
type published struct {
	snap   engine.Snapshot
	refs   atomic.Int64
	logger *slog.Logger
}

func newPublished(snap engine.Snapshot, logger *slog.Logger) *published {
	p := &published{snap: snap, logger: logger}
	p.refs.Store(1)
	return p
}

func (p *published) tryAcquire() bool {
	for {
		n := p.refs.Load()
		if n <= 0 {
			return false
		}
		if p.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *published) release() {
	if p.refs.Add(-1) == 0 {
		if err := p.snap.Close(); err != nil {
			p.logger.Warn("closing snapshot", "generation", p.snap.Generation(), "error", err)
		}
	}
}

// Handle is one open index: its single logical writer, the pending batch
// and the currently published generation. Reads never wait for writers.
type Handle struct {
	name      string
	dir       string
	schema    schema.Schema
	opts      IndexOptions
	createdAt time.Time

	idx  engine.Index
	lock *flock.Flock

	cache   *cache.Cache
	events  *events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	current atomic.Pointer[published]

	mu          sync.Mutex
	state       State
	pending     engine.Batch
	lastCommit  time.Time
	committedAt time.Time
	commitDone  chan struct{}
	closing     error
	ops         sync.WaitGroup

	kick          chan struct{}
	stopOnce      sync.Once
	stopScheduler context.CancelFunc
	schedulerDone chan struct{}
}

// IngestOptions modify a single Ingest call.
type IngestOptions struct {
	// Commit publishes a new generation before returning.
	Commit bool
}

// WriteResult reports the effect of a write. Once a write returns without
// error its operations are buffered; a requested commit that failed leaves
// them pending with Committed false and the cause in CommitError.
type WriteResult struct {
	Accepted    int    `json:"accepted"`
	Pending     int    `json:"pending"`
	Committed   bool   `json:"committed"`
	Generation  uint64 `json:"generation"`
	CommitError string `json:"commit_error,omitempty"`
}

// CommitResult reports the outcome of a commit cycle. Committed is false
// when there was nothing to flush.
type CommitResult struct {
	Generation uint64 `json:"generation"`
	Committed  bool   `json:"committed"`
	Ops        int    `json:"ops"`
}

// Summary describes an index for listing and inspection.
type Summary struct {
	Name       string        `json:"name"`
	Schema     schema.Schema `json:"schema"`
	Options    IndexOptions  `json:"options"`
	Generation uint64        `json:"generation"`
	DocCount   uint64        `json:"doc_count"`
	Pending    int           `json:"pending"`
	State      string        `json:"state"`
	LastCommit time.Time     `json:"last_commit,omitzero"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Name returns the index name.
func (h *Handle) Name() string { return h.name }

// Schema returns the schema the index was created with.
func (h *Handle) Schema() schema.Schema { return h.schema }

// Options returns the resolved per-index options.
func (h *Handle) Options() IndexOptions { return h.opts }

// Generation returns the currently published generation.
func (h *Handle) Generation() uint64 {
	if p := h.current.Load(); p != nil {
		return p.snap.Generation()
	}
	return 0
}

func (h *Handle) docCount() uint64 {
	p, err := h.acquire()
	if err != nil {
		return 0
	}
	defer p.release()
	return p.snap.DocCount()
}

// Pending is the number of buffered operations not yet committed.
func (h *Handle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// State returns the writer state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) enter() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing != nil {
		return h.closing
	}
	h.ops.Add(1)
	return nil
}

func (h *Handle) leave() { h.ops.Done() }

// Ingest validates every document and appends them to the pending batch.
// Validation is all-or-nothing. Documents become visible with the next
// commit.
func (h *Handle) Ingest(ctx context.Context, docs []schema.Document, opts IngestOptions) (WriteResult, error) {
	if err := h.enter(); err != nil {
		return WriteResult{}, err
	}
	defer h.leave()

	if len(docs) == 0 {
		return WriteResult{}, apperrors.InvalidInput("index %s: no documents", h.name)
	}
	batch := make(engine.Batch, 0, len(docs))
	for i, d := range docs {
		valid, err := h.schema.ValidateDocument(d)
		if err != nil {
			return WriteResult{}, h.schemaError(err, i, len(docs))
		}
		batch = append(batch, engine.Add(valid))
	}
	return h.write(ctx, batch, opts.Commit)
}

// DeleteDocuments buffers a delete of every document whose field holds
// value. It follows the same pending model as Ingest.
func (h *Handle) DeleteDocuments(ctx context.Context, field string, value any, commit bool) (WriteResult, error) {
	if err := h.enter(); err != nil {
		return WriteResult{}, err
	}
	defer h.leave()

	f, ok := h.schema.Field(field)
	if !ok {
		return WriteResult{}, apperrors.SchemaViolation(h.name, field, "not in schema")
	}
	if !f.Indexed {
		return WriteResult{}, apperrors.SchemaViolation(h.name, field, "field is not indexed")
	}
	v, err := schema.Normalize(f.Type, value)
	if err != nil {
		return WriteResult{}, apperrors.SchemaViolation(h.name, field, err.Error())
	}
	return h.write(ctx, engine.Batch{engine.Delete(field, v)}, commit)
}

func (h *Handle) write(ctx context.Context, batch engine.Batch, commit bool) (WriteResult, error) {
	h.mu.Lock()
	if err := h.awaitWriterLocked(ctx); err != nil {
		h.mu.Unlock()
		return WriteResult{}, err
	}
	h.pending = append(h.pending, batch...)
	h.state = StateWriting
	pending := len(h.pending)
	h.mu.Unlock()

	adds := 0
	for _, op := range batch {
		if op.Kind == engine.OpAdd {
			adds++
		}
	}
	h.metrics.ObserveIngest(h.name, adds)
	h.metrics.SetPending(h.name, pending)
	if pending >= h.opts.CommitThreshold {
		select {
		case h.kick <- struct{}{}:
		default:
		}
	}

	res := WriteResult{Accepted: len(batch), Pending: pending, Generation: h.Generation()}
	if !commit {
		return res, nil
	}
	cr, err := h.commit(ctx, true)
	if err != nil {
		// already buffered; the scheduler retries the commit
		h.logger.Warn("inline commit failed, operations stay pending",
			"accepted", len(batch),
			"error", err,
		)
		res.CommitError = err.Error()
		res.Pending = h.Pending()
		return res, nil
	}
	res.Committed = cr.Committed
	res.Generation = cr.Generation
	res.Pending = h.Pending()
	return res, nil
}

// awaitWriterLocked returns once no commit is in flight, applying the
// writer policy. It is called and returns with h.mu held.
func (h *Handle) awaitWriterLocked(ctx context.Context) error {
	for h.state == StateCommitting {
		if h.opts.WriterPolicy == PolicyReject {
			return apperrors.WriterBusy(h.name)
		}
		done := h.commitDone
		h.mu.Unlock()
		select {
		case <-done:
			h.mu.Lock()
		case <-ctx.Done():
			h.mu.Lock()
			return fmt.Errorf("index %s: waiting for commit: %w", h.name, ctx.Err())
		}
	}
	return nil
}

// Commit flushes the pending batch and publishes a new generation.
func (h *Handle) Commit(ctx context.Context) (CommitResult, error) {
	if err := h.enter(); err != nil {
		return CommitResult{}, err
	}
	defer h.leave()
	return h.commit(ctx, true)
}

// commit runs one commit cycle. With wait false a cycle already in flight
// makes this one a no-op; otherwise the writer policy applies.
func (h *Handle) commit(ctx context.Context, wait bool) (CommitResult, error) {
	h.mu.Lock()
	if wait {
		if err := h.awaitWriterLocked(ctx); err != nil {
			h.mu.Unlock()
			return CommitResult{Generation: h.Generation()}, err
		}
	} else if h.state == StateCommitting {
		h.mu.Unlock()
		h.metrics.ObserveCommit(h.name, "skipped", 0)
		return CommitResult{Generation: h.Generation()}, nil
	}
	current := h.Generation()
	if len(h.pending) == 0 {
		h.mu.Unlock()
		return CommitResult{Generation: current}, nil
	}
	batch := h.pending
	next := current + 1
	done := make(chan struct{})
	h.state = StateCommitting
	h.commitDone = done
	h.mu.Unlock()
	defer close(done)

	start := time.Now()
	snap, err := h.idx.Commit(ctx, batch, next)
	elapsed := time.Since(start)

	h.mu.Lock()
	h.commitDone = nil
	if err != nil {
		// the batch stays pending and is retried on the next trigger
		h.state = StateIdle
		h.mu.Unlock()
		h.metrics.ObserveCommit(h.name, "failure", elapsed)
		h.events.Publish(events.Event{
			Type:       events.CommitFailed,
			Index:      h.name,
			Generation: current,
			Ops:        len(batch),
			LatencyMs:  elapsed.Milliseconds(),
			Error:      err.Error(),
		})
		h.logger.Error("commit failed",
			"generation", next,
			"pending", len(batch),
			"error", err,
		)
		return CommitResult{Generation: current}, apperrors.CommitFailed(h.name, err)
	}
	h.pending = nil
	h.state = StateIdle
	h.lastCommit = time.Now()
	h.committedAt = h.lastCommit.UTC()
	committedAt := h.committedAt
	h.publish(snap)
	h.mu.Unlock()

	docs := snap.DocCount()
	h.metrics.SetPending(h.name, 0)
	h.metrics.ObserveCommit(h.name, "success", elapsed)
	h.metrics.SetGeneration(h.name, next, docs)
	if err := h.updateRecord(next, committedAt); err != nil {
		h.logger.Warn("updating catalog record", "generation", next, "error", err)
	}
	h.events.Publish(events.Event{
		Type:       events.CommitSucceeded,
		Index:      h.name,
		Generation: next,
		Docs:       docs,
		Ops:        len(batch),
		LatencyMs:  elapsed.Milliseconds(),
	})
	h.logger.Info("generation published",
		"generation", next,
		"ops", len(batch),
		"docs", docs,
		"duration_ms", elapsed.Milliseconds(),
	)
	return CommitResult{Generation: next, Committed: true, Ops: len(batch)}, nil
}

func (h *Handle) publish(snap engine.Snapshot) {
	old := h.current.Swap(newPublished(snap, h.logger))
	if old != nil {
		old.release()
	}
}

func (h *Handle) acquire() (*published, error) {
	for {
		p := h.current.Load()
		if p == nil {
			return nil, apperrors.NotFound(h.name)
		}
		if p.tryAcquire() {
			return p, nil
		}
	}
}

func (h *Handle) updateRecord(generation uint64, committedAt time.Time) error {
	return writeRecord(h.dir, record{
		Name:        h.name,
		Schema:      h.schema,
		Options:     h.opts,
		Generation:  generation,
		CreatedAt:   h.createdAt,
		CommittedAt: committedAt,
	})
}

// Search runs q against the published generation. A nil q matches every
// document; limit <= 0 returns every match.
func (h *Handle) Search(ctx context.Context, q *query.Query, limit int) (*engine.Result, error) {
	if err := h.enter(); err != nil {
		return nil, err
	}
	defer h.leave()

	start := time.Now()
	resolved, err := query.Resolve(q, h.schema)
	if err != nil {
		h.metrics.ObserveQuery("none", 0, err, time.Since(start))
		return nil, apperrors.InvalidQuery(h.name, err)
	}
	p, err := h.acquire()
	if err != nil {
		return nil, err
	}
	defer p.release()

	key := cache.Key{Index: h.name, Generation: p.snap.Generation(), Query: resolved.Key(), Limit: limit}
	res, hit, err := h.cache.Fetch(ctx, key, func(ctx context.Context) (*engine.Result, error) {
		return p.snap.Search(ctx, resolved, engine.SearchOptions{Limit: limit})
	})
	status := "miss"
	switch {
	case h.cache == nil:
		status = "none"
	case hit:
		status = "hit"
	}
	hits := 0
	if res != nil {
		hits = len(res.Hits)
	}
	h.metrics.ObserveQuery(status, hits, err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", h.name, err)
	}
	return res, nil
}

// Summary reports the handle's schema, options and current state.
func (h *Handle) Summary() (Summary, error) {
	if err := h.enter(); err != nil {
		return Summary{}, err
	}
	defer h.leave()

	p, err := h.acquire()
	if err != nil {
		return Summary{}, err
	}
	defer p.release()

	h.mu.Lock()
	defer h.mu.Unlock()
	return Summary{
		Name:       h.name,
		Schema:     h.schema,
		Options:    h.opts,
		Generation: p.snap.Generation(),
		DocCount:   p.snap.DocCount(),
		Pending:    len(h.pending),
		State:      h.state.String(),
		LastCommit: h.committedAt,
		CreatedAt:  h.createdAt,
	}, nil
}

func (h *Handle) schemaError(err error, i, n int) error {
	var fe *schema.FieldError
	if !errors.As(err, &fe) {
		return apperrors.SchemaViolation(h.name, "", err.Error())
	}
	reason := fe.Reason
	if n > 1 {
		reason = fmt.Sprintf("document %d: %s", i, fe.Reason)
	}
	return apperrors.SchemaViolation(h.name, fe.Field, reason)
}

// quiesce makes new operations fail with reason, stops the scheduler and
// waits for in-flight operations, including any commit they started.
func (h *Handle) quiesce(ctx context.Context, reason error) error {
	h.mu.Lock()
	if h.closing == nil {
		h.closing = reason
	}
	h.mu.Unlock()

	h.stop()

	drained := make(chan struct{})
	go func() {
		h.ops.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close releases the published snapshot, the engine and the directory
// lock. The handle must be quiesced.
func (h *Handle) close() error {
	if p := h.current.Swap(nil); p != nil {
		p.release()
	}
	var errs []error
	if err := h.idx.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing engine: %w", err))
	}
	if h.lock != nil {
		if err := h.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("releasing directory lock: %w", err))
		}
	}
	return errors.Join(errs...)
}
