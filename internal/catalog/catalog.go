// Package catalog owns the lifecycle of every index: creation, startup
// loading, lookup, deletion and shutdown draining. Each index is served by
// a Handle that serialises writes against a single logical writer and
// publishes immutable generations for readers.
package catalog

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/analysis"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine/native"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/events"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/searcher/cache"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchserver/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/resilience"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Config is the catalog's base directory and the defaults applied to
// indices created without explicit options.
type Config struct {
	DataDir      string
	Defaults     IndexOptions
	DrainTimeout time.Duration
	LoadWorkers  int
}

// Catalog is the registry of open indices.
type Catalog struct {
	cfg        Config
	engines    map[string]engine.Engine
	tokenizers *analysis.Registry
	cache      *cache.Cache
	events     *events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	handles  map[string]*Handle
	names    keyedMutex
	draining atomic.Bool
}

// Option configures a Catalog in New.
type Option func(*Catalog)

// WithEngines registers index engines by name. The native engine is
// available unless replaced.
func WithEngines(engines ...engine.Engine) Option {
	return func(c *Catalog) {
		for _, e := range engines {
			c.engines[e.Name()] = e
		}
	}
}

// WithTokenizers replaces the built-in tokenizer registry.
func WithTokenizers(reg *analysis.Registry) Option {
	return func(c *Catalog) { c.tokenizers = reg }
}

// WithCache enables the query-result cache.
func WithCache(qc *cache.Cache) Option {
	return func(c *Catalog) { c.cache = qc }
}

// WithEvents sets the publisher lifecycle and commit events go to.
func WithEvents(p *events.Publisher) Option {
	return func(c *Catalog) { c.events = p }
}

// WithMetrics sets the collectors the catalog and its handles update.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Catalog) { c.metrics = m }
}

// New creates a catalog rooted at cfg.DataDir. Call LoadExisting before
// serving to open the indices already on disk.
func New(cfg Config, opts ...Option) (*Catalog, error) {
	cfg.Defaults = cfg.Defaults.withDefaults(IndexOptions{
		Engine:          "native",
		CommitInterval:  5 * time.Second,
		CommitThreshold: 1000,
		WriterPolicy:    PolicyBlock,
	})
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.LoadWorkers <= 0 {
		cfg.LoadWorkers = 4
	}
	if err := cfg.Defaults.validate(); err != nil {
		return nil, fmt.Errorf("catalog defaults: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Catalog{
		cfg:        cfg,
		engines:    map[string]engine.Engine{"native": native.New()},
		tokenizers: analysis.NewRegistry(),
		logger:     slog.Default().With("component", "catalog"),
		ctx:        ctx,
		cancel:     cancel,
		handles:    make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, ok := c.engines[cfg.Defaults.Engine]; !ok {
		cancel()
		return nil, fmt.Errorf("default engine %q is not registered", cfg.Defaults.Engine)
	}
	return c, nil
}

// Tokenizers returns the registry indices resolve tokenizer names from.
func (c *Catalog) Tokenizers() *analysis.Registry { return c.tokenizers }

// Draining reports whether Shutdown has started.
func (c *Catalog) Draining() bool { return c.draining.Load() }

func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return apperrors.InvalidInput("invalid index name %q", name)
	}
	return nil
}

// CreateIndex creates, opens and registers a new index at generation 0.
func (c *Catalog) CreateIndex(ctx context.Context, name string, s schema.Schema, opts IndexOptions) (*Handle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if c.draining.Load() {
		return nil, apperrors.ShuttingDown(name)
	}
	if err := s.Validate(); err != nil {
		var fe *schema.FieldError
		if errors.As(err, &fe) {
			return nil, apperrors.SchemaViolation(name, fe.Field, fe.Reason)
		}
		return nil, apperrors.SchemaViolation(name, "", err.Error())
	}
	opts = opts.withDefaults(c.cfg.Defaults)
	if err := opts.validate(); err != nil {
		return nil, apperrors.InvalidInput("index %s: %v", name, err)
	}
	eng, ok := c.engines[opts.Engine]
	if !ok {
		return nil, apperrors.InvalidInput("index %s: unknown engine %q", name, opts.Engine)
	}
	if _, err := c.tokenizers.Resolve(s.Tokenizers()); err != nil {
		return nil, apperrors.InvalidInput("index %s: %v", name, err)
	}

	unlock := c.names.lock(name)
	defer unlock()

	c.mu.RLock()
	_, exists := c.handles[name]
	c.mu.RUnlock()
	if exists {
		return nil, apperrors.AlreadyExists(name)
	}
	dir := filepath.Join(c.cfg.DataDir, name)
	if _, err := os.Stat(dir); err == nil {
		return nil, apperrors.AlreadyExists(name)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("checking index directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	h, err := c.initIndex(dir, name, s, opts, eng)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			c.logger.Warn("removing partially created index", "index", name, "error", rmErr)
		}
		return nil, err
	}

	c.mu.Lock()
	c.handles[name] = h
	active := len(c.handles)
	c.mu.Unlock()
	h.startScheduler(c.ctx)

	c.metrics.SetActiveIndices(active)
	c.metrics.SetGeneration(name, 0, 0)
	c.events.Publish(events.Event{Type: events.IndexCreated, Index: name})
	c.logger.Info("index created",
		"index", name,
		"engine", opts.Engine,
		"fields", len(s.Fields),
		"writer_policy", opts.WriterPolicy,
	)
	return h, nil
}

func (c *Catalog) initIndex(dir, name string, s schema.Schema, opts IndexOptions, eng engine.Engine) (*Handle, error) {
	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}
	rec := record{
		Name:      name,
		Schema:    s,
		Options:   opts,
		CreatedAt: time.Now().UTC(),
	}
	if err := writeRecord(dir, rec); err != nil {
		lock.Unlock()
		return nil, err
	}
	h, err := c.openHandle(dir, rec, eng)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	h.lock = lock
	return h, nil
}

func (c *Catalog) openHandle(dir string, rec record, eng engine.Engine) (*Handle, error) {
	idx, err := eng.Open(dir, rec.Schema, c.tokenizers)
	if err != nil {
		return nil, fmt.Errorf("opening %s index: %w", eng.Name(), err)
	}
	snap, err := idx.Snapshot()
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("reading committed generation: %w", err)
	}
	h := &Handle{
		name:        rec.Name,
		dir:         dir,
		schema:      rec.Schema,
		opts:        rec.Options,
		createdAt:   rec.CreatedAt,
		idx:         idx,
		cache:       c.cache,
		events:      c.events,
		metrics:     c.metrics,
		logger:      c.logger.With("index", rec.Name),
		lastCommit:  time.Now(),
		committedAt: rec.CommittedAt,
		kick:        make(chan struct{}, 1),
	}
	h.publish(snap)
	return h, nil
}

// LoadExisting opens every index under the data directory, in parallel up
// to the configured worker count, and registers the ones that open. Each
// index that cannot be opened is skipped and reported as a StartupLoad
// error; the catalog remains usable.
func (c *Catalog) LoadExisting(ctx context.Context) []error {
	entries, err := os.ReadDir(c.cfg.DataDir)
	if err != nil {
		return []error{apperrors.StartupLoadFailed("", fmt.Errorf("reading data directory: %w", err))}
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		loaded   []*Handle
		failures []error
	)
	g.SetLimit(c.cfg.LoadWorkers)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				failures = append(failures, apperrors.StartupLoadFailed(name, err))
				mu.Unlock()
				return nil
			}
			h, err := c.loadIndex(name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, apperrors.StartupLoadFailed(name, err))
				return nil
			}
			if h != nil {
				loaded = append(loaded, h)
			}
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	for _, h := range loaded {
		c.handles[h.name] = h
	}
	active := len(c.handles)
	c.mu.Unlock()
	for _, h := range loaded {
		h.startScheduler(c.ctx)
		c.metrics.SetGeneration(h.name, h.Generation(), h.docCount())
	}
	c.metrics.SetActiveIndices(active)

	for _, err := range failures {
		var appErr *apperrors.AppError
		name := ""
		if errors.As(err, &appErr) {
			name = appErr.Index
		}
		c.metrics.StartupLoadFailed()
		c.events.Publish(events.Event{Type: events.LoadFailed, Index: name, Error: err.Error()})
		c.logger.Error("index failed to load, skipping", "index", name, "error", err)
	}
	c.logger.Info("startup load complete", "loaded", len(loaded), "failed", len(failures))
	return failures
}

func (c *Catalog) loadIndex(name string) (*Handle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	unlock := c.names.lock(name)
	defer unlock()

	c.mu.RLock()
	_, exists := c.handles[name]
	c.mu.RUnlock()
	if exists {
		return nil, nil
	}
	dir := filepath.Join(c.cfg.DataDir, name)
	rec, err := readRecord(dir)
	if err != nil {
		return nil, err
	}
	if rec.Name != name {
		return nil, fmt.Errorf("catalog record names index %q", rec.Name)
	}
	if err := rec.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("stored schema: %w", err)
	}
	rec.Options = rec.Options.withDefaults(c.cfg.Defaults)
	eng, ok := c.engines[rec.Options.Engine]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q", rec.Options.Engine)
	}
	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}
	h, err := c.openHandle(dir, rec, eng)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	h.lock = lock
	if gen := h.Generation(); gen != rec.Generation {
		// the record lags when the process stopped between the engine
		// commit and the record update
		if err := h.updateRecord(gen, rec.CommittedAt); err != nil {
			h.logger.Warn("updating catalog record", "generation", gen, "error", err)
		}
	}
	h.logger.Info("index loaded", "generation", h.Generation(), "engine", rec.Options.Engine)
	return h, nil
}

// Get returns the handle registered under name. Every lookup of a name
// returns the same handle until the index is deleted.
func (c *Catalog) Get(name string) (*Handle, error) {
	c.mu.RLock()
	h, ok := c.handles[name]
	c.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound(name)
	}
	return h, nil
}

// DeleteIndex unregisters name, waits for its in-flight operations and any
// in-flight commit, then removes the index from disk.
func (c *Catalog) DeleteIndex(ctx context.Context, name string) error {
	unlock := c.names.lock(name)
	defer unlock()

	c.mu.Lock()
	h, ok := c.handles[name]
	if !ok {
		c.mu.Unlock()
		return apperrors.NotFound(name)
	}
	delete(c.handles, name)
	active := len(c.handles)
	c.mu.Unlock()

	if err := h.quiesce(context.WithoutCancel(ctx), apperrors.NotFound(name)); err != nil {
		return fmt.Errorf("draining %s: %w", name, err)
	}
	if err := h.close(); err != nil {
		c.logger.Warn("closing deleted index", "index", name, "error", err)
	}
	if err := os.RemoveAll(h.dir); err != nil {
		return fmt.Errorf("removing index directory: %w", err)
	}

	c.cache.Invalidate(ctx, name)
	c.metrics.ForgetIndex(name)
	c.metrics.SetActiveIndices(active)
	c.events.Publish(events.Event{Type: events.IndexDeleted, Index: name, Generation: h.Generation()})
	c.logger.Info("index deleted", "index", name)
	return nil
}

// Indices yields the registered index names in sorted order. Each
// iteration works on a snapshot of the registry taken when it starts.
func (c *Catalog) Indices() iter.Seq[string] {
	return func(yield func(string) bool) {
		c.mu.RLock()
		names := make([]string, 0, len(c.handles))
		for name := range c.handles {
			names = append(names, name)
		}
		c.mu.RUnlock()
		slices.Sort(names)
		for _, name := range names {
			if !yield(name) {
				return
			}
		}
	}
}

// Shutdown stops accepting operations, then drains every index in
// parallel: wait for in-flight operations and run one final commit, each
// index bounded by the drain timeout. Indices that miss the deadline are
// reported as ShutdownDrainTimeout errors. Published generations are never
// rolled back.
func (c *Catalog) Shutdown(ctx context.Context) error {
	if !c.draining.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.RLock()
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.RUnlock()
	slices.SortFunc(handles, func(a, b *Handle) int { return cmp.Compare(a.name, b.name) })

	c.logger.Info("draining indices", "count", len(handles), "timeout", c.cfg.DrainTimeout)
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, h := range handles {
		g.Go(func() error {
			if err := c.drain(ctx, h); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	c.cancel()
	c.mu.Lock()
	clear(c.handles)
	c.mu.Unlock()
	c.metrics.SetActiveIndices(0)
	c.logger.Info("catalog shut down", "errors", len(errs))
	return errors.Join(errs...)
}

func (c *Catalog) drain(ctx context.Context, h *Handle) error {
	err := resilience.WithTimeout(ctx, c.cfg.DrainTimeout, "drain "+h.name, func(ctx context.Context) error {
		if err := h.quiesce(ctx, apperrors.ShuttingDown(h.name)); err != nil {
			return err
		}
		_, err := h.commit(ctx, true)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// the commit may still be running; leave the engine open
		c.events.Publish(events.Event{Type: events.DrainTimedOut, Index: h.name, Error: err.Error()})
		c.logger.Error("drain timed out", "index", h.name, "pending", h.Pending(), "error", err)
		return apperrors.DrainTimeout(h.name, err)
	default:
		c.logger.Error("final commit failed", "index", h.name, "error", err)
	}
	if closeErr := h.close(); closeErr != nil {
		c.logger.Warn("closing index", "index", h.name, "error", closeErr)
	}
	return err
}
