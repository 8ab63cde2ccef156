// Package router resolves an operation's target index against the catalog
// and forwards it to the index's handle. It is the single entry point used
// by the HTTP server, the RPC server and the Kafka ingest consumer.
package router

import (
	"context"
	"slices"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/query"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchserver/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/logger"
)

// Op is one routable operation. The set is closed: only the types in this
// package implement it.
type Op interface {
	Name() string
	op()
}

// Ingest buffers documents into the index's pending batch.
type Ingest struct {
	Docs   []schema.Document `json:"documents"`
	Commit bool              `json:"commit,omitempty"`
}

// Query searches the index's published generation.
type Query struct {
	Query *query.Query `json:"query,omitempty"`
	Limit int          `json:"limit,omitempty"`
}

// DeleteIndex removes the index and its directory.
type DeleteIndex struct{}

// ListIndices returns every registered index name. It ignores the index
// argument of Dispatch.
type ListIndices struct{}

// CreateIndex registers a new index under the dispatched name.
type CreateIndex struct {
	Schema  schema.Schema        `json:"schema"`
	Options catalog.IndexOptions `json:"options"`
}

// DeleteDocuments removes documents whose Field matches Value.
type DeleteDocuments struct {
	Field  string `json:"field"`
	Value  any    `json:"value"`
	Commit bool   `json:"commit,omitempty"`
}

// Commit forces the pending batch to be published.
type Commit struct{}

// Summary describes the index's schema and state.
type Summary struct{}

func (Ingest) Name() string          { return "ingest" }
func (Query) Name() string           { return "query" }
func (DeleteIndex) Name() string     { return "delete_index" }
func (ListIndices) Name() string     { return "list_indices" }
func (CreateIndex) Name() string     { return "create_index" }
func (DeleteDocuments) Name() string { return "delete_documents" }
func (Commit) Name() string          { return "commit" }
func (Summary) Name() string         { return "summary" }

func (Ingest) op()          {}
func (Query) op()           {}
func (DeleteIndex) op()     {}
func (ListIndices) op()     {}
func (CreateIndex) op()     {}
func (DeleteDocuments) op() {}
func (Commit) op()          {}
func (Summary) op()         {}

// Limits bound the number of hits a query may request.
type Limits struct {
	DefaultLimit int
	MaxResults   int
}

// Router dispatches operations to index handles.
type Router struct {
	catalog *catalog.Catalog
	limits  Limits
}

// New creates a Router over cat.
func New(cat *catalog.Catalog, limits Limits) *Router {
	if limits.DefaultLimit <= 0 {
		limits.DefaultLimit = 10
	}
	if limits.MaxResults <= 0 {
		limits.MaxResults = 1000
	}
	return &Router{catalog: cat, limits: limits}
}

// Catalog exposes the underlying catalog for readiness checks.
func (r *Router) Catalog() *catalog.Catalog { return r.catalog }

// Dispatch runs op against index and returns the handle's result unchanged.
// The concrete result type depends on op:
//
//	Ingest, DeleteDocuments  catalog.WriteResult
//	Query                    *engine.Result
//	Commit                   catalog.CommitResult
//	CreateIndex, Summary     catalog.Summary
//	ListIndices              []string
//	DeleteIndex              nil
//
// An unknown index yields a NotFound error before anything else happens.
// Dispatch never retries.
func (r *Router) Dispatch(ctx context.Context, index string, op Op) (any, error) {
	start := time.Now()
	if index != "" {
		ctx = logger.WithIndex(ctx, index)
	}
	res, err := r.dispatch(ctx, index, op)
	log := logger.FromContext(ctx).With("op", op.Name())
	if err != nil {
		log.Debug("dispatch failed",
			"kind", apperrors.Kind(err),
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}
	log.Debug("dispatched", "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (r *Router) dispatch(ctx context.Context, index string, op Op) (any, error) {
	switch op := op.(type) {
	case ListIndices:
		return slices.Collect(r.catalog.Indices()), nil
	case CreateIndex:
		h, err := r.catalog.CreateIndex(ctx, index, op.Schema, op.Options)
		if err != nil {
			return nil, err
		}
		return h.Summary()
	case DeleteIndex:
		return nil, r.catalog.DeleteIndex(ctx, index)
	}

	h, err := r.catalog.Get(index)
	if err != nil {
		return nil, err
	}
	switch op := op.(type) {
	case Ingest:
		return h.Ingest(ctx, op.Docs, catalog.IngestOptions{Commit: op.Commit})
	case Query:
		return h.Search(ctx, op.Query, r.limit(op.Limit))
	case DeleteDocuments:
		return h.DeleteDocuments(ctx, op.Field, op.Value, op.Commit)
	case Commit:
		return h.Commit(ctx)
	case Summary:
		return h.Summary()
	default:
		return nil, apperrors.InvalidInput("unsupported operation %q", op.Name())
	}
}

func (r *Router) limit(n int) int {
	switch {
	case n <= 0:
		return r.limits.DefaultLimit
	case n > r.limits.MaxResults:
		return r.limits.MaxResults
	default:
		return n
	}
}
