// Package engine declares the boundary between the index catalog and the
// full-text index implementation. The catalog treats an engine as an opaque
// unit that can open an index directory, commit an ordered batch of
// mutations as a new generation, and hand out immutable snapshots bound to
// one generation.
package engine

import (
	"context"
	"errors"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/analysis"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/query"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
)

// ErrClosed is returned by operations on a closed index or snapshot.
var ErrClosed = errors.New("engine: index closed")

// OpKind distinguishes buffered mutations.
type OpKind int

const (
	OpAdd OpKind = iota
	OpDelete
)

// Op is one buffered mutation. Add carries a validated document; Delete
// removes every document whose Field holds Value at the time the op is
// applied, including documents added earlier in the same batch.
type Op struct {
	Kind  OpKind
	Doc   schema.Document
	Field string
	Value any
}

func Add(doc schema.Document) Op { return Op{Kind: OpAdd, Doc: doc} }

func Delete(field string, value any) Op {
	return Op{Kind: OpDelete, Field: field, Value: value}
}

// Batch is an ordered list of ops applied atomically by Commit.
type Batch []Op

// Hit is one scored document.
type Hit struct {
	Score float64         `json:"score"`
	Doc   schema.Document `json:"doc"`
}

// Result is a ranked result set read from exactly one generation.
type Result struct {
	Generation uint64 `json:"generation"`
	Total      int    `json:"total"`
	Hits       []Hit  `json:"hits"`
}

// SearchOptions bounds a search.
type SearchOptions struct {
	Limit int
}

// Engine opens index directories.
type Engine interface {
	Name() string
	// Open opens or creates the index stored in dir. Tokenizers named by
	// text fields are resolved from reg.
	Open(dir string, s schema.Schema, reg *analysis.Registry) (Index, error)
}

// Index is one open index. Commit calls must not overlap; the catalog
// serialises them per handle.
type Index interface {
	// Snapshot returns a reference to the last committed generation. The
	// caller must Close it.
	Snapshot() (Snapshot, error)
	// Commit durably applies batch as generation and returns a snapshot of
	// it. On error the previously committed generation stays authoritative
	// and nothing from batch is visible.
	Commit(ctx context.Context, batch Batch, generation uint64) (Snapshot, error)
	Close() error
}

// Snapshot is an immutable view of one generation. It is safe for
// concurrent use until closed.
type Snapshot interface {
	Generation() uint64
	DocCount() uint64
	Search(ctx context.Context, q *query.Query, opts SearchOptions) (*Result, error)
	Close() error
}
