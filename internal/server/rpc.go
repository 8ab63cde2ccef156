package server

import (
	"context"
	"encoding/json"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/query"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/router"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchserver/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/rpc"
)

// RPC method names.
const (
	MethodListIndices     = "Index.List"
	MethodCreateIndex     = "Index.Create"
	MethodDeleteIndex     = "Index.Delete"
	MethodSummary         = "Index.Summary"
	MethodCommit          = "Index.Commit"
	MethodIngest          = "Documents.Ingest"
	MethodDeleteDocuments = "Documents.Delete"
	MethodSearch          = "Search.Query"
)

// IndexParams addresses an index.
type IndexParams struct {
	Index string `json:"index"`
}

// CreateIndexParams is the payload of Index.Create.
type CreateIndexParams struct {
	Index string `json:"index"`
	router.CreateIndex
}

// IngestParams is the payload of Documents.Ingest.
type IngestParams struct {
	Index string `json:"index"`
	router.Ingest
}

// DeleteDocumentsParams is the payload of Documents.Delete.
type DeleteDocumentsParams struct {
	Index string `json:"index"`
	router.DeleteDocuments
}

// SearchParams is the payload of Search.Query.
type SearchParams struct {
	Index string       `json:"index"`
	Query *query.Query `json:"query,omitempty"`
	Limit int          `json:"limit,omitempty"`
}

// RegisterRPC exposes every router operation on s.
func RegisterRPC(s *rpc.Server, d Dispatcher) {
	s.Register(MethodListIndices, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return d.Dispatch(ctx, "", router.ListIndices{})
	})
	s.Register(MethodCreateIndex, rpcMethod(d, func(p CreateIndexParams) (string, router.Op) {
		return p.Index, p.CreateIndex
	}))
	s.Register(MethodDeleteIndex, rpcMethod(d, func(p IndexParams) (string, router.Op) {
		return p.Index, router.DeleteIndex{}
	}))
	s.Register(MethodSummary, rpcMethod(d, func(p IndexParams) (string, router.Op) {
		return p.Index, router.Summary{}
	}))
	s.Register(MethodCommit, rpcMethod(d, func(p IndexParams) (string, router.Op) {
		return p.Index, router.Commit{}
	}))
	s.Register(MethodIngest, rpcMethod(d, func(p IngestParams) (string, router.Op) {
		return p.Index, p.Ingest
	}))
	s.Register(MethodDeleteDocuments, rpcMethod(d, func(p DeleteDocumentsParams) (string, router.Op) {
		return p.Index, p.DeleteDocuments
	}))
	s.Register(MethodSearch, rpcMethod(d, func(p SearchParams) (string, router.Op) {
		return p.Index, router.Query{Query: p.Query, Limit: p.Limit}
	}))
}

// rpcMethod decodes params into P, maps them to an operation and
// dispatches it.
func rpcMethod[P any](d Dispatcher, toOp func(P) (string, router.Op)) rpc.HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) == 0 {
			return nil, apperrors.InvalidInput("params are required")
		}
		if err := unmarshal(raw, &p); err != nil {
			return nil, apperrors.InvalidInput("invalid params: %v", err)
		}
		index, op := toOp(p)
		if index == "" {
			return nil, apperrors.InvalidInput("index is required")
		}
		return d.Dispatch(ctx, index, op)
	}
}
