// Package server exposes the router over HTTP and over the JSON-over-TCP
// RPC protocol in pkg/rpc. Both transports translate requests into router
// operations and serialise the typed results and errors back to callers.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/query"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/router"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchserver/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/logger"
)

// maxBodySize bounds request bodies.
const maxBodySize = 32 << 20

// Dispatcher is the router surface the transports need.
type Dispatcher interface {
	Dispatch(ctx context.Context, index string, op router.Op) (any, error)
}

// Handler implements the HTTP endpoints.
type Handler struct {
	router Dispatcher
	logger *slog.Logger
}

func NewHandler(r Dispatcher) *Handler {
	return &Handler{
		router: r,
		logger: slog.Default().With("component", "http-handler"),
	}
}

type createIndexRequest struct {
	Schema  schema.Schema        `json:"schema"`
	Options catalog.IndexOptions `json:"options"`
}

type ingestRequest struct {
	Documents []schema.Document `json:"documents"`
	Commit    bool              `json:"commit,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Index string `json:"index,omitempty"`
	Field string `json:"field,omitempty"`
}

// ListIndices handles GET /indices.
func (h *Handler) ListIndices(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, "", router.ListIndices{}, http.StatusOK)
}

// CreateIndex handles PUT /indices/{name}.
func (h *Handler) CreateIndex(w http.ResponseWriter, r *http.Request) {
	var req createIndexRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, r.PathValue("name"), router.CreateIndex{Schema: req.Schema, Options: req.Options}, http.StatusCreated)
}

// GetIndex handles GET /indices/{name}.
func (h *Handler) GetIndex(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, r.PathValue("name"), router.Summary{}, http.StatusOK)
}

// DeleteIndex handles DELETE /indices/{name}.
func (h *Handler) DeleteIndex(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := h.router.Dispatch(r.Context(), name, router.DeleteIndex{}); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Ingest handles POST /indices/{name}/documents. The body is either
// {"documents": [...], "commit": bool} or a single bare document; the
// commit query parameter overrides the body flag.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !h.decode(w, r, &raw) {
		return
	}
	req, err := parseIngest(raw)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if v := r.URL.Query().Get("commit"); v != "" {
		commit, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, apperrors.InvalidInput("commit must be a boolean"))
			return
		}
		req.Commit = commit
	}
	h.dispatch(w, r, r.PathValue("name"), router.Ingest{Docs: req.Documents, Commit: req.Commit}, http.StatusCreated)
}

func parseIngest(raw json.RawMessage) (ingestRequest, error) {
	var probe map[string]json.RawMessage
	if err := unmarshal(raw, &probe); err != nil {
		return ingestRequest{}, apperrors.InvalidInput("body must be a JSON object: %v", err)
	}
	if _, ok := probe["documents"]; !ok {
		var doc schema.Document
		if err := unmarshal(raw, &doc); err != nil {
			return ingestRequest{}, apperrors.InvalidInput("invalid document: %v", err)
		}
		return ingestRequest{Documents: []schema.Document{doc}}, nil
	}
	var req ingestRequest
	if err := unmarshal(raw, &req); err != nil {
		return ingestRequest{}, apperrors.InvalidInput("invalid ingest request: %v", err)
	}
	if len(req.Documents) == 0 {
		return ingestRequest{}, apperrors.InvalidInput("documents must not be empty")
	}
	return req, nil
}

// DeleteDocuments handles DELETE /indices/{name}/documents.
func (h *Handler) DeleteDocuments(w http.ResponseWriter, r *http.Request) {
	var op router.DeleteDocuments
	if !h.decode(w, r, &op) {
		return
	}
	if op.Field == "" {
		h.writeError(w, r, apperrors.InvalidInput("field is required"))
		return
	}
	h.dispatch(w, r, r.PathValue("name"), op, http.StatusOK)
}

// Commit handles POST /indices/{name}/commit.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, r.PathValue("name"), router.Commit{}, http.StatusOK)
}

// Search handles POST /indices/{name}/search with a structured query body.
// An empty body matches every document.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	h.dispatch(w, r, r.PathValue("name"), router.Query{Query: req.Query, Limit: req.Limit}, http.StatusOK)
}

// SearchString handles GET /indices/{name}/search?q=...&limit=N using the
// compact string syntax. A missing q matches every document.
func (h *Handler) SearchString(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	op := router.Query{}
	if q := params.Get("q"); q != "" {
		op.Query = &query.Query{Raw: &q}
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, r, apperrors.InvalidInput("limit must be a positive integer"))
			return
		}
		op.Limit = n
	}
	h.dispatch(w, r, r.PathValue("name"), op, http.StatusOK)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, index string, op router.Op, status int) {
	res, err := h.router.Dispatch(r.Context(), index, op)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, status, res)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error: fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit),
				Kind:  apperrors.Kind(apperrors.ErrInvalidInput),
			})
			return false
		}
		h.writeError(w, r, apperrors.InvalidInput("reading body: %v", err))
		return false
	}
	if err := unmarshal(body, v); err != nil {
		h.writeError(w, r, apperrors.InvalidInput("invalid JSON body: %v", err))
		return false
	}
	return true
}

// unmarshal keeps numbers as json.Number so integer fields survive
// without a float round trip.
func unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	resp := errorResponse{Error: err.Error(), Kind: apperrors.Kind(err)}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		resp.Index, resp.Field = appErr.Index, appErr.Field
	}
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", resp.Kind, "error", err)
	} else {
		log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "kind", resp.Kind, "error", err)
	}
	h.writeJSON(w, status, resp)
}
