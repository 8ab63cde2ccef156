package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/middleware"
)

// Options configures the HTTP handler chain.
type Options struct {
	Timeout time.Duration
	Metrics *metrics.Metrics
	Health  *health.Checker
}

// NewHTTP builds the full HTTP handler with all routes and middleware.
//
// Route table:
//
//	GET    /indices                   list index names
//	PUT    /indices/{name}            create index
//	GET    /indices/{name}            index summary
//	DELETE /indices/{name}            delete index
//	POST   /indices/{name}/documents  ingest documents
//	DELETE /indices/{name}/documents  delete documents by field value
//	POST   /indices/{name}/commit     force a commit
//	POST   /indices/{name}/search     structured query
//	GET    /indices/{name}/search     string query (?q=&limit=)
//	GET    /health/live               liveness
//	GET    /health/ready              readiness
//
// Middleware chain (outermost first):
//
//	Timeout → RequestID → Metrics → mux
func NewHTTP(d Dispatcher, opts Options) http.Handler {
	h := NewHandler(d)
	checker := opts.Health
	if checker == nil {
		checker = health.NewChecker()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /indices", h.ListIndices)
	mux.HandleFunc("PUT /indices/{name}", h.CreateIndex)
	mux.HandleFunc("GET /indices/{name}", h.GetIndex)
	mux.HandleFunc("DELETE /indices/{name}", h.DeleteIndex)
	mux.HandleFunc("POST /indices/{name}/documents", h.Ingest)
	mux.HandleFunc("DELETE /indices/{name}/documents", h.DeleteDocuments)
	mux.HandleFunc("POST /indices/{name}/commit", h.Commit)
	mux.HandleFunc("POST /indices/{name}/search", h.Search)
	mux.HandleFunc("GET /indices/{name}/search", h.SearchString)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Metrics(opts.Metrics)(chain)
	chain = middleware.RequestID(chain)
	chain = middleware.Timeout(opts.Timeout)(chain)
	return chain
}

// CatalogCheck reports the catalog down once it is draining and otherwise
// up with the number of open indices.
func CatalogCheck(cat *catalog.Catalog) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		if cat.Draining() {
			return health.ComponentHealth{Status: health.StatusDown, Message: "draining"}
		}
		n := 0
		for range cat.Indices() {
			n++
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d indices open", n)}
	}
}
