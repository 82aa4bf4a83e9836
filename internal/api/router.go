package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/veritas/internal/metrics"
	"github.com/starford/veritas/internal/service"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
// m, if non-nil, records per-route request metrics.
func NewRouter(svc *service.Service, authEnabled bool, token string, sseHandler http.Handler, m *metrics.Collector) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(MetricsMiddleware(m))
	r.Use(AuthMiddleware(authEnabled, token))

	// Verified question answering.
	r.Post("/query", h.Query)

	// Graph versions.
	r.Post("/versions", h.Commit)
	r.Get("/versions/latest", h.Latest)
	r.Get("/versions/diff", h.Diff)
	r.Get("/versions/{id}", h.GetVersion)

	// Vertices.
	r.Get("/vertices/{id}", h.GetVertex)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
