// Package api implements codegrokd's HTTP surface: codebase ingestion
// kickoff/status/list/delete and the SSE query-chat endpoint, per
// spec.md §6. Grounded on ternarybob-iter/internal/api/router.go's
// middleware stack and API-key gate, generalized from the teacher's
// project-registry routes to the /api/v1 codebase/chat table.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codegrok/codegrok/internal/config"
	"github.com/codegrok/codegrok/internal/store"
	"github.com/codegrok/codegrok/pkg/agentpipe"
	"github.com/codegrok/codegrok/pkg/apperr"
	"github.com/codegrok/codegrok/pkg/ingest"
	"github.com/codegrok/codegrok/pkg/ratelimit"
	"github.com/codegrok/codegrok/pkg/session"
	"github.com/codegrok/codegrok/pkg/vectorstore"
	"github.com/codegrok/codegrok/pkg/workflow"
)

// Server is the HTTP surface's dependency bag: every component C1-C6
// (and their supporting stores) the handlers in handlers.go reach into,
// threaded in explicitly at construction rather than through package
// globals, per SPEC_FULL.md §9's "explicit application-context" design
// note.
type Server struct {
	Cfg *config.Config

	Store    *store.Store
	Vectors  *vectorstore.Store
	Sessions *session.Store
	Runtime  *workflow.Runtime

	Orchestrator *ingest.Orchestrator
	Pipeline     *agentpipe.Pipeline

	Limiter        *ratelimit.Limiter
	QuerySemaphore chan struct{}

	Registry *prometheus.Registry
	Metrics  *metrics

	router chi.Router
}

// Deps bundles every dependency NewServer needs, to keep its signature
// from growing unboundedly as the module's wiring grows.
type Deps struct {
	Cfg          *config.Config
	Store        *store.Store
	Vectors      *vectorstore.Store
	Sessions     *session.Store
	Runtime      *workflow.Runtime
	Orchestrator *ingest.Orchestrator
	Pipeline     *agentpipe.Pipeline
	Limiter      *ratelimit.Limiter
	ConcurrentQueries int
}

// NewServer creates a new API server and builds its route table.
func NewServer(d Deps) *Server {
	reg := prometheus.NewRegistry()

	concurrency := d.ConcurrentQueries
	if concurrency <= 0 {
		concurrency = 10
	}

	s := &Server{
		Cfg:            d.Cfg,
		Store:          d.Store,
		Vectors:        d.Vectors,
		Sessions:       d.Sessions,
		Runtime:        d.Runtime,
		Orchestrator:   d.Orchestrator,
		Pipeline:       d.Pipeline,
		Limiter:        d.Limiter,
		QuerySemaphore: make(chan struct{}, concurrency),
		Registry:       reg,
		Metrics:        newMetrics(reg),
	}

	s.setupRouter()
	return s
}

// setupRouter configures all routes, mirroring ternarybob-iter's
// middleware stack (request id, real ip, structured logging, panic
// recovery, timeout, CORS, optional API-key auth) ahead of the
// /api/v1 route table spec.md §6 defines.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Duration(s.Cfg.API.RequestTimeout) * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.Cfg.API.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.Cfg.API.APIKey != "" {
		r.Use(s.apiKeyAuth)
	}

	// Liveness/readiness/metrics are unversioned, matching most
	// Kubernetes/Prometheus scraping conventions and spec.md §6's table.
	r.Get("/health", s.instrument("/health", s.handleHealth))
	r.Get("/health/ready", s.instrument("/health/ready", s.handleHealthReady))
	r.Handle("/metrics", s.handleMetrics())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/codebase", func(r chi.Router) {
			r.Post("/upload", s.instrument("/api/v1/codebase/upload", s.handleUpload))
			r.Get("/", s.instrument("/api/v1/codebase", s.handleListCodebases))
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.instrument("/api/v1/codebase/{id}", s.handleGetCodebase))
				r.Get("/status", s.instrument("/api/v1/codebase/{id}/status", s.handleGetStatus))
				r.Delete("/", s.instrument("/api/v1/codebase/{id}", s.handleDeleteCodebase))
			})
		})
		r.Post("/chat", s.instrument("/api/v1/chat", s.handleChat))
	})

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// apiKeyAuth is middleware that validates the optional API key, skipping
// the unversioned liveness/metrics surface so orchestration probes never
// need a credential.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/health/ready", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}
		if apiKey != s.Cfg.API.APIKey {
			writeErrorEnvelope(w, http.StatusUnauthorized, "invalid or missing API key", apperr.KindAuthentication)
			return
		}
		next.ServeHTTP(w, r)
	})
}
