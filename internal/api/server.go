package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-clinical/formrules/internal/domain"
	"github.com/opensource-clinical/formrules/internal/pass"
	"github.com/opensource-clinical/formrules/internal/rules"
	"github.com/opensource-clinical/formrules/internal/worker"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, registry *rules.Registry, processor *pass.Processor, pipeline *worker.Pipeline, version string) *Server {
	handler := NewHandler(repo, cache, bus, registry, processor, pipeline, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/evaluate", handler.Evaluate)
		r.Post("/nonlog-values", handler.NonLogValues)
		r.Get("/evaluations/{id}", handler.GetEvaluation)

		// Stored form instances
		r.Get("/forms/{key}/snapshot", handler.GetSnapshot)
		r.Put("/forms/{key}/snapshot", handler.PutSnapshot)
		r.Put("/forms/{key}/fields/{fieldId}", handler.PutFieldValue)

		// Rule set management
		r.Get("/rulesets", handler.ListRuleSets)
		r.Get("/rulesets/{id}", handler.GetRuleSet)
		r.Post("/rulesets", handler.CreateRuleSet)
		r.Delete("/rulesets/{id}", handler.DeleteRuleSet)
		r.Post("/rulesets/reload", handler.ReloadRuleSets)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
