// Package api exposes detection runs, case analysis and the typology
// catalog over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/triage"
	"github.com/opensource-finance/kestrel/internal/typology"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Deps are the services the API serves from.
type Deps struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Runner    DetectionRunner
	Analysis  *analysis.Service
	Profiles  *velocity.Service
	Validator *typology.Validator
	Triage    *triage.Processor
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer wires routes and middleware. limits bounds the analysis
// endpoints, which rebuild case graphs on every cache miss.
func NewServer(cfg domain.ServerConfig, limits domain.AnalysisConfig, deps Deps, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", RequestIDHeader, "Authorization"},
		ExposedHeaders:   []string{RequestIDHeader, TraceIDHeader},
		AllowCredentials: false,
		MaxAge:           86400,
	}))
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Route("/typologies", func(r chi.Router) {
		r.Get("/", handler.ListTypologies)
		r.Get("/{code}", handler.GetTypology)
		r.Put("/{code}", handler.PutTypology)
	})

	router.Patch("/detections/{id}", handler.UpdateDetection)

	router.Route("/cases/{caseID}", func(r chi.Router) {
		r.Post("/detections", handler.RunDetections)
		r.Get("/detections", handler.ListDetections)

		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(limits.RateLimit, limits.RateBurst))
			r.Get("/analysis", handler.Analysis)
			r.Get("/network", handler.Network)
			r.Get("/network/critical", handler.CriticalNodes)
			r.Get("/network/paths", handler.Paths)
		})
	})

	router.Get("/parties/{id}/profile", handler.Profile)

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
