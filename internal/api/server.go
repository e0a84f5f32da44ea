// Package api implements the management HTTP API: session status, extension
// listing, directory refresh, listener restart, and remote hangup.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/condoware/porteiro/internal/directory"
	"github.com/condoware/porteiro/internal/extension"
	"github.com/condoware/porteiro/internal/resource"
	"github.com/condoware/porteiro/internal/session"
)

// defaultHangupGrace is how long after a remote hangup the session is ended,
// giving the leg handlers time to drain.
const defaultHangupGrace = 2 * time.Second

// ServerConfig wires a Server.
type ServerConfig struct {
	Extensions *extension.Manager
	Registry   *session.Registry
	Resources  *resource.Manager

	// Store serves GET /api/extensions. Nil returns only the running pairs.
	Store directory.Store

	// HangupGrace delays session teardown after POST /api/hangup.
	// Zero uses the default.
	HangupGrace time.Duration

	Logger *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router     *chi.Mux
	extensions *extension.Manager
	registry   *session.Registry
	resources  *resource.Manager
	store      directory.Store
	grace      time.Duration
	logger     *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HangupGrace <= 0 {
		cfg.HangupGrace = defaultHangupGrace
	}
	s := &Server{
		router:     chi.NewRouter(),
		extensions: cfg.Extensions,
		registry:   cfg.Registry,
		resources:  cfg.Resources,
		store:      cfg.Store,
		grace:      cfg.HangupGrace,
		logger:     cfg.Logger,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures middleware and mounts the route group.
func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/extensions", s.handleExtensions)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/restart", s.handleRestart)
		r.Post("/hangup", s.handleHangup)
	})
}
