// Package server exposes the engine over HTTP: a client-event dispatch
// endpoint and a per-window SSE stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/localdesk/localdesk/internal/router"
	"github.com/localdesk/localdesk/internal/scheduler"
	"github.com/localdesk/localdesk/internal/session"
	"github.com/localdesk/localdesk/internal/task"
)

// Config holds server configuration.
type Config struct {
	Port        int
	ReadTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:        4923,
		ReadTimeout: 30 * time.Second,
	}
}

// Server is the HTTP surface of the engine.
type Server struct {
	config   *Config
	mux      *chi.Mux
	httpSrv  *http.Server
	windows  *router.Router
	sessions *session.Service
	tasks    *task.Service
	sched    *scheduler.Service
}

// New creates a Server on top of the already-wired services.
func New(cfg *Config, windows *router.Router, sessions *session.Service, tasks *task.Service, sched *scheduler.Service) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		config:   cfg,
		mux:      chi.NewRouter(),
		windows:  windows,
		sessions: sessions,
		tasks:    tasks,
		sched:    sched,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.mux.Use(middleware.RequestID)
	s.mux.Use(middleware.Recoverer)
	s.mux.Use(middleware.RealIP)

	// The desktop webview origin differs from the local server.
	s.mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes registers the HTTP endpoints.
func (s *Server) setupRoutes() {
	s.mux.Get("/health", s.health)
	s.mux.Get("/event", s.windowEvents)
	s.mux.Post("/event", s.clientEvent)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.config.Port),
		Handler:     s.mux,
		ReadTimeout: s.config.ReadTimeout,
		// No write timeout: SSE connections are long lived.
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi mux for testing.
func (s *Server) Router() *chi.Mux {
	return s.mux
}
