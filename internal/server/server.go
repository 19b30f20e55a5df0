// Package server exposes the presence service over HTTP: a liveness
// endpoint and the WebSocket upgrade, both on the root path.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shieldchat/presence/internal/log"
	"github.com/shieldchat/presence/internal/observability"
	"github.com/shieldchat/presence/internal/realtime"
)

// ServiceName is reported by the liveness endpoint and used as the tracer name.
const ServiceName = "presence"

type Server struct {
	router          *chi.Mux
	realtimeService *realtime.Service
	telemetry       *observability.Telemetry

	// HTTP server for graceful shutdown
	httpServer *http.Server
}

// ServerConfig holds configuration for creating a server.
type ServerConfig struct {
	Realtime  realtime.Config
	Telemetry *observability.Telemetry // may be nil
}

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// New creates a server with default realtime settings.
func New() *Server {
	return NewWithConfig(ServerConfig{})
}

// NewWithConfig creates a server and its realtime service.
func NewWithConfig(cfg ServerConfig) *Server {
	s := &Server{
		router:          chi.NewRouter(),
		realtimeService: realtime.NewService(cfg.Realtime, cfg.Telemetry.Metrics()),
		telemetry:       cfg.Telemetry,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// CORS middleware for browser-based apps
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Use(log.RequestLogger)
	s.router.Use(observability.HTTPMiddleware(s.telemetry, ServiceName))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.SetHeader("Content-Type", "application/json"))

	s.router.Get("/", s.handleRoot)

	s.router.NotFound(s.handleNotFound)
	s.router.MethodNotAllowed(s.handleNotFound)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

// handleRoot upgrades WebSocket requests and answers everything else with
// the liveness body.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if realtime.IsUpgrade(r) {
		s.realtimeService.HandleWebSocket(w, r)
		return
	}
	json.NewEncoder(w).Encode(statusResponse{Status: "ok", Service: ServiceName})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, "not_found")
}

func (s *Server) writeError(w http.ResponseWriter, status int, errCode string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errCode})
}

// RealtimeService returns the realtime service
func (s *Server) RealtimeService() *realtime.Service {
	return s.realtimeService
}

// ListenAndServe starts the reaper and serves HTTP on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.realtimeService.Start(context.Background())
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	log.Info("presence server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the reaper and gracefully shuts down the HTTP server.
// Hijacked WebSocket connections are not tracked by http.Server; they end
// when the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	s.realtimeService.Stop()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
	}
	return nil
}
