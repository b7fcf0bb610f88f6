// Package api is the HTTP binding over the run service: routing,
// identity extraction, and error shaping. No business logic lives here.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/mailtrace/internal/config"
)

// Server wraps the HTTP server around the routed handler.
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer creates the API server over the core run service.
func NewServer(cfg config.ServerConfig, core Core) *Server {
	h := NewHandlers(core)
	return &Server{
		config:  cfg,
		handler: setupRoutes(h),
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Uploads can be large; endpoint-level deadlines stay tighter.
		ReadTimeout:       5 * time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
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

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
