// Package microservice provides the shared HTTP scaffolding for the
// project's services: a mux-backed server with graceful shutdown.
package microservice

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// BaseConfig holds the runtime operational settings every service shares.
type BaseConfig struct {
	LogLevel string
	HTTPPort string
	// ProjectID is informational here; services log it at startup.
	ProjectID string
}

// BaseServer wraps an http.Server with a mux for applications to hang
// their routes on.
type BaseServer struct {
	logger     zerolog.Logger
	httpPort   string
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewBaseServer creates a server listening on httpPort (":8080" form).
func NewBaseServer(logger zerolog.Logger, httpPort string) *BaseServer {
	mux := http.NewServeMux()
	return &BaseServer{
		logger:   logger,
		httpPort: httpPort,
		mux:      mux,
		httpServer: &http.Server{
			Addr:              httpPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Mux exposes the router for applications to register handlers on.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

// Start blocks serving HTTP until Shutdown is called or the listener
// fails.
func (s *BaseServer) Start() error {
	s.logger.Info().Str("port", s.httpPort).Msg("Starting HTTP server...")
	listener, err := net.Listen("tcp", s.httpPort)
	if err != nil {
		return err
	}
	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}
