// Package api serves the operational endpoints of a bridge node: /health and
// /metrics. It carries no transfer API.
package api

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Server provides HTTP endpoints
type Server struct {
	logger     zerolog.Logger
	server     *http.Server
	chains     ChainStatusSource
	validators ValidatorSource
	gatherer   prometheus.Gatherer
}

// NewServer creates a new Server instance. A nil gatherer serves the default
// Prometheus registry.
func NewServer(logger zerolog.Logger, port int, chains ChainStatusSource, validators ValidatorSource, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		logger:     logger.With().Str("component", "ops_server").Logger(),
		chains:     chains,
		validators: validators,
		gatherer:   gatherer,
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler exposes the router for in-process use
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the port and serves in the background
func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("ops server is nil")
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind to address %s: %w", s.server.Addr, err)
	}

	go func() {
		err := s.server.Serve(ln)
		switch err {
		case nil:
			s.logger.Info().Msg("ops server stopped normally")
		case http.ErrServerClosed:
			s.logger.Info().Msg("ops server closed gracefully")
		default:
			s.logger.Error().Err(err).Msg("ops server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("ops server listening")
	return nil
}

// Stop shuts down the HTTP server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
