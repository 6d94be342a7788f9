package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/driftlab/pulse/logging"
)

// Server runs the gateway's HTTP/websocket listener.
type Server struct {
	api    *API
	logger *logrus.Entry
	server *http.Server
}

// NewServer wraps the API in a ready-to-run HTTP server.
func NewServer(api *API) *Server {
	return &Server{
		api:    api,
		logger: logging.NewLogger("server"),
	}
}

// ListenAndServe starts the gateway on the given address. It blocks until
// the server stops or fails.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// h2c lets local clients speak HTTP/2 without TLS; websocket upgrades
	// still ride plain HTTP/1.1.
	s.server = &http.Server{
		Handler: h2c.NewHandler(s.api.Routes(), &http2.Server{}),
	}

	s.logger.WithField("addr", listener.Addr().String()).Info("Gateway listening")
	if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down gateway...")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
