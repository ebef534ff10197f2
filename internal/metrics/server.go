package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server serves the Prometheus scrape endpoint on its own port, away
// from the operator API.
type Server struct {
	server *http.Server
	logger *zap.Logger
	ready  func(ctx context.Context) error
}

// NewServer creates the metrics server. The scrape endpoint is /metrics;
// /readyz reports readiness via the probe set with SetReadyCheck.
func NewServer(addr string, logger *zap.Logger) *Server {
	s := &Server{logger: logger}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.ready != nil {
			if err := s.ready(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// SetReadyCheck installs a dependency probe behind /readyz
func (s *Server) SetReadyCheck(check func(ctx context.Context) error) {
	s.ready = check
}

// Start starts the metrics server and blocks until it stops
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Metrics server listening", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown error: %w", err)
	}
	return nil
}
