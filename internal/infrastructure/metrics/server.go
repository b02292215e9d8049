package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"funding_arb/internal/core"
)

// HealthFunc reports whether the daemon is healthy. It backs /healthz.
type HealthFunc func() bool

// Server handles Prometheus metrics export and the health endpoint
type Server struct {
	port    int
	logger  core.ILogger
	healthy HealthFunc
	srv     *http.Server
}

// NewServer creates a new metrics server
func NewServer(port int, healthy HealthFunc, logger core.ILogger) *Server {
	return &Server{
		port:    port,
		logger:  logger.WithField("component", "metrics_server"),
		healthy: healthy,
	}
}

// Start starts the metrics HTTP server
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.healthy != nil && !s.healthy() {
			http.Error(w, "degraded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting Prometheus metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
