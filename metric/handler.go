package metric

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PolygramInfo/IFC-RPC/errors"
)

// Server exposes a metrics registry over HTTP for Prometheus scraping.
type Server struct {
	port     int
	path     string
	registry *MetricsRegistry
	server   *http.Server
}

// NewServer creates a metrics HTTP server for the given registry
func NewServer(port int, path string, registry *MetricsRegistry) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		port:     port,
		path:     path,
		registry: registry,
	}
}

// Start begins serving metrics in a background goroutine
func (s *Server) Start() error {
	if s.registry == nil {
		return errors.WrapInvalid(errors.New("nil registry"), "Server", "Start", "validate registry")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{},
	))

	s.server = &http.Server{
		Addr:              s.Address(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Scrape endpoint failure should not take the pipeline down.
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts the metrics server down gracefully
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "Server", "Stop", "shutdown metrics server")
	}
	return nil
}

// Address returns the listen address
func (s *Server) Address() string {
	return fmt.Sprintf(":%d", s.port)
}
