package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/incrypto/nftmarket/internal/ipfilter"
)

// Defaults for the scrape endpoint.
const (
	DefaultAddr = ":9090"
	DefaultPath = "/metrics"
)

// Server exposes the registry for scraping on its own listener.
type Server struct {
	metrics *Metrics
	addr    string
	path    string
	filter  *ipfilter.Filter
	logger  *slog.Logger

	srv *http.Server
}

// NewServer creates a metrics HTTP server. An empty allowedIPs list allows
// every client.
func NewServer(m *Metrics, addr, path string, allowedIPs []string, logger *slog.Logger) (*Server, error) {
	filter, err := ipfilter.New(allowedIPs)
	if err != nil {
		return nil, err
	}
	if filter.Enabled() {
		logger.Info("metrics IP filtering enabled", "allowed_networks", filter.Count())
	}

	s := &Server{metrics: m, addr: addr, path: path, filter: filter, logger: logger}
	if s.addr == "" {
		s.addr = DefaultAddr
	}
	if s.path == "" {
		s.path = DefaultPath
	}
	return s, nil
}

// Handler serves the scrape path behind the IP filter and an unfiltered
// /health for load balancers.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	scrape := promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{EnableOpenMetrics: true})
	r.Method(http.MethodGet, s.path, s.filter.HTTPMiddleware(s.logger, scrape))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	})

	return r
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting metrics server", "addr", s.addr, "path", s.path)
	return s.srv.ListenAndServe()
}

// Shutdown stops the listener. It is a no-op before ListenAndServe.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("shutting down metrics server")
	return s.srv.Shutdown(ctx)
}
