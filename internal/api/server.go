package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/incrypto/nftmarket/internal/config"
	"github.com/incrypto/nftmarket/internal/ipfilter"
	"github.com/incrypto/nftmarket/internal/mailer"
	"github.com/incrypto/nftmarket/internal/market"
	"github.com/incrypto/nftmarket/internal/metrics"
	"github.com/incrypto/nftmarket/internal/queue"
	"github.com/incrypto/nftmarket/internal/ratelimit"
	"github.com/incrypto/nftmarket/internal/solana"
	"github.com/incrypto/nftmarket/internal/storage"
)

// Version is reported by /health.
var Version = "dev"

// Market is the read side of the marketplace.
type Market interface {
	Browse(ctx context.Context, f market.Filter) (*market.View, error)
	Get(ctx context.Context, mint solana.PublicKey) (*market.NFTDetail, error)
}

// Sender delivers a mailing immediately.
type Sender interface {
	Send(ctx context.Context, m *mailer.Mailing) (*mailer.Result, error)
}

// Pages registers the HTML routes.
type Pages interface {
	Register(r chi.Router)
}

// Deps are the services behind the HTTP surface. Sender, Snapshots, Limiter
// and Pages may be nil.
type Deps struct {
	Market      Market
	Outbox      queue.Queue
	Sender      Sender
	Composer    *mailer.Composer
	Subscribers storage.SubscriberStore
	Snapshots   storage.SnapshotStore
	Limiter     *ratelimit.Limiter
	Pages       Pages

	// From is the sender address of API-requested mail.
	From    string
	SiteURL string

	// Wake is called after mail was queued.
	Wake func()
}

// Server is the HTTP server for the marketplace pages and the JSON API
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.ServerConfig
	apiConfig  *config.APIConfig
	ipFilter   *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new HTTP server
func NewServer(deps Deps, cfg *config.ServerConfig, apiCfg *config.APIConfig, logger *slog.Logger) (*Server, error) {
	filter, err := ipfilter.New(apiCfg.AllowedIPs)
	if err != nil {
		return nil, fmt.Errorf("invalid api.allowed_ips: %w", err)
	}
	if deps.Wake == nil {
		deps.Wake = func() {}
	}

	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		apiConfig: apiCfg,
		ipFilter:  filter,
		logger:    logger.With("component", "http"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s, nil
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	s.router.Get("/health", s.handleHealth)

	if s.deps.Pages != nil {
		s.deps.Pages.Register(s.router)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return s.ipFilter.HTTPMiddleware(s.logger, next)
		})

		r.Get("/listings", s.handleListings)
		r.Get("/listings/{mint}", s.handleListing)
		r.Get("/collections", s.handleCollections)
		r.Get("/collections/{collection}/floor", s.handleFloor)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.rateLimitMiddleware).Post("/notify", s.handleNotify)
			r.Post("/notify/preview", s.handlePreview)

			r.Get("/queue", s.handleQueue)
			r.Get("/queue/{id}", s.handleStatus)
			r.Post("/queue/{id}/retry", s.handleRetry)
			r.Delete("/queue/{id}", s.handleDeleteMessage)

			r.Get("/subscribers", s.handleSubscribersList)
			r.Post("/subscribers", s.handleSubscribersCreate)
			r.Delete("/subscribers/{email}", s.handleSubscribersDelete)
		})
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
