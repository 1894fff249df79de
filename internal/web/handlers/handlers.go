package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/incrypto/nftmarket/internal/market"
	"github.com/incrypto/nftmarket/internal/solana"
	"github.com/incrypto/nftmarket/internal/web/static"
	"github.com/incrypto/nftmarket/internal/web/views"
)

// Market is what the pages read.
type Market interface {
	Browse(ctx context.Context, f market.Filter) (*market.View, error)
	Get(ctx context.Context, mint solana.PublicKey) (*market.NFTDetail, error)
}

// Handlers serves the server-rendered marketplace pages.
type Handlers struct {
	market Market
	views  *views.Engine
	brand  string
	logger *slog.Logger
}

// New creates the page handlers.
func New(m Market, v *views.Engine, brand string, logger *slog.Logger) *Handlers {
	return &Handlers{
		market: m,
		views:  v,
		brand:  brand,
		logger: logger.With("component", "pages"),
	}
}

// Register adds the page routes to r.
func (h *Handlers) Register(r chi.Router) {
	r.Get("/", h.Index)
	r.Get("/marketplace", h.Marketplace)
	r.Get("/marketplace/{mint}", h.Listing)
	r.Handle("/static/*", http.StripPrefix("/static/", static.Handler()))
}

// Index redirects to the marketplace.
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/marketplace", http.StatusFound)
}

// Helper to render templates
func (h *Handlers) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.views.Render(w, name, data); err != nil {
		h.logger.Error("failed to render page", "page", name, "error", err)
	}
}
