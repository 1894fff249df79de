package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/incrypto/nftmarket/internal/market"
	"github.com/incrypto/nftmarket/internal/solana"
)

// loadFailed is the only fetch error shown to visitors.
const loadFailed = "Failed to load NFTs."

// MarketplacePage is the data of the marketplace page.
type MarketplacePage struct {
	Brand       string
	Items       []market.NFTDetail
	Collections []string
	Total       int

	// Echoed form values
	MinPrice   string
	MaxPrice   string
	Collection string
	Sort       string

	FilterError string
	LoadError   string
}

// ListingPage is the data of the listing detail page.
type ListingPage struct {
	Brand     string
	Item      *market.NFTDetail
	LoadError string
}

// Marketplace renders the filtered grid. Filters come from the query string
// and are applied on every request.
func (h *Handlers) Marketplace(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := MarketplacePage{
		Brand:      h.brand,
		MinPrice:   q.Get("min_price"),
		MaxPrice:   q.Get("max_price"),
		Collection: q.Get("collection"),
		Sort:       q.Get("sort"),
	}

	status := http.StatusOK
	f, err := market.ParseFilter(page.MinPrice, page.MaxPrice, page.Collection, page.Sort)
	if err != nil {
		// show everything with the problem next to the form
		page.FilterError = err.Error()
		f = market.Filter{}
		status = http.StatusBadRequest
	}

	view, err := h.market.Browse(r.Context(), f)
	if err != nil {
		page.LoadError = loadFailed
		h.render(w, http.StatusBadGateway, "marketplace", page)
		return
	}

	page.Items = view.Items
	page.Collections = view.Collections
	page.Total = len(view.All)
	h.render(w, status, "marketplace", page)
}

// Listing renders one listing.
func (h *Handlers) Listing(w http.ResponseWriter, r *http.Request) {
	page := ListingPage{Brand: h.brand}

	mint, err := solana.ParsePublicKey(chi.URLParam(r, "mint"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	item, err := h.market.Get(r.Context(), mint)
	if errors.Is(err, market.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		page.LoadError = loadFailed
		h.render(w, http.StatusBadGateway, "listing", page)
		return
	}

	page.Item = item
	h.render(w, http.StatusOK, "listing", page)
}
