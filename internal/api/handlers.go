package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/incrypto/nftmarket/internal/market"
	"github.com/incrypto/nftmarket/internal/queue"
	"github.com/incrypto/nftmarket/internal/solana"
	"github.com/incrypto/nftmarket/internal/storage"
)

// fetchFailed is the public message for marketplace load failures.
const fetchFailed = "Failed to load NFTs."

// ListingItem is one NFT on sale.
type ListingItem struct {
	market.NFTDetail
	PriceSOL    float64 `json:"price_sol"`
	MintShort   string  `json:"mint_short"`
	ExplorerURL string  `json:"explorer_url"`
}

// ListingsResponse is the response for GET /listings
type ListingsResponse struct {
	Items       []ListingItem `json:"items"`
	Total       int           `json:"total"`  // active listings before filtering
	Count       int           `json:"count"`  // after filtering
	Collections []string      `json:"collections"`
	LoadedAt    time.Time     `json:"loaded_at"`
}

// CollectionSummary describes one collection among the active listings.
type CollectionSummary struct {
	Collection string  `json:"collection"`
	Listings   int     `json:"listings"`
	Floor      uint64  `json:"floor"`
	FloorSOL   float64 `json:"floor_sol"`
}

// FloorResponse is the response for GET /collections/{collection}/floor
type FloorResponse struct {
	Collection string               `json:"collection"`
	Floor      *uint64              `json:"floor"`
	FloorSOL   *float64             `json:"floor_sol"`
	Listings   int                  `json:"listings"`
	History    []storage.FloorPoint `json:"history,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime"`
	Queue   *queue.QueueStats `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func newListingItem(d market.NFTDetail) ListingItem {
	mint := d.Mint.String()
	return ListingItem{
		NFTDetail:   d,
		PriceSOL:    d.PriceSOL(),
		MintShort:   market.TrimAddress(mint),
		ExplorerURL: market.ExplorerURL(mint),
	}
}

// handleListings handles GET /api/v1/listings
func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := market.ParseFilter(q.Get("min_price"), q.Get("max_price"), q.Get("collection"), q.Get("sort"))
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := s.deps.Market.Browse(r.Context(), f)
	if err != nil {
		sendError(w, http.StatusBadGateway, fetchFailed)
		return
	}

	items := make([]ListingItem, len(view.Items))
	for i, d := range view.Items {
		items[i] = newListingItem(d)
	}

	sendJSON(w, http.StatusOK, ListingsResponse{
		Items:       items,
		Total:       len(view.All),
		Count:       len(items),
		Collections: nonNil(view.Collections),
		LoadedAt:    view.LoadedAt,
	})
}

// handleListing handles GET /api/v1/listings/{mint}
func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	mint, err := solana.ParsePublicKey(chi.URLParam(r, "mint"))
	if err != nil {
		sendError(w, http.StatusBadRequest, "Invalid mint address")
		return
	}

	d, err := s.deps.Market.Get(r.Context(), mint)
	if errors.Is(err, market.ErrNotFound) {
		sendError(w, http.StatusNotFound, "Listing not found")
		return
	}
	if err != nil {
		sendError(w, http.StatusBadGateway, fetchFailed)
		return
	}

	sendJSON(w, http.StatusOK, newListingItem(*d))
}

// handleCollections handles GET /api/v1/collections
func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Market.Browse(r.Context(), market.Filter{})
	if err != nil {
		sendError(w, http.StatusBadGateway, fetchFailed)
		return
	}

	out := make([]CollectionSummary, 0, len(view.Collections))
	for _, c := range view.Collections {
		items := market.Filter{Collection: c}.Apply(view.All)
		floor, _ := market.Floor(items, c)
		out = append(out, CollectionSummary{
			Collection: c,
			Listings:   len(items),
			Floor:      floor,
			FloorSOL:   market.LamportsToSOL(floor),
		})
	}

	sendJSON(w, http.StatusOK, out)
}

// handleFloor handles GET /api/v1/collections/{collection}/floor
// ?since=24h bounds the recorded history.
func (s *Server) handleFloor(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	since := 24 * time.Hour
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			sendError(w, http.StatusBadRequest, "Invalid since duration")
			return
		}
		since = d
	}

	view, err := s.deps.Market.Browse(r.Context(), market.Filter{Collection: collection})
	if err != nil {
		sendError(w, http.StatusBadGateway, fetchFailed)
		return
	}

	resp := FloorResponse{Collection: collection, Listings: len(view.Items)}
	if floor, ok := market.Floor(view.Items, collection); ok {
		sol := market.LamportsToSOL(floor)
		resp.Floor = &floor
		resp.FloorSOL = &sol
	}

	if s.deps.Snapshots != nil {
		history, err := s.deps.Snapshots.FloorHistory(r.Context(), collection, time.Now().Add(-since))
		if err != nil {
			s.logger.Error("failed to load floor history", "collection", collection, "error", err)
			sendError(w, http.StatusInternalServerError, "Failed to load floor history")
			return
		}
		resp.History = history
	}

	sendJSON(w, http.StatusOK, resp)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).String(),
	}
	if s.deps.Outbox != nil {
		resp.Queue, _ = s.deps.Outbox.Stats(r.Context())
	}

	sendJSON(w, http.StatusOK, resp)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
