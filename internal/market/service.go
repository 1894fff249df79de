package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/incrypto/nftmarket/internal/metrics"
	"github.com/incrypto/nftmarket/internal/solana"
)

// DefaultDetailConcurrency bounds parallel detail lookups.
const DefaultDetailConcurrency = 16

// View is the result of one marketplace load.
type View struct {
	Items       []NFTDetail // filtered
	All         []NFTDetail // merged, unfiltered
	Collections []string    // from All
	LoadedAt    time.Time
}

// Service joins listings with their details.
type Service struct {
	listings    ListingSource
	details     DetailSource
	concurrency int
	logger      *slog.Logger
}

// NewService creates a marketplace service.
func NewService(listings ListingSource, details DetailSource, concurrency int, logger *slog.Logger) *Service {
	if concurrency <= 0 {
		concurrency = DefaultDetailConcurrency
	}
	return &Service{
		listings:    listings,
		details:     details,
		concurrency: concurrency,
		logger:      logger.With("component", "market"),
	}
}

// Browse loads every active listing with its details and applies f.
// Any failed lookup fails the whole load with ErrFetch.
func (s *Service) Browse(ctx context.Context, f Filter) (*View, error) {
	all, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}

	return &View{
		Items:       f.Apply(all),
		All:         all,
		Collections: Collections(all),
		LoadedAt:    time.Now(),
	}, nil
}

// Load returns the merged, unfiltered set of active listings in source order.
func (s *Service) Load(ctx context.Context) ([]NFTDetail, error) {
	start := time.Now()

	listings, err := s.listings.Listings(ctx)
	if err != nil {
		metrics.ObserveBrowse(time.Since(start), 0, 0, err)
		s.logger.Error("failed to load listings", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	active := ActiveListings(listings)

	items, err := s.join(ctx, active)
	metrics.ObserveBrowse(time.Since(start), len(listings), len(active), err)
	if err != nil {
		s.logger.Error("failed to load NFT details", "listings", len(active), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	s.logger.Debug("listings loaded",
		"fetched", len(listings),
		"active", len(active),
		"duration", time.Since(start),
	)
	return items, nil
}

// Get returns the active listing for mint with its details.
func (s *Service) Get(ctx context.Context, mint solana.PublicKey) (*NFTDetail, error) {
	listings, err := s.listings.Listings(ctx)
	if err != nil {
		s.logger.Error("failed to load listings", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	for _, l := range ActiveListings(listings) {
		if l.Mint != mint {
			continue
		}
		d, err := s.details.Detail(ctx, l)
		if err != nil {
			s.logger.Error("failed to load NFT detail", "mint", mint.String(), "error", err)
			return nil, fmt.Errorf("%w: %w", ErrFetch, err)
		}
		return &d, nil
	}

	return nil, ErrNotFound
}

// join runs detail lookups concurrently and returns them in listing order.
// The first error cancels the remaining lookups.
func (s *Service) join(ctx context.Context, listings []Listing) ([]NFTDetail, error) {
	items := make([]NFTDetail, len(listings))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, l := range listings {
		g.Go(func() error {
			d, err := s.details.Detail(gctx, l)
			if err != nil {
				return err
			}
			items[i] = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// ActiveListings keeps listings flagged active, preserving order.
func ActiveListings(listings []Listing) []Listing {
	out := make([]Listing, 0, len(listings))
	for _, l := range listings {
		if l.Active {
			out = append(out, l)
		}
	}
	return out
}
