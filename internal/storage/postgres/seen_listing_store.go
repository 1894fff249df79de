package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/incrypto/nftmarket/internal/storage"
)

// SeenListingStore implements storage.SeenListingStore using PostgreSQL.
type SeenListingStore struct {
	pool *Pool
}

// NewSeenListingStore creates a new SeenListingStore.
func NewSeenListingStore(pool *Pool) *SeenListingStore {
	return &SeenListingStore{pool: pool}
}

var _ storage.SeenListingStore = (*SeenListingStore)(nil)

// MarkSeen records a listing and reports whether it was new.
func (s *SeenListingStore) MarkSeen(ctx context.Context, listing, mint string, at time.Time) (bool, error) {
	if listing == "" {
		return false, storage.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO seen_listings (listing, mint, first_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (listing) DO NOTHING
	`, listing, mint, at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark listing seen: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Unmark forgets a listing.
func (s *SeenListingStore) Unmark(ctx context.Context, listing string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM seen_listings WHERE listing = $1`, listing); err != nil {
		return fmt.Errorf("unmark listing: %w", err)
	}
	return nil
}

// Count returns the number of listings seen.
func (s *SeenListingStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM seen_listings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count seen listings: %w", err)
	}
	return n, nil
}
