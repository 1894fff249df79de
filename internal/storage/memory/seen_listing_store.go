package memory

import (
	"context"
	"sync"
	"time"

	"github.com/incrypto/nftmarket/internal/storage"
)

// SeenListingStore is an in-memory implementation of storage.SeenListingStore.
type SeenListingStore struct {
	mu   sync.Mutex
	seen map[string]time.Time // listing -> first seen
}

// NewSeenListingStore creates a new in-memory seen-listing store.
func NewSeenListingStore() *SeenListingStore {
	return &SeenListingStore{seen: make(map[string]time.Time)}
}

var _ storage.SeenListingStore = (*SeenListingStore)(nil)

// MarkSeen records a listing and reports whether it was new.
func (s *SeenListingStore) MarkSeen(_ context.Context, listing, mint string, at time.Time) (bool, error) {
	if listing == "" {
		return false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[listing]; ok {
		return false, nil
	}
	s.seen[listing] = at
	return true, nil
}

// Unmark forgets a listing.
func (s *SeenListingStore) Unmark(_ context.Context, listing string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, listing)
	return nil
}

// Count returns the number of listings seen.
func (s *SeenListingStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen), nil
}
