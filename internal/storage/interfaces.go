package storage

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Subscriber receives new-listing notifications. An empty Collection
// subscribes to every collection.
type Subscriber struct {
	Email      string    `json:"email"`
	Collection string    `json:"collection,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Normalize lowercases the address and validates it.
func (s *Subscriber) Normalize() error {
	if s == nil {
		return ErrInvalidInput
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(s.Email))
	if err != nil {
		return fmt.Errorf("%w: email: %v", ErrInvalidInput, err)
	}
	s.Email = strings.ToLower(addr.Address)
	s.Collection = strings.TrimSpace(s.Collection)
	return nil
}

// Wants reports whether the subscriber is interested in collection.
func (s *Subscriber) Wants(collection string) bool {
	return s.Collection == "" || s.Collection == collection
}

// SubscriberStore provides access to notification subscribers.
type SubscriberStore interface {
	// Add stores a subscriber. Returns ErrDuplicateKey if the email exists.
	Add(ctx context.Context, s *Subscriber) error

	// Remove deletes a subscriber. Returns ErrNotFound if not exists.
	Remove(ctx context.Context, email string) error

	// List returns all subscribers ordered by email.
	List(ctx context.Context) ([]*Subscriber, error)
}

// SeenListingStore remembers which listing accounts have been observed.
type SeenListingStore interface {
	// MarkSeen records a listing and reports whether it was new.
	MarkSeen(ctx context.Context, listing, mint string, at time.Time) (bool, error)

	// Unmark forgets a listing so the next MarkSeen reports it new again.
	// Unknown listings are ignored.
	Unmark(ctx context.Context, listing string) error

	// Count returns the number of listings seen.
	Count(ctx context.Context) (int, error)
}

// Snapshot is one active listing as observed in one watcher cycle.
type Snapshot struct {
	TakenAt    time.Time `json:"taken_at"`
	Listing    string    `json:"listing"`
	Mint       string    `json:"mint"`
	Seller     string    `json:"seller"`
	Collection string    `json:"collection"`
	Name       string    `json:"name"`
	Price      uint64    `json:"price"`
}

// FloorPoint is the lowest price of a collection at one snapshot time.
type FloorPoint struct {
	At       time.Time `json:"at"`
	Floor    uint64    `json:"floor"`
	Listings int       `json:"listings"`
}

// SnapshotStore keeps the listing history.
type SnapshotStore interface {
	// InsertBatch appends snapshots.
	InsertBatch(ctx context.Context, snapshots []*Snapshot) error

	// FloorHistory returns one point per snapshot time at or after since,
	// ordered by time ASC.
	FloorHistory(ctx context.Context, collection string, since time.Time) ([]FloorPoint, error)
}
