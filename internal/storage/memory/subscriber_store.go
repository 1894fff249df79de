package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/incrypto/nftmarket/internal/storage"
)

// SubscriberStore is an in-memory implementation of storage.SubscriberStore.
type SubscriberStore struct {
	mu   sync.RWMutex
	data map[string]*storage.Subscriber // keyed by email
}

// NewSubscriberStore creates a new in-memory subscriber store.
func NewSubscriberStore() *SubscriberStore {
	return &SubscriberStore{data: make(map[string]*storage.Subscriber)}
}

var _ storage.SubscriberStore = (*SubscriberStore)(nil)

// Add stores a subscriber. Returns ErrDuplicateKey if the email exists.
func (s *SubscriberStore) Add(_ context.Context, sub *storage.Subscriber) error {
	if err := sub.Normalize(); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[sub.Email]; exists {
		return storage.ErrDuplicateKey
	}

	c := *sub
	s.data[sub.Email] = &c
	return nil
}

// Remove deletes a subscriber. Returns ErrNotFound if not exists.
func (s *SubscriberStore) Remove(_ context.Context, email string) error {
	key := strings.ToLower(strings.TrimSpace(email))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists {
		return storage.ErrNotFound
	}
	delete(s.data, key)
	return nil
}

// List returns all subscribers ordered by email.
func (s *SubscriberStore) List(_ context.Context) ([]*storage.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Subscriber, 0, len(s.data))
	for _, sub := range s.data {
		c := *sub
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}
