package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/incrypto/nftmarket/internal/storage"
)

// SubscriberStore implements storage.SubscriberStore using PostgreSQL.
type SubscriberStore struct {
	pool *Pool
}

// NewSubscriberStore creates a new SubscriberStore.
func NewSubscriberStore(pool *Pool) *SubscriberStore {
	return &SubscriberStore{pool: pool}
}

var _ storage.SubscriberStore = (*SubscriberStore)(nil)

// Add stores a subscriber. Returns ErrDuplicateKey if the email exists.
func (s *SubscriberStore) Add(ctx context.Context, sub *storage.Subscriber) error {
	if err := sub.Normalize(); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscribers (email, collection, created_at)
		VALUES ($1, $2, $3)
	`, sub.Email, sub.Collection, sub.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

// Remove deletes a subscriber. Returns ErrNotFound if not exists.
func (s *SubscriberStore) Remove(ctx context.Context, email string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscribers WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Get returns one subscriber. Returns ErrNotFound if not exists.
func (s *SubscriberStore) Get(ctx context.Context, email string) (*storage.Subscriber, error) {
	var sub storage.Subscriber
	err := s.pool.QueryRow(ctx, `
		SELECT email, collection, created_at FROM subscribers WHERE email = $1
	`, strings.ToLower(strings.TrimSpace(email))).Scan(&sub.Email, &sub.Collection, &sub.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return &sub, nil
}

// List returns all subscribers ordered by email.
func (s *SubscriberStore) List(ctx context.Context) ([]*storage.Subscriber, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT email, collection, created_at FROM subscribers ORDER BY email ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var out []*storage.Subscriber
	for rows.Next() {
		var sub storage.Subscriber
		if err := rows.Scan(&sub.Email, &sub.Collection, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return out, nil
}
