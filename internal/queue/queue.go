package queue

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Retry for unknown ids.
var ErrNotFound = errors.New("message not found")

// Queue defines the outbox operations
type Queue interface {
	// Enqueue adds a message to the outbox
	Enqueue(ctx context.Context, msg *Message) error

	// Dequeue claims the next due message.
	// Returns nil, nil if nothing is due
	Dequeue(ctx context.Context) (*Message, error)

	// Update stores the message status
	Update(ctx context.Context, msg *Message) error

	// Get retrieves a message by ID, nil when absent
	Get(ctx context.Context, id string) (*Message, error)

	List(ctx context.Context, filter ListFilter) ([]*Message, error)

	Delete(ctx context.Context, id string) error

	Stats(ctx context.Context) (*QueueStats, error)

	Close() error
}
