package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/incrypto/nftmarket/internal/mailer"
)

// MessageStatus represents the status of a message in the outbox
type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusSending  MessageStatus = "sending"
	StatusSent     MessageStatus = "sent"
	StatusFailed   MessageStatus = "failed"
	StatusDeferred MessageStatus = "deferred"
)

// Source says what produced a message.
type Source string

const (
	SourceWatcher Source = "watcher"
	SourceAPI     Source = "api"
	SourceCLI     Source = "cli"
)

// Message is a mailing waiting in the outbox. The document is rendered
// before enqueueing; the RFC 5322 bytes are built at send time.
type Message struct {
	ID          string         `json:"id"`
	Mailing     mailer.Mailing `json:"mailing"`
	Source      Source         `json:"source,omitempty"`
	Mint        string         `json:"mint,omitempty"`
	Status      MessageStatus  `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	NextRetryAt time.Time      `json:"next_retry_at"`
	RetryCount  int            `json:"retry_count"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorKind   mailer.Kind    `json:"error_kind,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
}

// NewMessage wraps m in a pending outbox message.
func NewMessage(m *mailer.Mailing, source Source) *Message {
	now := time.Now()
	return &Message{
		ID:        uuid.New().String(),
		Mailing:   *m,
		Source:    source,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// QueueStats represents outbox statistics
type QueueStats struct {
	Pending  int64 `json:"pending"`
	Sending  int64 `json:"sending"`
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	Deferred int64 `json:"deferred"`
	Total    int64 `json:"total"`
}

// ListFilter represents filter options for listing messages
type ListFilter struct {
	Status MessageStatus
	Limit  int
	Offset int
}
