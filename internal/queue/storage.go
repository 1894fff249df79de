package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/incrypto/nftmarket/internal/metrics"
)

var (
	bucketMessages = []byte("messages")
	bucketPending  = []byte("pending")
	bucketDeferred = []byte("deferred")
)

// BoltStorage implements Queue using bbolt. Pending and deferred messages
// are indexed by time so Dequeue walks them in order.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (or creates) the outbox database at path.
func NewBoltStorage(path string) (*BoltStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMessages, bucketPending, bucketDeferred} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Enqueue stores msg and indexes it as pending.
func (s *BoltStorage) Enqueue(ctx context.Context, msg *Message) error {
	if msg.Status == "" {
		msg.Status = StatusPending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putMessage(tx, msg); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPending).Put(makeIndexKey(msg.CreatedAt, msg.ID), []byte(msg.ID)); err != nil {
			return fmt.Errorf("failed to add to pending index: %w", err)
		}
		return nil
	})
}

// Dequeue claims the oldest due deferred message, else the oldest pending
// one, and marks it sending.
func (s *BoltStorage) Dequeue(ctx context.Context) (*Message, error) {
	var msg *Message
	now := time.Now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		msg, err = claim(tx, bucketDeferred, now, true)
		if err != nil || msg != nil {
			return err
		}
		msg, err = claim(tx, bucketPending, now, false)
		return err
	})

	return msg, err
}

// claim pops the first usable entry of an index bucket. When due is set,
// entries keyed after now are left in place.
func claim(tx *bolt.Tx, index []byte, now time.Time, due bool) (*Message, error) {
	msgBucket := tx.Bucket(bucketMessages)
	c := tx.Bucket(index).Cursor()

	for k, v := c.First(); k != nil; k, v = c.Next() {
		if due && parseTimestampFromKey(k).After(now) {
			return nil, nil
		}

		data := msgBucket.Get(v)
		if data == nil {
			// deleted while indexed
			if err := c.Delete(); err != nil {
				return nil, err
			}
			continue
		}

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}

		if err := c.Delete(); err != nil {
			return nil, err
		}

		m.Status = StatusSending
		m.UpdatedAt = now
		if err := putMessage(tx, &m); err != nil {
			return nil, err
		}
		return &m, nil
	}

	return nil, nil
}

// Update stores msg; deferred messages are indexed by NextRetryAt.
func (s *BoltStorage) Update(ctx context.Context, msg *Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		msg.UpdatedAt = time.Now()
		if err := putMessage(tx, msg); err != nil {
			return err
		}

		if msg.Status == StatusDeferred {
			key := makeIndexKey(msg.NextRetryAt, msg.ID)
			if err := tx.Bucket(bucketDeferred).Put(key, []byte(msg.ID)); err != nil {
				return fmt.Errorf("failed to add to deferred index: %w", err)
			}
		}
		return nil
	})
}

// Get retrieves a message by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get([]byte(id))
		if data == nil {
			return nil
		}
		msg = &Message{}
		return json.Unmarshal(data, msg)
	})

	return msg, err
}

// List returns messages ordered by id with optional status filtering.
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if filter.Status != "" && msg.Status != filter.Status {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			messages = append(messages, &msg)
			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Delete removes a message and its index entries.
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteMessage(tx, []byte(id))
	})
}

// Stats counts messages per status.
func (s *BoltStorage) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}

			stats.Total++
			switch msg.Status {
			case StatusPending:
				stats.Pending++
			case StatusSending:
				stats.Sending++
			case StatusSent:
				stats.Sent++
			case StatusFailed:
				stats.Failed++
			case StatusDeferred:
				stats.Deferred++
			}
			return nil
		})
	})

	return stats, err
}

// OutboxStats adapts Stats for the metrics collector.
func (s *BoltStorage) OutboxStats(ctx context.Context) (*metrics.OutboxStats, error) {
	st, err := s.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.OutboxStats{
		Pending:  st.Pending,
		Sending:  st.Sending,
		Deferred: st.Deferred,
		Sent:     st.Sent,
		Failed:   st.Failed,
		Total:    st.Total,
	}, nil
}

// Recover returns messages left in sending by an unclean shutdown to the
// pending index.
func (s *BoltStorage) Recover(ctx context.Context) (int, error) {
	recovered := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		var stuck []*Message
		err := tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			if msg.Status == StatusSending {
				stuck = append(stuck, &msg)
			}
			return nil
		})
		if err != nil {
			return err
		}

		pending := tx.Bucket(bucketPending)
		for _, msg := range stuck {
			msg.Status = StatusPending
			msg.UpdatedAt = time.Now()
			if err := putMessage(tx, msg); err != nil {
				return err
			}
			if err := pending.Put(makeIndexKey(msg.CreatedAt, msg.ID), []byte(msg.ID)); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})

	return recovered, err
}

// Retry moves a failed message back to pending with a fresh retry budget.
func (s *BoltStorage) Retry(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if msg.Status != StatusFailed {
			return fmt.Errorf("message %s is %s, only failed messages can be retried", id, msg.Status)
		}

		msg.Status = StatusPending
		msg.RetryCount = 0
		msg.LastError = ""
		msg.ErrorKind = ""
		msg.UpdatedAt = time.Now()

		if err := putMessage(tx, &msg); err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Put(makeIndexKey(msg.UpdatedAt, msg.ID), []byte(msg.ID))
	})
}

// Cleanup removes messages in status older than maxAge (by UpdatedAt).
func (s *BoltStorage) Cleanup(ctx context.Context, status MessageStatus, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		var ids [][]byte
		err := tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			if msg.Status == status && msg.UpdatedAt.Before(cutoff) {
				ids = append(ids, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, id := range ids {
			if err := deleteMessage(tx, id); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB; the metrics collector and rate limiter
// keep their buckets in the same file.
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func putMessage(tx *bolt.Tx, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := tx.Bucket(bucketMessages).Put([]byte(msg.ID), data); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

func deleteMessage(tx *bolt.Tx, id []byte) error {
	msgBucket := tx.Bucket(bucketMessages)

	if data := msgBucket.Get(id); data != nil {
		var msg Message
		if err := json.Unmarshal(data, &msg); err == nil {
			tx.Bucket(bucketPending).Delete(makeIndexKey(msg.CreatedAt, msg.ID))
			tx.Bucket(bucketPending).Delete(makeIndexKey(msg.UpdatedAt, msg.ID))
			tx.Bucket(bucketDeferred).Delete(makeIndexKey(msg.NextRetryAt, msg.ID))
		}
	}

	return msgBucket.Delete(id)
}

// makeIndexKey is big-endian UnixNano followed by the id, so byte order is
// time order.
func makeIndexKey(t time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return append(key, id...)
}

func parseTimestampFromKey(key []byte) time.Time {
	if len(key) < 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[:8])))
}
