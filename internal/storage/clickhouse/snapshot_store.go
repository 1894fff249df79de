package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/incrypto/nftmarket/internal/storage"
)

// SnapshotStore implements storage.SnapshotStore using ClickHouse.
type SnapshotStore struct {
	conn *Conn
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(conn *Conn) *SnapshotStore {
	return &SnapshotStore{conn: conn}
}

var _ storage.SnapshotStore = (*SnapshotStore)(nil)

// InsertBatch appends snapshots in one native batch.
func (s *SnapshotStore) InsertBatch(ctx context.Context, snapshots []*storage.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	for _, snap := range snapshots {
		if snap == nil || snap.Listing == "" || snap.TakenAt.IsZero() {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO listing_snapshots (
			taken_at, listing, mint, seller, collection, name, price
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, snap := range snapshots {
		err := batch.Append(
			snap.TakenAt.UTC(), snap.Listing, snap.Mint, snap.Seller,
			snap.Collection, snap.Name, snap.Price,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// FloorHistory returns one point per snapshot time at or after since.
func (s *SnapshotStore) FloorHistory(ctx context.Context, collection string, since time.Time) ([]storage.FloorPoint, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT taken_at, min(price), count()
		FROM listing_snapshots
		WHERE collection = ? AND taken_at >= ?
		GROUP BY taken_at
		ORDER BY taken_at ASC
	`, collection, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query floor history: %w", err)
	}
	defer rows.Close()

	var out []storage.FloorPoint
	for rows.Next() {
		var (
			at    time.Time
			floor uint64
			count uint64
		)
		if err := rows.Scan(&at, &floor, &count); err != nil {
			return nil, fmt.Errorf("scan floor point: %w", err)
		}
		out = append(out, storage.FloorPoint{At: at, Floor: floor, Listings: int(count)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate floor history: %w", err)
	}
	return out, nil
}
