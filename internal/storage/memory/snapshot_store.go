package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/incrypto/nftmarket/internal/storage"
)

// SnapshotStore is an in-memory implementation of storage.SnapshotStore.
type SnapshotStore struct {
	mu   sync.RWMutex
	data []storage.Snapshot
}

// NewSnapshotStore creates a new in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

var _ storage.SnapshotStore = (*SnapshotStore)(nil)

// InsertBatch appends snapshots.
func (s *SnapshotStore) InsertBatch(_ context.Context, snapshots []*storage.Snapshot) error {
	for _, snap := range snapshots {
		if snap == nil || snap.Listing == "" || snap.TakenAt.IsZero() {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snapshots {
		s.data = append(s.data, *snap)
	}
	return nil
}

// FloorHistory returns one point per snapshot time at or after since.
func (s *SnapshotStore) FloorHistory(_ context.Context, collection string, since time.Time) ([]storage.FloorPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byTime := make(map[int64]*storage.FloorPoint)
	for _, snap := range s.data {
		if snap.Collection != collection || snap.TakenAt.Before(since) {
			continue
		}
		key := snap.TakenAt.UnixNano()
		p, ok := byTime[key]
		if !ok {
			p = &storage.FloorPoint{At: snap.TakenAt, Floor: snap.Price}
			byTime[key] = p
		}
		if snap.Price < p.Floor {
			p.Floor = snap.Price
		}
		p.Listings++
	}

	out := make([]storage.FloorPoint, 0, len(byTime))
	for _, p := range byTime {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
