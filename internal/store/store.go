package store

import (
	"context"
	"sync"
	"time"

	"github.com/transitops/arrivals-proxy/internal/models"
)

// Snapshot is the single cached upstream payload plus the time it was fetched.
// It is replaced atomically as a whole; successive refreshes never merge.
type Snapshot struct {
	Arrivals  []models.Arrival `json:"arrivals"`
	FetchedAt time.Time        `json:"fetchedAt"`
}

// Age returns how old the snapshot is relative to now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// Store holds the arrivals snapshot for the cache manager. Load returns
// (snapshot, true, nil) when a snapshot exists. Stores never judge freshness;
// TTL and staleness are the manager's concern, so an expired-by-TTL snapshot
// must still be loadable for stale serving.
type Store interface {
	Load(ctx context.Context) (Snapshot, bool, error)
	Save(ctx context.Context, snap Snapshot) error
}

// MemoryStore implements Store with a mutex-guarded in-process value.
// The snapshot lives for the process lifetime; there is no eviction.
type MemoryStore struct {
	mu       sync.RWMutex
	snap     Snapshot
	hasValue bool
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the current snapshot if one has been saved.
func (s *MemoryStore) Load(ctx context.Context) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasValue {
		return Snapshot{}, false, nil
	}
	return s.snap, true, nil
}

// Save replaces the snapshot as a whole.
func (s *MemoryStore) Save(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.hasValue = true
	return nil
}
