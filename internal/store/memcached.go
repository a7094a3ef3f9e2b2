package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const snapshotKey = "arrivals:snapshot"

// MemcachedStore implements Store backed by memcached. The snapshot is stored
// JSON-encoded under a single fixed key with the configured max age as its
// expiration, which bounds how stale a served snapshot can ever get.
type MemcachedStore struct {
	client *memcache.Client
	maxAge time.Duration
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and
// maxIdleConns configure the client; both use package defaults if zero.
// maxAge bounds snapshot retention (defaults to 24h if zero).
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int, maxAge time.Duration) (*MemcachedStore, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &MemcachedStore{client: client, maxAge: maxAge}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Load implements Store.Load. Returns false, nil when no snapshot is present.
func (s *MemcachedStore) Load(ctx context.Context) (Snapshot, bool, error) {
	if ctx.Err() != nil {
		return Snapshot{}, false, ctx.Err()
	}
	item, err := s.client.Get(snapshotKey)
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(item.Value, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// Save implements Store.Save.
func (s *MemcachedStore) Save(ctx context.Context, snap Snapshot) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	expSec := int32(s.maxAge.Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 24 * 60 * 60
	}
	return s.client.Set(&memcache.Item{
		Key:        snapshotKey,
		Value:      raw,
		Expiration: expSec,
	})
}

// Ping checks memcached reachability. Used by the health endpoint.
func (s *MemcachedStore) Ping() error {
	return s.client.Ping()
}

// Close releases idle connections held by the memcached client.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
