package journal

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
)

const (
	DefaultMaxEntries = 10_000
	DefaultTTL        = 24 * time.Hour
)

// MemoryStore keeps the most recent entries in a bounded LRU. Entries older
// than the TTL are treated as missing.
type MemoryStore struct {
	cache *lru.Cache[string, Entry]
	ttl   time.Duration
	now   func() time.Time
}

func NewMemoryStore(maxEntries int, ttl time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		cache: lru.NewCache[string, Entry](maxEntries),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (m *MemoryStore) Put(_ context.Context, e Entry) error {
	e.BatchHash = NormalizeHash(e.BatchHash)
	m.cache.Add(e.BatchHash, e)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, batchHash string) (Entry, error) {
	key := NormalizeHash(batchHash)
	e, ok := m.cache.Get(key)
	if !ok {
		return Entry{}, ErrNotFound
	}
	if m.now().Sub(e.UpdatedAt) > m.ttl {
		m.cache.Remove(key)
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Len returns the number of cached entries, expired ones included.
func (m *MemoryStore) Len() int {
	return m.cache.Len()
}
