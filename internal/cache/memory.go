package cache

import (
	"context"
	"sync"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/models"
)

type memoryEntry struct {
	table     models.Table
	expiresAt time.Time
}

// MemoryCache is a process-local Cache guarded by a RWMutex.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get implements Cache. Expired entries are removed lazily.
func (m *MemoryCache) Get(ctx context.Context, key string) (models.Table, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Table{}, false, err
	}

	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return models.Table{}, false, nil
	}

	if !m.now().Before(entry.expiresAt) {
		m.mu.Lock()
		if current, still := m.entries[key]; still && current.expiresAt.Equal(entry.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return models.Table{}, false, nil
	}
	return copyTable(entry.table), true, nil
}

// Set implements Cache. A non-positive ttl uses DefaultTTL.
func (m *MemoryCache) Set(ctx context.Context, key string, table models.Table, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{table: copyTable(table), expiresAt: m.now().Add(ttl)}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close implements Cache.
func (m *MemoryCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
	return nil
}

func copyTable(t models.Table) models.Table {
	rows := make([]models.MergedRow, len(t.Rows))
	copy(rows, t.Rows)
	return models.Table{Rows: rows}
}
