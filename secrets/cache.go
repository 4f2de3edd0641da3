package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Source resolves a secret id to its key/value payload.
type Source interface {
	Fetch(ctx context.Context, secretID string) (map[string]string, error)
}

const defaultTTL = 5 * time.Minute

type entry struct {
	values    map[string]string
	fetchedAt time.Time
}

// Cache wraps a Source with a per-id TTL so hot paths do not hit the backing
// store on every request. The clock is injectable; nothing here reads
// ambient process time directly.
type Cache struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

func NewCache(src Source, ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		src:     src,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]entry),
	}
}

// Get returns one key of a secret, fetching and caching the whole secret on
// a miss or after TTL expiry.
func (c *Cache) Get(ctx context.Context, secretID, key string) (string, error) {
	values, err := c.get(ctx, secretID)
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok || v == "" {
		return "", fmt.Errorf("key %q not found in secret %q", key, secretID)
	}
	return v, nil
}

func (c *Cache) get(ctx context.Context, secretID string) (map[string]string, error) {
	c.mu.Lock()
	if e, ok := c.entries[secretID]; ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.values, nil
	}
	c.mu.Unlock()

	values, err := c.src.Fetch(ctx, secretID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[secretID] = entry{values: values, fetchedAt: c.now()}
	c.mu.Unlock()
	return values, nil
}

// Clear drops all cached secrets, forcing refetch on next access.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}
