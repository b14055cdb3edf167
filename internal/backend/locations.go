package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-sync/internal/models"
)

// LocationCache is a tiny in-memory cache for place searches keyed by query.
type LocationCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  []models.Location
	ts time.Time
}

// NewLocationCache creates a cache with the provided TTL.
func NewLocationCache(ttl time.Duration) *LocationCache {
	return &LocationCache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(query string, limit int) string {
	return fmt.Sprintf("%s|%d", strings.ToLower(strings.TrimSpace(query)), limit)
}

// Get returns cached value and true if present and not expired.
func (c *LocationCache) Get(query string, limit int) ([]models.Location, bool) {
	k := keyFor(query, limit)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return nil, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *LocationCache) Set(query string, limit int, v []models.Location) {
	k := keyFor(query, limit)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// LocationSearcher resolves free text to places, feeding coordinates to the
// fare estimator.
type LocationSearcher interface {
	SearchLocations(ctx context.Context, query string, limit int) ([]models.Location, error)
}

// CachedSearcher puts a LocationCache in front of a LocationSearcher.
type CachedSearcher struct {
	Next  LocationSearcher
	Cache *LocationCache
}

func (s *CachedSearcher) SearchLocations(ctx context.Context, query string, limit int) ([]models.Location, error) {
	if v, ok := s.Cache.Get(query, limit); ok {
		return v, nil
	}
	v, err := s.Next.SearchLocations(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	s.Cache.Set(query, limit, v)
	return v, nil
}
