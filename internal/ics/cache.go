package ics

import (
	"context"
	"sync"
	"time"
)

// CachedSource reuses the last successfully fetched calendar for TTL before
// asking the wrapped Getter again. It is owned by the caller; nothing is
// cached at package level. A zero TTL disables caching.
type CachedSource struct {
	next Getter
	ttl  time.Duration
	now  func() time.Time

	mu        sync.Mutex
	body      []byte
	fetchedAt time.Time
}

// NewCachedSource wraps next. now may be nil, in which case time.Now is used.
func NewCachedSource(next Getter, ttl time.Duration, now func() time.Time) *CachedSource {
	if now == nil {
		now = time.Now
	}
	return &CachedSource{next: next, ttl: ttl, now: now}
}

// Get returns the cached body if it is younger than TTL, otherwise fetches.
// Failed fetches are not cached.
func (c *CachedSource) Get(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.body != nil && c.ttl > 0 && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.body, nil
	}

	body, err := c.next.Get(ctx)
	if err != nil {
		return nil, err
	}
	c.body = body
	c.fetchedAt = c.now()
	return body, nil
}

// Invalidate drops the cached body.
func (c *CachedSource) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.body = nil
}
