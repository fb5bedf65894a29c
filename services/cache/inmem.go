package cachesvc

import (
	"context"
	"sync"
	"time"

	"github.com/darasahq/darasa/core"
)

type entry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// inmemCache is a process-local core.Cache for DEV and tests.
// Expired entries are evicted lazily on read; no background sweep.
type inmemCache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

var _ core.Cache = (*inmemCache)(nil)

func NewInmemCache() core.Cache {
	return &inmemCache{entries: make(map[string]entry)}
}

func (c *inmemCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, core.ErrCacheMiss
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, core.ErrCacheMiss
	}
	return e.data, nil
}

func (c *inmemCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	e := entry{data: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

func (c *inmemCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}
