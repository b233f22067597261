package store

import (
	"context"
	"sync"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/shard"
)

// Key identifies one cached index handle.
type Key struct {
	Shard      shard.ID
	Collection string
}

// Handle is a ready-to-query index on one shard. At most one live Handle
// exists per Key.
type Handle struct {
	Key  Key
	Conn Conn
}

// IndexCache caches initialized index handles for the life of the process.
// It is injected into the orchestrator rather than living as hidden package
// state, so lifecycle and teardown are explicit. Creation is serialized per
// key: concurrent first access from N callers converges on a single handle
// and a single create/load round trip. Handles are never evicted; failures
// are not cached, so a later call may retry initialization.
type IndexCache struct {
	mu      sync.Mutex
	handles map[Key]*Handle
	inits   map[Key]*sync.Mutex
}

// NewIndexCache creates an empty cache.
func NewIndexCache() *IndexCache {
	return &IndexCache{
		handles: make(map[Key]*Handle),
		inits:   make(map[Key]*sync.Mutex),
	}
}

// GetOrCreate returns the cached handle for key, initializing it with init
// on first access. Contention is scoped to a single key: unrelated
// (shard, collection) pairs never serialize against each other.
func (c *IndexCache) GetOrCreate(ctx context.Context, key Key, init func(context.Context) (Conn, error)) (*Handle, error) {
	c.mu.Lock()
	if h, ok := c.handles[key]; ok {
		c.mu.Unlock()
		return h, nil
	}
	keyMu, ok := c.inits[key]
	if !ok {
		keyMu = &sync.Mutex{}
		c.inits[key] = keyMu
	}
	c.mu.Unlock()

	keyMu.Lock()
	defer keyMu.Unlock()

	// A concurrent caller may have initialized while we waited on the key lock.
	c.mu.Lock()
	if h, ok := c.handles[key]; ok {
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	conn, err := init(ctx)
	if err != nil {
		return nil, err
	}

	h := &Handle{Key: key, Conn: conn}
	c.mu.Lock()
	c.handles[key] = h
	c.mu.Unlock()
	return h, nil
}

// Get returns a cached handle without initializing, or nil.
func (c *IndexCache) Get(key Key) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[key]
}

// Close closes every cached handle's connection once per distinct Conn and
// empties the cache.
func (c *IndexCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	closed := make(map[Conn]bool)
	for _, h := range c.handles {
		if closed[h.Conn] {
			continue
		}
		closed[h.Conn] = true
		if err := h.Conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.handles = make(map[Key]*Handle)
	c.inits = make(map[Key]*sync.Mutex)
	return firstErr
}
