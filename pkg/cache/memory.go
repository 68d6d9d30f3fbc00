package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-memory LRU cache with TTL support.
type MemoryCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	cfg     Config
	stats   Stats
	stopCh  chan struct{}
	stopped bool
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryCache creates an in-memory LRU cache and starts its sweep
// loop.
func NewMemoryCache(cfg Config) *MemoryCache {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	c := &MemoryCache{
		items:  make(map[string]*list.Element),
		lru:    list.New(),
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get retrieves a value by key.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, ErrNotFound
	}
	entry := elem.Value.(*memoryEntry)
	if entry.expired(time.Now()) {
		c.remove(elem)
		c.stats.Misses++
		return nil, ErrNotFound
	}

	c.lru.MoveToFront(elem)
	c.stats.Hits++
	return entry.value, nil
}

// Set stores a value. A zero TTL takes the configured default.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	entry := &memoryEntry{key: key, value: value, expiresAt: time.Now().Add(ttl)}

	if elem, ok := c.items[key]; ok {
		elem.Value = entry
		c.lru.MoveToFront(elem)
		c.stats.Sets++
		return nil
	}

	for len(c.items) >= c.cfg.MaxSize {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
	}

	c.items[key] = c.lru.PushFront(entry)
	c.stats.Sets++
	return nil
}

// Delete removes a key from the cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return ErrNotFound
	}
	c.remove(elem)
	return nil
}

// Clear removes all entries.
func (c *MemoryCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.lru.Init()
	return nil
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = int64(len(c.items))
	return s
}

// Close stops the sweep loop.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.stopCh)
	}
	return nil
}

// remove drops an element. Caller holds the lock.
func (c *MemoryCache) remove(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	delete(c.items, entry.key)
	c.lru.Remove(elem)
}

// sweepLoop periodically drops expired entries.
func (c *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []*list.Element
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		if elem.Value.(*memoryEntry).expired(now) {
			expired = append(expired, elem)
		}
	}
	for _, elem := range expired {
		c.remove(elem)
	}
}
