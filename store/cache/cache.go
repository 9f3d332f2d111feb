// Package cache provides the in-process row cache backing the resilient
// storage layer: an LRU with per-entry TTL plus a background janitor.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU implements a least-recently-used cache with TTL support.
type LRU[K comparable, V any] struct {
	cache      map[K]*entry[K, V]
	order      *list.List
	capacity   int
	defaultTTL time.Duration
	mu         sync.RWMutex
}

type entry[K comparable, V any] struct {
	expiresAt time.Time
	element   *list.Element
	key       K
	value     V
}

// NewLRU creates an LRU cache holding at most capacity entries.
func NewLRU[K comparable, V any](capacity int, defaultTTL time.Duration) *LRU[K, V] {
	if capacity <= 0 {
		capacity = 1000
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &LRU[K, V]{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		cache:      make(map[K]*entry[K, V]),
		order:      list.New(),
	}
}

// Get retrieves a value, refreshing its recency.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache[key]
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeEntry(e)
		var zero V
		return zero, false
	}
	c.order.MoveToFront(e.element)
	return e.value, true
}

// Set stores a value with the given TTL (default TTL when ttl <= 0).
func (c *LRU[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}
	if e, ok := c.cache[key]; ok {
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(e.element)
		return
	}
	for len(c.cache) >= c.capacity {
		c.evictOldest()
	}
	e := &entry[K, V]{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	e.element = c.order.PushFront(e)
	c.cache[key] = e
}

// Remove deletes a specific entry.
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.cache[key]; ok {
		c.removeEntry(e)
		return true
	}
	return false
}

// Size returns the number of live entries.
func (c *LRU[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Clear removes all entries.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[K]*entry[K, V])
	c.order.Init()
}

// CleanupExpired removes all expired entries and returns how many were dropped.
func (c *LRU[K, V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toDelete []*entry[K, V]
	now := time.Now()
	for _, e := range c.cache {
		if now.After(e.expiresAt) {
			toDelete = append(toDelete, e)
		}
	}
	for _, e := range toDelete {
		c.removeEntry(e)
	}
	return len(toDelete)
}

// evictOldest removes the least recently used entry. Lock must be held.
func (c *LRU[K, V]) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	e, ok := oldest.Value.(*entry[K, V])
	if !ok {
		return
	}
	c.removeEntry(e)
}

// removeEntry removes an entry. Lock must be held.
func (c *LRU[K, V]) removeEntry(e *entry[K, V]) {
	c.order.Remove(e.element)
	delete(c.cache, e.key)
}

type rowKey struct {
	table string
	pk    string
}

// Config tunes the row cache.
type Config struct {
	// MaxRows bounds the cache size across all tables.
	MaxRows int
	// TTL is how long a cached row stays valid.
	TTL time.Duration
	// CleanupInterval is how often the janitor sweeps expired rows.
	CleanupInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRows:         4096,
		TTL:             10 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Rows caches table rows keyed by (table, primary key). Rows are copied on
// both write and read so callers never alias cache-owned maps.
type Rows struct {
	lru     *LRU[rowKey, map[string]any]
	stopCh  chan struct{}
	stopped sync.Once
}

// NewRows creates a row cache and starts its cleanup janitor.
func NewRows(cfg Config) *Rows {
	if cfg.MaxRows <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	r := &Rows{
		lru:    NewLRU[rowKey, map[string]any](cfg.MaxRows, cfg.TTL),
		stopCh: make(chan struct{}),
	}
	go r.janitor(cfg.CleanupInterval)
	return r
}

// Get returns a copy of the cached row for (table, pk).
func (r *Rows) Get(table, pk string) (map[string]any, bool) {
	row, ok := r.lru.Get(rowKey{table: table, pk: pk})
	if !ok {
		return nil, false
	}
	return copyRow(row), true
}

// Put stores a copy of row under (table, pk).
func (r *Rows) Put(table, pk string, row map[string]any) {
	if pk == "" || row == nil {
		return
	}
	r.lru.Set(rowKey{table: table, pk: pk}, copyRow(row), 0)
}

// Remove drops the cached row for (table, pk).
func (r *Rows) Remove(table, pk string) {
	r.lru.Remove(rowKey{table: table, pk: pk})
}

// Size returns the number of cached rows.
func (r *Rows) Size() int {
	return r.lru.Size()
}

// Close stops the janitor. The cache remains usable afterwards.
func (r *Rows) Close() {
	r.stopped.Do(func() { close(r.stopCh) })
}

func (r *Rows) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.lru.CleanupExpired()
		}
	}
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
