// Package indexcache implements the keyed, TTL-evicting cache of loaded
// backend index handles shared by the HNSW (vector) and FTS variants
// (spec §4.6). It follows statemanager/manager.go's single-mutex map
// shape: a plain map[string]*entry guarded by one mutex, with a
// background goroutine evicting entries past their TTL, generalizing the
// teacher's unbounded operations map into a TTL-bounded one -- the
// golang-lru/v2 dependency is used instead by internal/payloadcache,
// where bounding by entry *count* (not just TTL) actually matters.
package indexcache

import (
	"sync"
	"time"
)

// Handle is a loaded index plus whatever auxiliary state the backend
// needs. Reload re-reads the backing index in place; backends whose
// handle is immutable (most vector indexes) can make Reload a no-op.
type Handle interface {
	Reload() error
	Close() error
}

// Loader builds a fresh Handle for key. Called with the cache's own lock
// held is avoided -- see GetOrLoad.
type Loader func() (Handle, error)

type entry struct {
	handle         Handle
	lastAccess     time.Time
	reloadOnAccess bool
}

// Stats reports cumulative cache counters for diagnostics.
type Stats struct {
	Hits    int64
	Misses  int64
	Reloads int64
	Size    int
}

// Cache is a keyed cache of Handles with TTL eviction and optional
// reload-on-access. All operations serialize through a single mutex; the
// mutex is never held while calling into backend I/O for a *different*
// key (spec §5 lock discipline) -- the only I/O performed under lock is
// Reload() for the key already being returned, which spec §4.6 step 2
// requires to be atomic with respect to other cache users.
type Cache struct {
	mu             sync.Mutex
	entries        map[string]*entry
	reloadOnAccess bool
	ttl            time.Duration

	hits, misses, reloads int64

	stopRefresh chan struct{}
	refreshOnce sync.Once
}

// New creates a Cache with the given TTL and reload-on-access policy.
// ttl <= 0 disables background eviction (entries live until Invalidate).
func New(ttl time.Duration, reloadOnAccess bool) *Cache {
	return &Cache{
		entries:        make(map[string]*entry),
		ttl:            ttl,
		reloadOnAccess: reloadOnAccess,
		stopRefresh:    make(chan struct{}),
	}
}

// GetOrLoad returns the cached handle for key, loading it via loader on a
// miss. On a hit with reloadOnAccess set, Reload is called on the existing
// handle while still holding the cache lock, so concurrent GetOrLoad calls
// on the same key observe a single coherent reload rather than a
// thundering herd of independent reloads.
func (c *Cache) GetOrLoad(key string, loader Loader) (Handle, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.lastAccess = time.Now()
		c.hits++
		if e.reloadOnAccess {
			if err := e.handle.Reload(); err != nil {
				c.mu.Unlock()
				return nil, err
			}
			c.reloads++
		}
		h := e.handle
		c.mu.Unlock()
		return h, nil
	}
	c.misses++
	c.mu.Unlock()

	handle, err := loader()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		// another goroutine loaded key while we were loading ours; keep
		// the winner already installed and discard the loser quietly.
		_ = handle.Close()
		existing.lastAccess = time.Now()
		return existing.handle, nil
	}
	c.entries[key] = &entry{handle: handle, lastAccess: time.Now(), reloadOnAccess: c.reloadOnAccess}
	return handle, nil
}

// Invalidate drops the entry for key, closing its handle. A no-op if key
// is not cached.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if ok {
		_ = e.handle.Close()
	}
}

// Clear drops every entry, closing all handles.
func (c *Cache) Clear() {
	c.mu.Lock()
	all := c.entries
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
	for _, e := range all {
		_ = e.handle.Close()
	}
}

// Stats returns a snapshot of cumulative counters and current size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Reloads: c.reloads, Size: len(c.entries)}
}

// LastAccess reports the map of key -> lastAccess, for diagnostics.
func (c *Cache) LastAccess() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]time.Time, len(c.entries))
	for k, e := range c.entries {
		out[k] = e.lastAccess
	}
	return out
}

// StartRefresher launches the background eviction loop described in spec
// §4.6: every ttl/2, evict entries whose lastAccess predates ttl. Intended
// for the FTS cache variant; the vector/HNSW variant typically runs with
// ttl <= 0 and skips this. Call Stop to terminate the goroutine.
func (c *Cache) StartRefresher() {
	if c.ttl <= 0 {
		return
	}
	interval := c.ttl / 2
	if interval <= 0 {
		interval = c.ttl
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.evictExpired()
			case <-c.stopRefresh:
				return
			}
		}
	}()
}

// Stop terminates the background refresher started by StartRefresher. Safe
// to call even if StartRefresher was never called or Stop was already
// called once.
func (c *Cache) Stop() {
	c.refreshOnce.Do(func() { close(c.stopRefresh) })
}

func (c *Cache) evictExpired() {
	cutoff := time.Now().Add(-c.ttl)

	c.mu.Lock()
	var expired []*entry
	for key, e := range c.entries {
		if e.lastAccess.Before(cutoff) {
			expired = append(expired, e)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	for _, e := range expired {
		_ = e.handle.Close()
	}
}
