// Package cache implements the two-tier key→bytes store: an optional
// shared Redis hot tier and an in-process warm tier with LRU eviction and
// per-entry TTL. Tier failures never surface; they degrade to miss.
package cache

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultMaxEntries = 1024
	DefaultTTL        = 30 * time.Second
)

type warmEntry struct {
	key        string
	payload    []byte
	insertedAt time.Time
}

// WarmCache is the in-process tier: bounded LRU with per-entry TTL.
// A single mutex guards it; hits are O(1) and move the entry to MRU.
type WarmCache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	order      *list.List // front = MRU
	entries    map[string]*list.Element

	now func() time.Time // test seam
}

// NewWarmCache creates a warm cache. Zero values take the defaults.
func NewWarmCache(maxEntries int, ttl time.Duration) *WarmCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &WarmCache{
		maxEntries: maxEntries,
		ttl:        ttl,
		order:      list.New(),
		entries:    make(map[string]*list.Element, maxEntries),
		now:        time.Now,
	}
}

// Get returns the payload for key if present and within TTL. Expired
// entries are removed on access.
func (w *WarmCache) Get(key string) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	el, ok := w.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*warmEntry)
	if w.now().Sub(e.insertedAt) >= w.ttl {
		w.order.Remove(el)
		delete(w.entries, key)
		return nil, false
	}
	w.order.MoveToFront(el)
	return e.payload, true
}

// Put inserts or refreshes key, evicting the LRU entry at capacity.
func (w *WarmCache) Put(key string, payload []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.entries[key]; ok {
		e := el.Value.(*warmEntry)
		e.payload = payload
		e.insertedAt = w.now()
		w.order.MoveToFront(el)
		return
	}

	for w.order.Len() >= w.maxEntries {
		oldest := w.order.Back()
		if oldest == nil {
			break
		}
		w.order.Remove(oldest)
		delete(w.entries, oldest.Value.(*warmEntry).key)
	}

	el := w.order.PushFront(&warmEntry{key: key, payload: payload, insertedAt: w.now()})
	w.entries[key] = el
}

// Invalidate removes key if present.
func (w *WarmCache) Invalidate(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.entries[key]; ok {
		w.order.Remove(el)
		delete(w.entries, key)
	}
}

// InvalidateAll empties the tier.
func (w *WarmCache) InvalidateAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.order.Init()
	w.entries = make(map[string]*list.Element, w.maxEntries)
}

// Len returns the current entry count.
func (w *WarmCache) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}
