package cache

import (
	"context"
	"time"
)

// KeyPrefix namespaces hot-tier keys on a possibly shared Redis.
const KeyPrefix = "candles:"

// Key builds the canonical cache key "symbol:timeframe:window_label".
func Key(symbol, timeframe, windowLabel string) string {
	return KeyPrefix + symbol + ":" + timeframe + ":" + windowLabel
}

// Tiered composes the warm tier with an optional hot tier. Lookups try
// hot first (shared across processes), then warm; writes populate both.
type Tiered struct {
	warm *WarmCache
	hot  *HotCache // nil when no hot tier is configured

	// Hit/miss observers for metrics; optional.
	OnHit  func(tier string)
	OnMiss func()
}

// NewTiered builds the cache tier. hot may be nil.
func NewTiered(warm *WarmCache, hot *HotCache) *Tiered {
	return &Tiered{warm: warm, hot: hot}
}

// Get returns the payload for key. bypass forces a miss without checking
// either tier; force-refresh paths use it.
func (t *Tiered) Get(ctx context.Context, key string, bypass bool) ([]byte, bool) {
	if bypass {
		return nil, false
	}
	if payload, ok := t.warm.Get(key); ok {
		t.hit("warm")
		return payload, true
	}
	if t.hot != nil {
		if payload, ok := t.hot.Get(ctx, key); ok {
			// Refresh the warm tier so the next lookup is local.
			t.warm.Put(key, payload)
			t.hit("hot")
			return payload, true
		}
	}
	t.miss()
	return nil, false
}

// Put writes key to both tiers.
func (t *Tiered) Put(ctx context.Context, key string, payload []byte) {
	t.warm.Put(key, payload)
	if t.hot != nil {
		t.hot.Put(ctx, key, payload)
	}
}

// Invalidate removes key from both tiers.
func (t *Tiered) Invalidate(ctx context.Context, key string) {
	t.warm.Invalidate(key)
	if t.hot != nil {
		t.hot.Invalidate(ctx, key)
	}
}

// InvalidateAll empties both tiers.
func (t *Tiered) InvalidateAll(ctx context.Context) {
	t.warm.InvalidateAll()
	if t.hot != nil {
		t.hot.InvalidateAll(ctx)
	}
}

// WarmLen exposes the warm-tier entry count for health and tests.
func (t *Tiered) WarmLen() int { return t.warm.Len() }

// HotHealthy reports hot-tier health; true when no hot tier is configured.
func (t *Tiered) HotHealthy() bool {
	if t.hot == nil {
		return true
	}
	return t.hot.Healthy()
}

func (t *Tiered) hit(tier string) {
	if t.OnHit != nil {
		t.OnHit(tier)
	}
}

func (t *Tiered) miss() {
	if t.OnMiss != nil {
		t.OnMiss()
	}
}

// TTL returns the warm tier's TTL, the contract value for hit freshness.
func (t *Tiered) TTL() time.Duration { return t.warm.ttl }
