package cache

import (
	"context"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const (
	hotOpTimeout   = 2 * time.Second
	backoffInitial = time.Second
	backoffMax     = 60 * time.Second
)

// HotCache is the shared Redis tier. Unreachability is not fatal: the tier
// is bypassed while unhealthy and reconnection is retried lazily with
// exponential backoff capped at backoffMax. All methods degrade to miss.
type HotCache struct {
	client *goredis.Client
	ttl    time.Duration

	mu        sync.Mutex
	down      bool
	backoff   time.Duration
	nextProbe time.Time

	now func() time.Time // test seam
}

// NewHotCache creates the hot tier against addr. The initial ping failing
// only marks the tier down; the gate retries on later use.
func NewHotCache(addr, password string, ttl time.Duration) *HotCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	h := &HotCache{
		client: goredis.NewClient(&goredis.Options{
			Addr:         addr,
			Password:     password,
			DialTimeout:  hotOpTimeout,
			ReadTimeout:  hotOpTimeout,
			WriteTimeout: hotOpTimeout,
		}),
		ttl: ttl,
		now: time.Now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), hotOpTimeout)
	defer cancel()
	if err := h.client.Ping(ctx).Err(); err != nil {
		log.Printf("[cache] hot tier unreachable at startup, will retry lazily: %v", err)
		h.markFailure()
	} else {
		log.Printf("[cache] hot tier connected at %s", addr)
	}
	return h
}

// available reports whether the tier should be tried now. While down, it
// admits a single probe once the backoff window has elapsed.
func (h *HotCache) available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.down {
		return true
	}
	if h.now().After(h.nextProbe) {
		h.nextProbe = h.now().Add(h.backoff) // next probe only after another window
		return true
	}
	return false
}

func (h *HotCache) markFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.down {
		h.down = true
		h.backoff = backoffInitial
	} else if h.backoff < backoffMax {
		h.backoff *= 2
		if h.backoff > backoffMax {
			h.backoff = backoffMax
		}
	}
	h.nextProbe = h.now().Add(h.backoff)
}

func (h *HotCache) markSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		log.Printf("[cache] hot tier recovered")
	}
	h.down = false
	h.backoff = 0
}

// Get returns the payload for key, or a miss on absence, expiry, or any
// tier failure.
func (h *HotCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if !h.available() {
		return nil, false
	}
	opCtx, cancel := context.WithTimeout(ctx, hotOpTimeout)
	defer cancel()

	val, err := h.client.Get(opCtx, key).Bytes()
	if err != nil {
		if err != goredis.Nil {
			h.markFailure()
		} else {
			h.markSuccess()
		}
		return nil, false
	}
	h.markSuccess()
	return val, true
}

// Put writes key with the tier TTL. Failures are swallowed.
func (h *HotCache) Put(ctx context.Context, key string, payload []byte) {
	if !h.available() {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, hotOpTimeout)
	defer cancel()

	if err := h.client.Set(opCtx, key, payload, h.ttl).Err(); err != nil {
		h.markFailure()
		return
	}
	h.markSuccess()
}

// Invalidate deletes key. Failures are swallowed.
func (h *HotCache) Invalidate(ctx context.Context, key string) {
	if !h.available() {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, hotOpTimeout)
	defer cancel()

	if err := h.client.Del(opCtx, key).Err(); err != nil {
		h.markFailure()
		return
	}
	h.markSuccess()
}

// InvalidateAll flushes the candle keyspace. Only keys under the service
// prefix are touched; the Redis instance may be shared.
func (h *HotCache) InvalidateAll(ctx context.Context) {
	if !h.available() {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, hotOpTimeout)
	defer cancel()

	iter := h.client.Scan(opCtx, 0, KeyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(opCtx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		h.markFailure()
		return
	}
	if len(keys) > 0 {
		if err := h.client.Del(opCtx, keys...).Err(); err != nil {
			h.markFailure()
			return
		}
	}
	h.markSuccess()
}

// Healthy reports whether the last interaction with the tier succeeded.
func (h *HotCache) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.down
}

// Client exposes the underlying connection for health probes.
func (h *HotCache) Client() *goredis.Client { return h.client }

// Close releases the underlying client.
func (h *HotCache) Close() error {
	return h.client.Close()
}
