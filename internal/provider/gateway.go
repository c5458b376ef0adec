// Package provider wraps the upstream market-data sources behind one
// capability: fetch the candle history for a (symbol, timeframe). The
// gateway iterates providers in configured order, normalizes and
// validates what they return, coalesces concurrent fetches per key, and
// integrates the cache tier.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"prediction-systemv1/internal/cache"
	"prediction-systemv1/internal/model"
	"prediction-systemv1/internal/validate"
)

// ErrProviderExhausted signals that every configured provider failed or
// returned zero valid candles.
var ErrProviderExhausted = errors.New("all providers exhausted")

const defaultFetchTimeout = 10 * time.Second

// GatewayConfig configures the provider gateway.
type GatewayConfig struct {
	// Providers in fallback order; the first non-empty valid result wins.
	Providers []model.CandleProvider

	// Cache is the two-tier cache; nil disables caching.
	Cache *cache.Tiered

	// FetchTimeout bounds each upstream call. Zero takes the default.
	FetchTimeout time.Duration

	// Observers for metrics; optional.
	OnFetch    func(provider string, candles int, took time.Duration, err error)
	OnFallback func(from, to string)
	OnDrop     func(provider string)
}

// Gateway is the uniform candle source.
type Gateway struct {
	cfg    GatewayConfig
	flight singleflight.Group

	now func() time.Time // test seam
}

// NewGateway builds the gateway. At least one provider is required.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("provider gateway needs at least one provider")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	return &Gateway{cfg: cfg, now: time.Now}, nil
}

// FetchCandles returns the candle history for the symbol over the
// timeframe's fixed window, strictly ascending on start_ts. bypassCache
// skips the cache lookup (force-refresh paths) but still populates it.
//
// Concurrent calls for the same key coalesce into one upstream fetch.
func (g *Gateway) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, bypassCache bool) ([]model.Candle, error) {
	key := cache.Key(symbol, string(tf), tf.WindowLabel())

	if g.cfg.Cache != nil {
		if payload, ok := g.cfg.Cache.Get(ctx, key, bypassCache); ok {
			var candles []model.Candle
			if err := json.Unmarshal(payload, &candles); err == nil {
				return candles, nil
			}
			// A corrupt entry degrades to a miss.
			g.cfg.Cache.Invalidate(ctx, key)
		}
	}

	v, err, _ := g.flight.Do(key, func() (any, error) {
		return g.fetchUpstream(ctx, symbol, tf, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Candle), nil
}

// fetchUpstream walks the provider chain. The first provider yielding a
// non-empty valid result wins and populates the cache.
func (g *Gateway) fetchUpstream(ctx context.Context, symbol string, tf model.Timeframe, key string) ([]model.Candle, error) {
	var lastErr error
	for i, p := range g.cfg.Providers {
		if i > 0 && g.cfg.OnFallback != nil {
			g.cfg.OnFallback(g.cfg.Providers[i-1].Name(), p.Name())
		}

		fetchCtx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
		started := g.now()
		raw, err := p.FetchCandles(fetchCtx, symbol, tf)
		cancel()

		if g.cfg.OnFetch != nil {
			g.cfg.OnFetch(p.Name(), len(raw), g.now().Sub(started), err)
		}
		if err != nil {
			log.Printf("[provider] %s failed for %s:%s: %v", p.Name(), symbol, tf, err)
			lastErr = err
			continue
		}

		candles := g.normalize(p.Name(), symbol, tf, raw)
		if len(candles) == 0 {
			log.Printf("[provider] %s returned no valid candles for %s:%s", p.Name(), symbol, tf)
			continue
		}

		if g.cfg.Cache != nil {
			if payload, err := json.Marshal(candles); err == nil {
				g.cfg.Cache.Put(ctx, key, payload)
			}
		}
		return candles, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrProviderExhausted, lastErr)
	}
	return nil, ErrProviderExhausted
}

// normalize stamps identity fields, converts timestamps to IST, drops
// candles failing the validator, and drops out-of-order entries rather
// than reordering them; the sequence must reflect what the provider
// actually sent.
func (g *Gateway) normalize(providerName, symbol string, tf model.Timeframe, raw []model.Candle) []model.Candle {
	now := g.now()

	out := make([]model.Candle, 0, len(raw))
	for i := range raw {
		c := raw[i]
		c.Symbol = symbol
		c.Timeframe = tf
		c.StartTS = c.StartTS.In(model.IST)

		if err := validate.CheckCandle(&c, now); err != nil {
			log.Printf("[provider] %s dropped candle %s: %v", providerName, c.Identity(), err)
			g.noteDrop(providerName)
			continue
		}
		if len(out) > 0 && !c.StartTS.After(out[len(out)-1].StartTS) {
			log.Printf("[provider] %s dropped out-of-order candle %s", providerName, c.Identity())
			g.noteDrop(providerName)
			continue
		}
		out = append(out, c)
	}
	return out
}

func (g *Gateway) noteDrop(providerName string) {
	if g.cfg.OnDrop != nil {
		g.cfg.OnDrop(providerName)
	}
}

// sortedAscending reports whether candles ascend strictly on start_ts.
// Exposed for tests that build fixtures.
func sortedAscending(candles []model.Candle) bool {
	return sort.SliceIsSorted(candles, func(i, j int) bool {
		return candles[i].StartTS.Before(candles[j].StartTS)
	})
}
